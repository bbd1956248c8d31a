package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/Lllllllleong/fieldnotesync/internal/models"
	"github.com/antonholmquist/jason"
	"golang.org/x/time/rate"
)

// maxResponseBytes caps how much of an endpoint response is kept for diagnostics.
const maxResponseBytes = 1 << 20

// MultipartConfig configures the multipart form uploader.
type MultipartConfig struct {
	Endpoint     string
	UploadPreset string
	Timeout      time.Duration
	// RequestsPerSecond throttles uploads across all callers; zero disables throttling.
	RequestsPerSecond float64
}

// MultipartUploader posts each image as a multipart form to a fixed endpoint
// and reads the durable URL from the secure_url field of the JSON reply.
type MultipartUploader struct {
	Endpoint     string
	UploadPreset string
	HTTPClient   *http.Client
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// NewMultipartUploader validates cfg and builds an uploader.
func NewMultipartUploader(cfg MultipartConfig) (*MultipartUploader, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("upload endpoint must be set")
	}
	if cfg.UploadPreset == "" {
		return nil, fmt.Errorf("upload preset must be set")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	u := &MultipartUploader{
		Endpoint:     cfg.Endpoint,
		UploadPreset: cfg.UploadPreset,
		HTTPClient:   &http.Client{Timeout: timeout},
		logger:       slog.With("component", "asset-uploader", "backend", "multipart"),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		u.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return u, nil
}

// Upload sends one image. Images that already carry a remote URL are returned as is.
func (u *MultipartUploader) Upload(ctx context.Context, img models.ImageRef) (string, error) {
	if img.IsRemote() {
		return img.URI, nil
	}
	img = withDefaults(img)

	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return "", &AssetUploadError{URI: img.URI, Err: fmt.Errorf("rate limiter wait: %w", err)}
		}
	}

	body, contentType, err := u.buildForm(img)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Endpoint, body)
	if err != nil {
		return "", &AssetUploadError{URI: img.URI, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)

	u.logger.Debug("Sending image upload.", "uri", img.URI, "name", img.Name, "type", img.Type)
	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return "", &AssetUploadError{URI: img.URI, Err: classifyTransportError(err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &AssetUploadError{URI: img.URI, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		u.logger.Warn("Image upload rejected.", "uri", img.URI, "status", resp.StatusCode)
		return "", &AssetUploadError{
			URI:        img.URI,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Err:        fmt.Errorf("non-2xx response: %s", resp.Status),
		}
	}

	secureURL, err := parseSecureURL(respBody)
	if err != nil {
		return "", &AssetUploadError{URI: img.URI, StatusCode: resp.StatusCode, Body: string(respBody), Err: err}
	}
	u.logger.Debug("Image uploaded.", "uri", img.URI, "url", secureURL)
	return secureURL, nil
}

func (u *MultipartUploader) buildForm(img models.ImageRef) (*bytes.Buffer, string, error) {
	f, err := openLocal(img)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, img.Name))
	h.Set("Content-Type", img.Type)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", &AssetUploadError{URI: img.URI, Err: fmt.Errorf("failed to create form part: %w", err)}
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", &AssetUploadError{URI: img.URI, Err: fmt.Errorf("failed to read local file: %w", err)}
	}
	if err := mw.WriteField("upload_preset", u.UploadPreset); err != nil {
		return nil, "", &AssetUploadError{URI: img.URI, Err: fmt.Errorf("failed to write form field: %w", err)}
	}
	if err := mw.Close(); err != nil {
		return nil, "", &AssetUploadError{URI: img.URI, Err: fmt.Errorf("failed to finalize form: %w", err)}
	}
	return &buf, mw.FormDataContentType(), nil
}

func parseSecureURL(body []byte) (string, error) {
	obj, err := jason.NewObjectFromBytes(body)
	if err != nil {
		return "", fmt.Errorf("failed to decode JSON response: %w", err)
	}
	secureURL, err := obj.GetString("secure_url")
	if err != nil || secureURL == "" {
		return "", errors.New("response did not contain secure_url")
	}
	return secureURL, nil
}

// classifyTransportError gives timeouts and DNS failures a clearer message.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("request timed out: %w", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var dnsErr *net.DNSError
		if errors.As(urlErr.Err, &dnsErr) {
			return fmt.Errorf("DNS resolution failed: %w", err)
		}
	}
	return fmt.Errorf("network error: %w", err)
}
