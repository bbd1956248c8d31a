// Package assets uploads note photos from device storage to remote object storage.
package assets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Lllllllleong/fieldnotesync/internal/models"
)

const (
	DefaultContentType = "image/jpeg"
	DefaultFileName    = "upload.jpg"
)

// ErrMissingURI is returned for image refs that carry no local URI.
var ErrMissingURI = errors.New("image has no local uri")

// Uploader turns one local image into a durable remote URL.
type Uploader interface {
	Upload(ctx context.Context, img models.ImageRef) (string, error)
}

// AssetUploadError describes a failed upload. StatusCode is zero when the
// request never produced a response.
type AssetUploadError struct {
	URI        string
	StatusCode int
	Body       string
	Err        error
}

func (e *AssetUploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("asset upload of %s failed with status %d: %v (body: %s)", e.URI, e.StatusCode, e.Err, truncate(e.Body, 200))
	}
	return fmt.Sprintf("asset upload of %s failed: %v", e.URI, e.Err)
}

func (e *AssetUploadError) Unwrap() error {
	return e.Err
}

// withDefaults fills in the type and name an upload needs.
func withDefaults(img models.ImageRef) models.ImageRef {
	if img.Type == "" {
		img.Type = DefaultContentType
	}
	if img.Name == "" {
		img.Name = DefaultFileName
	}
	return img
}

// localPath maps a device URI to a filesystem path.
func localPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

func openLocal(img models.ImageRef) (*os.File, error) {
	if img.URI == "" {
		return nil, &AssetUploadError{Err: ErrMissingURI}
	}
	f, err := os.Open(localPath(img.URI))
	if err != nil {
		return nil, &AssetUploadError{URI: img.URI, Err: fmt.Errorf("could not open local file: %w", err)}
	}
	return f, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
