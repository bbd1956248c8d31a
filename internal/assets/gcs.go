package assets

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/fieldnotesync/internal/gcp"
	"github.com/Lllllllleong/fieldnotesync/internal/models"
	"github.com/google/uuid"
)

// GCSUploader stores images in a Cloud Storage bucket and returns their public URL.
type GCSUploader struct {
	bucket     *storage.BucketHandle
	bucketName string
	prefix     string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewGCSUploader writes objects under prefix in bucketName.
func NewGCSUploader(client *storage.Client, bucketName, prefix string, timeout time.Duration) (*GCSUploader, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client cannot be nil")
	}
	if bucketName == "" {
		return nil, fmt.Errorf("bucket name must be set")
	}
	if timeout <= 0 {
		timeout = 50 * time.Second
	}
	return &GCSUploader{
		bucket:     client.Bucket(bucketName),
		bucketName: bucketName,
		prefix:     prefix,
		timeout:    timeout,
		logger:     slog.With("component", "asset-uploader", "backend", "gcs", "bucket", bucketName),
	}, nil
}

func (g *GCSUploader) Upload(ctx context.Context, img models.ImageRef) (string, error) {
	if img.IsRemote() {
		return img.URI, nil
	}
	img = withDefaults(img)

	f, err := openLocal(img)
	if err != nil {
		return "", err
	}
	defer f.Close()

	objectName := path.Join(g.prefix, uuid.NewString()+"-"+img.Name)

	writeCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := gcp.WriteObjectIfAbsent(writeCtx, g.bucket, objectName, img.Type, f); err != nil {
		return "", &AssetUploadError{URI: img.URI, Err: err}
	}
	url := gcp.PublicObjectURL(g.bucketName, objectName)
	g.logger.Debug("Image uploaded.", "uri", img.URI, "gcsObject", objectName)
	return url, nil
}
