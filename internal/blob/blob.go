// Package blob stores uploaded interview audio on local disk or in S3.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"interview-pipeline/internal/config"
)

// ErrInvalidKey is returned for keys that escape the storage root.
var ErrInvalidKey = errors.New("invalid blob key")

// Store is an audio object store addressed by slash-separated keys.
type Store interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, contentType string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// New picks the backend from BLOB_DRIVER.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.BlobDriver {
	case "", "local":
		return NewLocal(cfg.BlobLocalDir), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("blob: S3_BUCKET is required for the s3 driver")
		}
		return NewS3(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("blob: unknown driver %q", cfg.BlobDriver)
	}
}

// Fetch copies key into dst, creating parent directories.
func Fetch(ctx context.Context, st Store, key, dst string) error {
	src, err := st.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("copy %s: %w", key, err)
	}
	return f.Close()
}
