// Package objectstore provides the durable write-only stores transformed
// images are uploaded to. Every backend derives public locators
// deterministically as <storage-root>/<key>.
package objectstore

import (
	"context"
	"fmt"
	"net/http"

	"bulkimg/internal/models"
)

type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Locator(key string) string
}

// New constructs the backend selected in cfg.
func New(ctx context.Context, cfg models.ObjectStoreConfig, httpClient *http.Client) (Store, error) {
	switch cfg.Driver {
	case models.ObjectStoreS3:
		return NewS3(ctx, cfg, httpClient)
	case models.ObjectStoreFile:
		return NewFileStore(cfg.Path, cfg.PublicBaseURL)
	default:
		return nil, fmt.Errorf("objectstore.New: unsupported driver %q", cfg.Driver)
	}
}

var (
	_ Store = (*S3)(nil)
	_ Store = (*FileStore)(nil)
)
