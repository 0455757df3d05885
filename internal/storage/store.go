package storage

import (
	"context"
	"errors"
)

// ErrNotFound reports that no file exists under the requested key.
var ErrNotFound = errors.New("file not found")

// FileStore persists uploaded material files. Keys are store-relative
// paths ("uploads/<material-id>/<name>"); the same key saved here is
// what the pipeline fetches later.
type FileStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
	Fetch(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
