package blobstore

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no blob exists under the key.
var ErrNotFound = errors.New("blob not found")

// Store keeps raw upload payloads between intake and the worker.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// NewKey returns a unique key for an uploaded file: <prefix><uuid>-<name>.
func NewKey(prefix, fileName string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(fileName), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return prefix + uuid.NewString() + "-" + name
}
