// Package blob stores document bytes by path.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no object exists at path.
var ErrNotFound = errors.New("blob: not found")

// Store is durable, path-addressed byte storage.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}
