package repository

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("blob not found")

// BlobStore is the persistence collaborator the cart is stored in; one serialized blob per key.
// Consumers define this interface, the backends below implement it.
type BlobStore interface {
	// Get returns ErrNotFound when nothing has been stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, blob []byte) error
	// Remove deletes key; a missing key is not an error.
	Remove(ctx context.Context, key string) error
}
