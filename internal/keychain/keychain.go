// Package keychain stores named string secrets in a Secret Service
// collection.
//
// Each secret is an item with the attributes:
//   - service: the configured service name (default "gsecret")
//   - key: the secret key (e.g. "chat/database-url")
//
// and the label "<service>: <key>" so vault browsers show where it came from.
package keychain

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a secret does not exist in the store.
var ErrNotFound = errors.New("secret not found")

// Store is the interface for secret storage operations.
type Store interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key string) error
	GetMultiple(ctx context.Context, keys []string) (map[string]string, error)
}
