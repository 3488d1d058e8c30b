// Package storage defines the narrow key/value interface the engine persists
// through, plus in-memory and Redis-backed implementations.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("storage: key not found")

// Store is the persistence adapter consumed by rooms and the world registry.
// Implementations must be safe for concurrent calls from distinct rooms but
// may assume a single writer per key prefix.
type Store interface {
	// Get returns the raw value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key, replacing any existing value.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all key/value pairs whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	// Close releases underlying resources.
	Close() error
}
