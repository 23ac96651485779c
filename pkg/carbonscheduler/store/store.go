// Package store abstracts the configuration bucket that holds the catalog,
// the registry document, forecasts and per-function schedules. The bucket
// is the single source of truth; writers use write-then-rename semantics so
// readers never observe a torn object.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the named object does not exist.
var ErrNotFound = errors.New("object not found")

// Interface is the minimal object-store contract the scheduler needs.
type Interface interface {
	// Get returns the full contents of the named object.
	Get(ctx context.Context, name string) ([]byte, error)

	// Put writes the object atomically: a reader concurrently calling Get
	// observes either the previous contents or the new ones, never a mix.
	Put(ctx context.Context, name string, data []byte) error

	// List returns the object names under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies the bucket is reachable. Used by /health.
	Ping(ctx context.Context) error
}

// GetJSON fetches and decodes a JSON object into v.
func GetJSON(ctx context.Context, s Interface, name string, v interface{}) error {
	data, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	return decodeJSON(name, data, v)
}

// PutJSON encodes v and writes it atomically.
func PutJSON(ctx context.Context, s Interface, name string, v interface{}) error {
	data, err := encodeJSON(name, v)
	if err != nil {
		return err
	}
	return s.Put(ctx, name, data)
}
