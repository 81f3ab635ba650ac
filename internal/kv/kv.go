// Package kv is a small key/value abstraction with per-key expiry. The auth
// core keeps its throttling and one-time-token state behind it so a single
// process can use Memory while a horizontally scaled deployment shares
// state through Redis.
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("kv: key not found")

// UpdateFunc receives the current value (nil, false when absent or
// expired) and returns the value to store. Returning a nil value deletes
// the key. Stores with optimistic concurrency may call it more than once
// for a single Update, so it must not leak state between calls.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value for ttl. A ttl <= 0 keeps the key until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Take returns the value and removes the key in one atomic step.
	Take(ctx context.Context, key string) ([]byte, error)
	// Update performs an atomic read-modify-write of key.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}
