// Package kv defines the key-value backend contract the licensing core is
// built on. The backend is deliberately narrow: whole-value GET/SET, an
// RPUSH-style list append for audit trails, and an atomic read-modify-write
// primitive used for version-checked record saves. Two implementations exist:
// a Redis adapter for production and an in-memory store for tests and
// development.
package kv

import (
	"context"
	"errors"
)

// ErrUnavailable marks transport-level backend failures: the store is
// unreachable, misconfigured, or rejected our credentials. Business logic
// cannot proceed without the backend, so callers propagate this as-is.
var ErrUnavailable = errors.New("license backend unavailable")

// ErrConflict is returned by Update when the key kept changing underneath the
// transaction and the retry budget ran out. The backend itself is healthy;
// the caller's read is stale and a fresh read-modify-write may succeed.
var ErrConflict = errors.New("key modified concurrently")

// UpdateFunc transforms the current raw value at a key into its next value.
// current is nil when the key does not exist. Returning an error aborts the
// update without writing; that error is returned from Update unchanged.
//
// Implementations may invoke fn more than once: an optimistic transaction
// that loses a race re-reads the key and calls fn again with the fresh
// value. fn must be idempotent and must not carry mutations from one
// invocation into the next.
type UpdateFunc func(current []byte) (next []byte, err error)

// Store is the backend contract. Values are opaque byte strings; all callers
// serialize to JSON themselves.
type Store interface {
	// Get returns the value at key, or nil when the key does not exist.
	// Absence is an expected outcome, not an error.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set overwrites the value at key.
	Set(ctx context.Context, key string, value []byte) error

	// Update atomically applies fn to the value at key. Implementations
	// guarantee no other writer modified the key between the read and the
	// write of a single successful call.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// RPush appends value to the list at key, creating it if needed.
	RPush(ctx context.Context, key string, value []byte) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}
