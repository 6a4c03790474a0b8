// Package store provides durable key/value storage and bounded append-only lists.
//
// Every write is either a whole-value replace or an append, so a duplicate run after a
// crash cannot leave a half-mutated record behind.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("not found")

// Entry is one element of a list, oldest first by ID
type Entry struct {
	ID        uint64
	Value     []byte
	CreatedAt time.Time
}

// Store defines the persistence operations the engine relies on
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys starting with prefix, sorted
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Append adds value to the named list. When limit > 0 the oldest entries beyond
	// limit are evicted in the same transaction.
	Append(ctx context.Context, list string, value []byte, limit int) (uint64, error)
	// Entries returns the list oldest first
	Entries(ctx context.Context, list string) ([]Entry, error)
	// Remove deletes one entry; removing a missing entry is not an error
	Remove(ctx context.Context, list string, id uint64) error

	Close() error
}
