// Package storage provides the key-value store behind blocks, queues and
// broadcast state.
package storage

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix in ascending
	// key order. The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	// NewBatch starts a set of writes that commit atomically.
	NewBatch() Batch
	Close() error
}

// Batch collects writes that are applied together by Commit. Nothing is
// visible to readers until Commit succeeds; a failed Commit applies nothing.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	// Discard drops the pending writes. Safe to call after Commit.
	Discard()
}
