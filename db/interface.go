package db

import "github.com/pkg/errors"

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Write is a single put or delete in a batch.
type Write struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Put creates a write setting key to value.
func Put(key []byte, value []byte) Write {
	return Write{Key: key, Value: value}
}

// Del creates a write deleting key.
func Del(key []byte) Write {
	return Write{Key: key, Delete: true}
}

// Database is a very basic interface for pluggable
// key-value databases.
type Database interface {
	// Get gets the value for a key or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Set sets a single key.
	Set(key []byte, value []byte) error

	// Delete removes a key if it exists.
	Delete(key []byte) error

	// Batch applies all writes atomically.
	Batch(writes []Write) error

	// Iterate calls fn for each key with the prefix in ascending key order.
	Iterate(prefix []byte, fn func(key []byte, value []byte) error) error

	// Close closes the database.
	Close() error
}

// Key builds a key from a prefix and parts without aliasing the prefix.
func Key(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	out = append(out, prefix...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
