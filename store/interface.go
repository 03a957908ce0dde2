// Package store defines the key-value persistence boundary of the custodian
// and its backends. Everything the custodian keeps on disk (permission
// records, transient sign-request payloads, settings) goes through KV.
package store

import "errors"

// NoOp can be returned from an Update callback to leave the key untouched.
var NoOp = errors.New("no-op")

// KV is the persistence capability the custodian components depend on.
type KV interface {
	// Get retrieves the value for key. Returns nil, nil when absent.
	Get(key []byte) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(key []byte, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// Update atomically transforms the value under key. The callback
	// receives the current value (nil when absent) and returns the new
	// one; returning nil deletes the key, returning NoOp leaves it alone.
	// No other write to the same key may interleave with the callback.
	Update(key []byte, fn func(current []byte) ([]byte, error)) error

	// Scan visits every key with the given prefix. Returning false from
	// fn stops the scan early.
	Scan(prefix []byte, fn func(key []byte, value []byte) bool) error

	// Close releases any resources held by the store.
	Close() error
}
