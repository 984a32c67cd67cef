// Package cache provides a generic, thread-safe bounded cache combining
// LRU eviction with absolute TTL expiry.
//
// The cache is the affordability mechanism for external computations:
// callers derive keys by quantizing continuous inputs (see Quantizer) so
// that nearby or near-simultaneous requests collapse onto one entry.
//
// Statistics are always enabled for observability; Prometheus metrics are
// optional via functional options. TTL is absolute from insertion and is
// never refreshed by reads. Expired entries are removed lazily on access,
// and an expired access counts as both a miss and an expiration.
package cache

import (
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/errors"
)

// Cache represents a bounded TTL+LRU cache parameterized by value type V.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the value and true if found and
	// not expired; zero value and false otherwise. An expired entry is
	// removed and counted as both a miss and an expiration.
	Get(key string) (V, bool)

	// Set stores a value with the given key. Returns true if a new entry was
	// created, false if an existing entry was updated.
	// Returns an error if the key is invalid.
	Set(key string, value V) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries from the cache.
	Clear()

	// Size returns the current number of entries in the cache.
	Size() int

	// Keys returns all non-expired keys, most recently used first.
	Keys() []string

	// Stats returns cache statistics (always available).
	Stats() *Statistics
}

// EvictCallback is called when an entry is evicted or expires.
// It receives the key and value of the removed entry.
type EvictCallback[V any] func(key string, value V)

// validateKey validates a cache key for basic requirements.
// Returns a classified error if the key is invalid.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}

// clock abstracts time for deterministic expiry tests.
type clock func() time.Time
