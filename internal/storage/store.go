// Package storage defines the key-value and sorted-set store used for guest
// identities, match results and stats snapshots.
package storage

import (
	"context"
	"time"
)

// Store is the external key-value and sorted-set store.
//
// Implementations must be safe for concurrent use. Callers on the event loop
// must not call a Store directly; store calls block on I/O.
type Store interface {
	// Get returns the value stored at key.
	//
	// Postcondition: Returns ("", false, nil) when the key is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value at key. A ttl <= 0 stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// ZAdd adds member to the sorted set at key, replacing its score if present.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRangeByScore returns the members of key with min <= score <= max,
	// ordered by score then member.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
}
