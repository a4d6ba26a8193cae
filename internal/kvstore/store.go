// Package kvstore provides the shared, TTL-based key-value store used for
// sessions, lockouts, blacklists and counters.
//
// No operation is transactional across keys. Operations that touch more than
// one command on a single key (Incr, AppendWindow) are atomic per key.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired
var ErrNotFound = errors.New("kvstore: key not found")

// ScoredMember is a sorted-set member with its score
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the contract every component uses to reach shared state
type Store interface {
	// Get returns the value stored at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set replaces the value at key. A zero ttl stores the key without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores the value only if key does not exist. Reports whether it was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// TTL returns the remaining lifetime of key, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Keys lists keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Incr atomically increments the counter at key. The ttl is only applied
	// when the key has no expiry yet (INCR + EXPIRE NX).
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// ZAdd adds or updates a member of the sorted set at key and refreshes the
	// set's ttl.
	ZAdd(ctx context.Context, key string, member ScoredMember, ttl time.Duration) error
	// ZRange returns all members ordered by ascending score.
	ZRange(ctx context.Context, key string) ([]ScoredMember, error)
	// ZRem removes members from the sorted set at key.
	ZRem(ctx context.Context, key string, members ...string) error

	// AppendWindow adds member at time at to the sliding window stored at key,
	// drops members older than at-window and returns the resulting count.
	AppendWindow(ctx context.Context, key string, member string, at time.Time, window time.Duration) (int64, error)
}
