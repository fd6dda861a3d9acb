package store

import (
	"context"
	"errors"
	"time"
)

// ErrAbort can be returned from a RunGuarded callback to abandon the
// transaction without committing. RunGuarded reports it as committed=false
// rather than as an error.
var ErrAbort = errors.New("store: guarded transaction aborted")

// KeyValue is a key with the value to write for it.
type KeyValue struct {
	Key   string
	Value string
}

// Member is a sorted-set member together with its score.
type Member struct {
	Value string
	Score float64
}

// GuardedTx is the view of the store inside a guarded transaction. Reads
// happen immediately; mutations are queued and applied atomically when the
// callback returns nil, provided the watched key is unchanged.
type GuardedTx interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(key string)
	RemoveFromSortedSet(setKey, member string)
}

// Store is an ordered key-value store with per-key expiry, sorted-set range
// operations and an optimistic watch-one-key transaction primitive.
type Store interface {
	// SetIfAbsent writes value under key only if the key does not exist.
	// A positive ttl bounds the lifetime of the created key.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// SetIfAbsentMany attempts each write independently in a single round
	// trip. The returned slice reports the outcome per entry, in order.
	SetIfAbsentMany(ctx context.Context, kvs []KeyValue, ttl time.Duration) ([]bool, error)
	// Get retrieves the value for key. The boolean reports presence.
	Get(ctx context.Context, key string) (string, bool, error)
	// Delete removes the given keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// AddToSortedSet adds the members to the sorted set at key.
	AddToSortedSet(ctx context.Context, key string, members ...Member) error
	// RangeByScore returns members with min <= score <= max, score order.
	RangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	// RangeByScoreWithScores is RangeByScore including each member's score.
	RangeByScoreWithScores(ctx context.Context, key string, min, max float64) ([]Member, error)
	// RemoveRangeByScore deletes members with min <= score <= max and
	// returns how many were removed.
	RemoveRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	// UnionSortedSets stores into destKey the union of the source sets,
	// keeping the maximum score per member. It returns the member count.
	UnionSortedSets(ctx context.Context, destKey string, srcKeys []string) (int64, error)

	// Keys returns all keys matching the glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// RunGuarded runs fn inside a transaction that watches watchKey. Queued
	// mutations commit only if the watched key is unchanged since the watch
	// began. It reports committed=false, with a nil error, when fn returns
	// ErrAbort or the watched key was modified concurrently.
	RunGuarded(ctx context.Context, watchKey string, fn func(tx GuardedTx) error) (bool, error)

	Close() error
}
