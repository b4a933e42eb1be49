// Package store declares the atomic ordered store shared by every worker process.
//
// The work queue and the proxy pool express all cross-process mutation through
// Store. Implementations must make ListPopHead, SortedSetPopMax and
// SortedSetIncrBy atomic: no two callers, in any process, may observe the same
// popped element, and concurrent increments must never be lost.
package store

import (
	"context"
	"errors"
)

// ErrNotFound signals an empty list/set on pop, or a missing member.
var ErrNotFound = errors.New("store: not found")

// Member is a sorted-set element with its score.
type Member struct {
	Value string
	Score float64
}

// Store is the set of list and sorted-set primitives the core relies on.
type Store interface {
	// ListPushTail appends value to the list at key.
	ListPushTail(ctx context.Context, key, value string) error
	// ListPopHead removes and returns the first element, or ErrNotFound.
	ListPopHead(ctx context.Context, key string) (string, error)

	// SortedSetAdd inserts member or updates its score.
	SortedSetAdd(ctx context.Context, key, member string, score float64) error
	// SortedSetPopMax removes and returns the highest scored member, or ErrNotFound.
	SortedSetPopMax(ctx context.Context, key string) (Member, error)
	// SortedSetIncrBy adds delta to an existing member's score and returns the
	// new score. Missing members are left absent and ErrNotFound is returned.
	SortedSetIncrBy(ctx context.Context, key, member string, delta float64) (float64, error)
	// SortedSetRemove deletes member and reports whether it was present.
	SortedSetRemove(ctx context.Context, key, member string) (bool, error)
	// SortedSetRangeByScore lists members with min <= score <= max, ascending.
	SortedSetRangeByScore(ctx context.Context, key string, minScore, maxScore float64) ([]Member, error)
	// SortedSetRemoveRangeByScore deletes members with min <= score <= max.
	SortedSetRemoveRangeByScore(ctx context.Context, key string, minScore, maxScore float64) (int64, error)
	// SortedSetScore returns a member's score, or ErrNotFound.
	SortedSetScore(ctx context.Context, key, member string) (float64, error)

	// Cardinality reports the element count of the list or sorted set at key.
	// Absent keys have cardinality zero.
	Cardinality(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
