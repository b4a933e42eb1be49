// Package memory provides a single-process Store for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/crawlgate/internal/store"
)

var errWrongType = errors.New("memory store: operation against a key holding the wrong kind of value")

// Store keeps lists and sorted sets in maps guarded by one mutex, which makes
// every operation atomic with respect to the others.
type Store struct {
	mu     sync.Mutex
	lists  map[string][]string
	zsets  map[string]map[string]float64
	closed bool
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		lists: make(map[string][]string),
		zsets: make(map[string]map[string]float64),
	}
}

// ListPushTail appends value to the list at key.
func (s *Store) ListPushTail(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.zsets[key]; ok {
		return errWrongType
	}
	s.lists[key] = append(s.lists[key], value)
	return nil
}

// ListPopHead removes the first element of the list at key.
func (s *Store) ListPopHead(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.zsets[key]; ok {
		return "", errWrongType
	}
	items := s.lists[key]
	if len(items) == 0 {
		return "", store.ErrNotFound
	}
	head := items[0]
	if len(items) == 1 {
		delete(s.lists, key)
	} else {
		s.lists[key] = items[1:]
	}
	return head, nil
}

// SortedSetAdd inserts or updates member.
func (s *Store) SortedSetAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.zsetLocked(key, true)
	if err != nil {
		return err
	}
	set[member] = score
	return nil
}

// SortedSetPopMax removes the highest scored member. Among equal scores the
// lexicographically greatest member wins, as with Redis ZPOPMAX.
func (s *Store) SortedSetPopMax(_ context.Context, key string) (store.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.zsetLocked(key, false)
	if err != nil {
		return store.Member{}, err
	}
	if len(set) == 0 {
		return store.Member{}, store.ErrNotFound
	}
	var best store.Member
	first := true
	for value, score := range set {
		if first || score > best.Score || (score == best.Score && value > best.Value) {
			best = store.Member{Value: value, Score: score}
			first = false
		}
	}
	delete(set, best.Value)
	if len(set) == 0 {
		delete(s.zsets, key)
	}
	return best, nil
}

// SortedSetIncrBy adds delta to an existing member.
func (s *Store) SortedSetIncrBy(_ context.Context, key, member string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.zsetLocked(key, false)
	if err != nil {
		return 0, err
	}
	score, ok := set[member]
	if !ok {
		return 0, store.ErrNotFound
	}
	score += delta
	set[member] = score
	return score, nil
}

// SortedSetRemove deletes member.
func (s *Store) SortedSetRemove(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.zsetLocked(key, false)
	if err != nil {
		return false, err
	}
	if _, ok := set[member]; !ok {
		return false, nil
	}
	delete(set, member)
	if len(set) == 0 {
		delete(s.zsets, key)
	}
	return true, nil
}

// SortedSetRangeByScore lists members within [minScore, maxScore].
func (s *Store) SortedSetRangeByScore(
	_ context.Context,
	key string,
	minScore, maxScore float64,
) ([]store.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.zsetLocked(key, false)
	if err != nil {
		return nil, err
	}
	out := make([]store.Member, 0, len(set))
	for value, score := range set {
		if score >= minScore && score <= maxScore {
			out = append(out, store.Member{Value: value, Score: score})
		}
	}
	sortMembers(out)
	return out, nil
}

// SortedSetRemoveRangeByScore deletes members within [minScore, maxScore].
func (s *Store) SortedSetRemoveRangeByScore(
	_ context.Context,
	key string,
	minScore, maxScore float64,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.zsetLocked(key, false)
	if err != nil {
		return 0, err
	}
	var removed int64
	for value, score := range set {
		if score >= minScore && score <= maxScore {
			delete(set, value)
			removed++
		}
	}
	if len(set) == 0 {
		delete(s.zsets, key)
	}
	return removed, nil
}

// SortedSetScore returns member's score.
func (s *Store) SortedSetScore(_ context.Context, key, member string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.zsetLocked(key, false)
	if err != nil {
		return 0, err
	}
	score, ok := set[member]
	if !ok {
		return 0, store.ErrNotFound
	}
	return score, nil
}

// Cardinality reports the size of the list or sorted set at key.
func (s *Store) Cardinality(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if items, ok := s.lists[key]; ok {
		return int64(len(items)), nil
	}
	return int64(len(s.zsets[key])), nil
}

// Ping reports whether the store is still open.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

// Close marks the store closed. Data stays readable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) zsetLocked(key string, create bool) (map[string]float64, error) {
	if _, ok := s.lists[key]; ok {
		return nil, errWrongType
	}
	set, ok := s.zsets[key]
	if !ok && create {
		set = make(map[string]float64)
		s.zsets[key] = set
	}
	return set, nil
}

func sortMembers(members []store.Member) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Value < members[j].Value
	})
}

var _ store.Store = (*Store)(nil)
