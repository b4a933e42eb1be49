// Package storetest holds behaviour checks shared by every store.Store backend.
package storetest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlgate/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises the full Store contract against backends built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("ListFIFO", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, v := range []string{"a", "b", "c"} {
			require.NoError(t, s.ListPushTail(ctx, "l", v))
		}
		n, err := s.Cardinality(ctx, "l")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		for _, want := range []string{"a", "b", "c"} {
			got, err := s.ListPopHead(ctx, "l")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		_, err = s.ListPopHead(ctx, "l")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("PopMaxOrdering", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.SortedSetAdd(ctx, "z", "low", 1))
		require.NoError(t, s.SortedSetAdd(ctx, "z", "high", 9))
		require.NoError(t, s.SortedSetAdd(ctx, "z", "mid-a", 5))
		require.NoError(t, s.SortedSetAdd(ctx, "z", "mid-b", 5))

		var order []string
		for range 4 {
			m, err := s.SortedSetPopMax(ctx, "z")
			require.NoError(t, err)
			order = append(order, m.Value)
		}
		assert.Equal(t, []string{"high", "mid-b", "mid-a", "low"}, order)

		_, err := s.SortedSetPopMax(ctx, "z")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("AddUpdatesScore", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.SortedSetAdd(ctx, "z", "m", 1))
		require.NoError(t, s.SortedSetAdd(ctx, "z", "m", 7))
		n, err := s.Cardinality(ctx, "z")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		score, err := s.SortedSetScore(ctx, "z", "m")
		require.NoError(t, err)
		assert.InDelta(t, 7, score, 0)
	})

	t.Run("IncrByExistingOnly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.SortedSetAdd(ctx, "z", "m", 100))
		score, err := s.SortedSetIncrBy(ctx, "z", "m", -20)
		require.NoError(t, err)
		assert.InDelta(t, 80, score, 0)

		_, err = s.SortedSetIncrBy(ctx, "z", "ghost", -20)
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.SortedSetScore(ctx, "z", "ghost")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.SortedSetAdd(ctx, "z", "m", 1))
		removed, err := s.SortedSetRemove(ctx, "z", "m")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = s.SortedSetRemove(ctx, "z", "m")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("RangeByScore", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.SortedSetAdd(ctx, "z", "a", 40))
		require.NoError(t, s.SortedSetAdd(ctx, "z", "b", 50))
		require.NoError(t, s.SortedSetAdd(ctx, "z", "c", 75))
		require.NoError(t, s.SortedSetAdd(ctx, "z", "d", 100))
		require.NoError(t, s.SortedSetAdd(ctx, "z", "e", 120))

		got, err := s.SortedSetRangeByScore(ctx, "z", 50, 100)
		require.NoError(t, err)
		assert.Equal(t, []store.Member{
			{Value: "b", Score: 50},
			{Value: "c", Score: 75},
			{Value: "d", Score: 100},
		}, got)

		removed, err := s.SortedSetRemoveRangeByScore(ctx, "z", math.Inf(-1), 49.999)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
		n, err := s.Cardinality(ctx, "z")
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
	})

	t.Run("AbsentKeyIsEmpty", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		n, err := s.Cardinality(ctx, "missing")
		require.NoError(t, err)
		assert.Zero(t, n)
		got, err := s.SortedSetRangeByScore(ctx, "missing", 0, 100)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ConcurrentPopsAreDistinct", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const n = 50
		for i := range n {
			require.NoError(t, s.ListPushTail(ctx, "l", fmt.Sprintf("item-%d", i)))
			require.NoError(t, s.SortedSetAdd(ctx, "z", fmt.Sprintf("item-%d", i), float64(i)))
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for range n {
			wg.Add(2)
			go func() {
				defer wg.Done()
				v, err := s.ListPopHead(ctx, "l")
				if err != nil {
					return
				}
				mu.Lock()
				seen["l/"+v]++
				mu.Unlock()
			}()
			go func() {
				defer wg.Done()
				m, err := s.SortedSetPopMax(ctx, "z")
				if err != nil {
					return
				}
				mu.Lock()
				seen["z/"+m.Value]++
				mu.Unlock()
			}()
		}
		wg.Wait()

		require.Len(t, seen, 2*n)
		for k, count := range seen {
			assert.Equal(t, 1, count, k)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Ping(context.Background()))
	})
}
