package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlgate/internal/store"
	"github.com/JakeFAU/crawlgate/internal/store/memory"
	redisstore "github.com/JakeFAU/crawlgate/internal/store/redis"
)

func newRedisStore(t *testing.T) store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s := redisstore.NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func backends(t *testing.T) map[string]store.Store {
	t.Helper()
	return map[string]store.Store{
		"memory": memory.New(),
		"redis":  newRedisStore(t),
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]Strategy{
		"round-robin": RoundRobin,
		"round_robin": RoundRobin,
		"Priority":    Priority,
	} {
		got, err := ParseStrategy(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}
	_, err := ParseStrategy("lifo")
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "k", Priority)
	require.Error(t, err)
	_, err = New(memory.New(), "", Priority)
	require.Error(t, err)
	_, err = New(memory.New(), "k", Strategy("lifo"))
	require.Error(t, err)
}

func TestRoundRobinIsFIFO(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q, err := New(s, "requests", RoundRobin)
			require.NoError(t, err)

			urls := []string{"https://a.example/", "https://b.example/", "https://c.example/"}
			for i, u := range urls {
				// Priority must not affect FIFO order.
				require.NoError(t, q.Push(ctx, WorkItem{URL: u}, float64(10-i*5)))
			}
			for _, want := range urls {
				item, err := q.Pop(ctx)
				require.NoError(t, err)
				assert.Equal(t, want, item.URL)
			}
			_, err = q.Pop(ctx)
			require.ErrorIs(t, err, ErrEmpty)
		})
	}
}

func TestPriorityDrainsNonIncreasing(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q, err := New(s, "requests", Priority)
			require.NoError(t, err)

			priorities := []float64{3, 10, -1, 7, 7, 0}
			for i, p := range priorities {
				require.NoError(t, q.Push(ctx, WorkItem{URL: fmt.Sprintf("https://h%d.example/", i)}, p))
			}
			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(len(priorities)), n)

			last := 1e18
			for range priorities {
				item, err := q.Pop(ctx)
				require.NoError(t, err)
				assert.LessOrEqual(t, item.Priority, last)
				last = item.Priority
			}
			_, err = q.Pop(ctx)
			require.ErrorIs(t, err, ErrEmpty)
		})
	}
}

func TestPushIdenticalItemUpdatesPriority(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, err := New(memory.New(), "requests", Priority)
	require.NoError(t, err)

	item := WorkItem{URL: "https://a.example/", Meta: map[string]any{"b": 1, "a": "x"}}
	require.NoError(t, q.Push(ctx, item, 1))
	require.NoError(t, q.Push(ctx, item, 1))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPopPreservesMeta(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, err := New(memory.New(), "requests", RoundRobin)
	require.NoError(t, err)
	require.NoError(t, q.Push(ctx, WorkItem{URL: "https://a.example/?q=1&r=2", Meta: map[string]any{"depth": 2}}, 4))

	item, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/?q=1&r=2", item.URL)
	assert.InDelta(t, 4, item.Priority, 0)
	assert.Equal(t, map[string]any{"depth": float64(2)}, item.Meta)
}

func TestPopAcceptsBareURLPayload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.ListPushTail(ctx, "requests", " https://legacy.example/page \n"))
	require.NoError(t, s.ListPushTail(ctx, "requests", "{not json"))

	q, err := New(s, "requests", RoundRobin)
	require.NoError(t, err)

	item, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://legacy.example/page", item.URL)

	item, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "{not json", item.URL)
}

func TestConcurrentPopsAreDistinct(t *testing.T) {
	t.Parallel()

	for _, strategy := range []Strategy{RoundRobin, Priority} {
		t.Run(string(strategy), func(t *testing.T) {
			ctx := context.Background()
			q, err := New(newRedisStore(t), "requests", strategy)
			require.NoError(t, err)

			const n = 40
			for i := range n {
				require.NoError(t, q.Push(ctx, WorkItem{URL: fmt.Sprintf("https://h%d.example/", i)}, float64(i%5)))
			}

			var (
				mu   sync.Mutex
				got  = make(map[string]int)
				wg   sync.WaitGroup
				errs = make(chan error, n)
			)
			for range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					item, err := q.Pop(ctx)
					if err != nil {
						errs <- err
						return
					}
					mu.Lock()
					got[item.URL]++
					mu.Unlock()
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}
			require.Len(t, got, n)
			for u, c := range got {
				assert.Equal(t, 1, c, u)
			}
		})
	}
}
