// Package queue implements the shared work queue on top of store.Store.
//
// A queue instance uses one strategy for its whole life. Round-robin keeps a
// FIFO list; priority keeps a sorted set drained highest score first. Pops are
// atomic at the store, so concurrent workers in any process never receive the
// same item.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/crawlgate/internal/metrics"
	"github.com/JakeFAU/crawlgate/internal/store"
)

// ErrEmpty is returned by Pop when no item is available.
var ErrEmpty = errors.New("queue empty")

// Strategy selects the queue ordering.
type Strategy string

// Supported strategies.
const (
	RoundRobin Strategy = "round-robin"
	Priority   Strategy = "priority"
)

// ParseStrategy accepts "round-robin" (or "round_robin") and "priority".
func ParseStrategy(raw string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "round-robin", "round_robin", "roundrobin":
		return RoundRobin, nil
	case "priority":
		return Priority, nil
	default:
		return "", fmt.Errorf("unknown queue strategy %q", raw)
	}
}

// WorkItem is one unit of crawl work.
type WorkItem struct {
	URL      string         `json:"url"`
	Priority float64        `json:"priority"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Queue is a strategy-bound view over a single store key.
type Queue struct {
	store    store.Store
	key      string
	strategy Strategy
}

// New constructs a Queue.
func New(s store.Store, key string, strategy Strategy) (*Queue, error) {
	if s == nil {
		return nil, errors.New("queue: store is required")
	}
	if key == "" {
		return nil, errors.New("queue: key is required")
	}
	if strategy != RoundRobin && strategy != Priority {
		return nil, fmt.Errorf("queue: unknown strategy %q", strategy)
	}
	return &Queue{store: s, key: key, strategy: strategy}, nil
}

// Strategy reports the ordering this queue was built with.
func (q *Queue) Strategy() Strategy { return q.strategy }

// Key reports the store key backing the queue.
func (q *Queue) Key() string { return q.key }

// Push enqueues item with the given priority. Priority is ignored for ordering
// under round-robin but still travels with the item.
func (q *Queue) Push(ctx context.Context, item WorkItem, priority float64) error {
	item.Priority = priority
	payload, err := encode(item)
	if err != nil {
		return fmt.Errorf("queue push: %w", err)
	}
	switch q.strategy {
	case Priority:
		err = q.store.SortedSetAdd(ctx, q.key, payload, priority)
	default:
		err = q.store.ListPushTail(ctx, q.key, payload)
	}
	if err != nil {
		return fmt.Errorf("queue push: %w", err)
	}
	metrics.ObserveQueuePush(string(q.strategy))
	return nil
}

// Pop removes and returns the next item, or ErrEmpty.
func (q *Queue) Pop(ctx context.Context) (WorkItem, error) {
	var (
		payload string
		score   float64
		err     error
	)
	switch q.strategy {
	case Priority:
		var m store.Member
		m, err = q.store.SortedSetPopMax(ctx, q.key)
		payload, score = m.Value, m.Score
	default:
		payload, err = q.store.ListPopHead(ctx, q.key)
	}
	if errors.Is(err, store.ErrNotFound) {
		metrics.ObserveQueuePop(string(q.strategy), "empty")
		return WorkItem{}, ErrEmpty
	}
	if err != nil {
		metrics.ObserveQueuePop(string(q.strategy), "error")
		return WorkItem{}, fmt.Errorf("queue pop: %w", err)
	}
	metrics.ObserveQueuePop(string(q.strategy), "hit")

	item := decode(payload)
	if q.strategy == Priority {
		item.Priority = score
	}
	return item, nil
}

// Len reports how many items are waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.store.Cardinality(ctx, q.key)
	if err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return n, nil
}

// encode produces a canonical JSON payload; encoding/json sorts map keys, so
// identical items always serialize identically.
func encode(item WorkItem) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(item); err != nil {
		return "", fmt.Errorf("encode work item: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// decode accepts the JSON object form and, for anything else, treats the
// payload as a bare URL.
func decode(payload string) WorkItem {
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "{") {
		var item WorkItem
		if err := json.Unmarshal([]byte(trimmed), &item); err == nil {
			return item
		}
	}
	return WorkItem{URL: trimmed}
}
