package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TestHubBatchBySize verifies the hub flushes once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageItemReady))
	hub.Emit(sampleEvent(StageItemDropped))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTicker verifies small batches are flushed periodically.
func TestHubBatchByTicker(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageSendDone))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		events:  make(chan Event),
		logger:  zap.NewNop(),
		dropLog: &rate.Sometimes{Interval: time.Second},
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageItemReady))
	hub.Emit(sampleEvent(StageItemReady))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(1), hub.dropped.Load(), "first drop is logged and reset, second is counted")
}

// TestHubFlushOnClose ensures Close drains buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageProxyEvicted))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	assert.True(t, sink.closed)

	// Emit after Close is ignored.
	hub.Emit(sampleEvent(StageItemReady))
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Stage: StageItemDropped})
	hub.Emit(Event{Stage: "BOGUS", TS: time.Now()})
	require.NoError(t, hub.Close(context.Background()))
	assert.Empty(t, sink.Batches())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := []struct {
		name string
		evt  Event
		ok   bool
	}{
		{"ready", Event{TS: now, Stage: StageItemReady, URL: "u", Proxy: "p", Address: "a"}, true},
		{"ready missing proxy", Event{TS: now, Stage: StageItemReady, URL: "u", Address: "a"}, false},
		{"dropped", Event{TS: now, Stage: StageItemDropped, Reason: "no_proxy"}, true},
		{"dropped missing reason", Event{TS: now, Stage: StageItemDropped}, false},
		{"evicted", Event{TS: now, Stage: StageProxyEvicted, Proxy: "p", Reason: "failures"}, true},
		{"negative duration", Event{TS: now, Stage: StageSendDone, URL: "u", Dur: -1}, false},
		{"no timestamp", Event{Stage: StageSendDone, URL: "u"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.evt.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Status2xx, ClassifyStatus(204))
	assert.Equal(t, Status3xx, ClassifyStatus(301))
	assert.Equal(t, Status4xx, ClassifyStatus(404))
	assert.Equal(t, Status5xx, ClassifyStatus(503))
	assert.Equal(t, StatusOther, ClassifyStatus(0))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		DispatchID: UUIDToBytes(uuid.New()),
		TS:         time.Now(),
		Stage:      stage,
		URL:        "https://example.com/",
		Host:       "example.com",
		Proxy:      "http://203.0.113.5:8080",
		Address:    "93.184.216.34",
		Reason:     "no_proxy",
	}
}
