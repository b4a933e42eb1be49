package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlgate/internal/progress"
)

// PrometheusSink derives dispatch lifecycle metrics from the event stream.
type PrometheusSink struct {
	events       *prometheus.CounterVec
	inFlight     prometheus.Gauge
	sendDuration *prometheus.HistogramVec
	sendStatus   *prometheus.CounterVec
	evictions    *prometheus.CounterVec

	tracker *dispatchTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlgate_progress_events_total",
			Help: "Progress events observed, partitioned by stage.",
		}, []string{"stage"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlgate_progress_dispatches_in_flight",
			Help: "Ready requests whose send has not completed.",
		}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlgate_progress_send_duration_seconds",
			Help:    "Downstream send latency partitioned by status class.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status_class"}),
		sendStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlgate_progress_sends_total",
			Help: "Completed downstream sends partitioned by status class.",
		}, []string{"status_class"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlgate_progress_proxy_evictions_total",
			Help: "Proxy eviction events partitioned by cause.",
		}, []string{"reason"}),
		tracker: newDispatchTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.inFlight,
		s.sendDuration,
		s.sendStatus,
		s.evictions,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Stage)).Inc()
		switch evt.Stage {
		case progress.StageItemReady:
			if s.tracker.start(evt.DispatchID) {
				s.inFlight.Inc()
			}
		case progress.StageSendDone, progress.StageSendFailed:
			if s.tracker.complete(evt.DispatchID) {
				s.inFlight.Dec()
			}
			class := string(progress.ClassifyStatus(evt.StatusCode))
			if evt.Stage == progress.StageSendDone {
				s.sendStatus.WithLabelValues(class).Inc()
			}
			if evt.Dur > 0 {
				s.sendDuration.WithLabelValues(class).Observe(evt.Dur.Seconds())
			}
		case progress.StageProxyEvicted:
			s.evictions.WithLabelValues(evt.Reason).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type dispatchTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newDispatchTracker() *dispatchTracker {
	return &dispatchTracker{running: make(map[[16]byte]struct{})}
}

func (t *dispatchTracker) start(id [16]byte) bool {
	if id == [16]byte{} {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *dispatchTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
