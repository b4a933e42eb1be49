package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlgate/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	first := progress.UUIDToBytes(uuid.New())
	second := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{DispatchID: first, TS: now, Stage: progress.StageItemReady},
		{DispatchID: first, TS: now, Stage: progress.StageItemReady},
		{DispatchID: second, TS: now, Stage: progress.StageItemReady},
		{DispatchID: first, TS: now, Stage: progress.StageSendDone, StatusCode: 200, Dur: 300 * time.Millisecond},
		{TS: now, Stage: progress.StageItemDropped, Reason: "no_proxy"},
		{TS: now, Stage: progress.StageProxyEvicted, Proxy: "http://1.2.3.4:80", Reason: "failures"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 3.0, testutil.ToFloat64(sink.events.WithLabelValues(string(progress.StageItemReady))), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.inFlight), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.sendStatus.WithLabelValues("2xx")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.evictions.WithLabelValues("failures")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.sendDuration, "crawlgate_progress_send_duration_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{DispatchID: second, TS: now, Stage: progress.StageSendFailed, Proxy: "http://1.2.3.4:80"},
	}))
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.inFlight), 1e-9)
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
