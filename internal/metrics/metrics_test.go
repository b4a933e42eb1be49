package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveDispatchCounters(t *testing.T) {
	before := testutil.ToFloat64(dispatchDropsTotal.WithLabelValues("dns_exhausted"))
	ObserveDrop("dns_exhausted")
	ObserveDrop("dns_exhausted")
	assert.InDelta(t, before+2, testutil.ToFloat64(dispatchDropsTotal.WithLabelValues("dns_exhausted")), 0)

	readyBefore := testutil.ToFloat64(dispatchReadyTotal.WithLabelValues("https"))
	ObserveReady("https")
	assert.InDelta(t, readyBefore+1, testutil.ToFloat64(dispatchReadyTotal.WithLabelValues("https")), 0)
}

func TestObserveProxyCounters(t *testing.T) {
	penalties := testutil.ToFloat64(proxyPenaltiesTotal)
	added := testutil.ToFloat64(proxyRefillAddedTotal)

	ObservePenalty()
	ObserveRefillAdded(3)
	ObserveRefillAdded(0)
	ObserveEviction("failures")

	assert.InDelta(t, penalties+1, testutil.ToFloat64(proxyPenaltiesTotal), 0)
	assert.InDelta(t, added+3, testutil.ToFloat64(proxyRefillAddedTotal), 0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(proxyEvictionsTotal.WithLabelValues("failures")), 1.0)
}

func TestActiveWorkersGauge(t *testing.T) {
	base := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	assert.InDelta(t, base+1, testutil.ToFloat64(activeWorkers), 0)
	DecActiveWorkers()
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveCacheHit()
	ObserveQueuePop("priority", "hit")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "crawlgate_dns_cache_hits_total")
	assert.Contains(t, string(body), `crawlgate_queue_pops_total{result="hit",strategy="priority"}`)
}
