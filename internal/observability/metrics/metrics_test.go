package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueMetrics(t *testing.T) {
	t.Parallel()

	m, err := NewQueueMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordEnqueued("resource")
	m.RecordEnqueued("resource")
	m.RecordExecuted("resource", time.Millisecond)
	m.RecordInlineFallback("resource", ReasonClosing)
	m.RecordWorkerLaunched("registry")
	m.RecordClosed("registry")

	assert.InDelta(t, 2, testutil.ToFloat64(m.opsEnqueued.WithLabelValues("resource")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.opsExecuted.WithLabelValues("resource")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.inlineFallbacks.WithLabelValues("resource", ReasonClosing)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.workersLaunched.WithLabelValues("registry")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.queuesClosed.WithLabelValues("registry")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.opDuration))
}

func TestResourceMetrics(t *testing.T) {
	t.Parallel()

	m, err := NewResourceMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordTransition("Closed", "Opening")
	m.AddLive("media", 2)
	m.AddLive("media", -1)
	m.RecordHookFailure("soundbank", "load")
	m.RecordDeferredRetry("unload")
	m.RecordRequest("media", "increment", ResultSuccess, time.Millisecond)
	m.RecordInvariantViolation("duplicate_id")

	assert.InDelta(t, 1, testutil.ToFloat64(m.transitions.WithLabelValues("Closed", "Opening")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.liveResources.WithLabelValues("media")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.hookFailures.WithLabelValues("soundbank", "load")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.deferredRetries.WithLabelValues("unload")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.invariantErrors.WithLabelValues("duplicate_id")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.requestDuration))
}

func TestStreamingMetrics(t *testing.T) {
	t.Parallel()

	m, err := NewStreamingMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.AddInFlight(DirectionRead, 1)
	m.RecordTransfer(DirectionRead, ResultSuccess, 512)
	m.RecordTransfer(DirectionRead, ResultNotReady, 0)
	m.AddInFlight(DirectionRead, -1)
	m.RecordReadDuration(SourcePrefetch, time.Microsecond)
	m.AddOpenHandles(1)
	m.RecordStatLookup(true)
	m.RecordStatLookup(false)
	m.RecordStatLookup(false)

	assert.InDelta(t, 1, testutil.ToFloat64(m.transfers.WithLabelValues(DirectionRead, ResultSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.transfers.WithLabelValues(DirectionRead, ResultNotReady)), 0)
	assert.InDelta(t, 512, testutil.ToFloat64(m.bytes.WithLabelValues(DirectionRead)), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.inFlight.WithLabelValues(DirectionRead)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.openHandles), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.statCacheLookup.WithLabelValues("hit")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.statCacheLookup.WithLabelValues("miss")), 0)
}

func TestNilMetricsAreSafe(t *testing.T) {
	t.Parallel()

	var q *QueueMetrics
	var r *ResourceMetrics
	var s *StreamingMetrics

	assert.NotPanics(t, func() {
		q.RecordEnqueued("x")
		q.RecordExecuted("x", time.Second)
		r.RecordTransition("a", "b")
		r.AddLive("media", 1)
		s.RecordTransfer(DirectionWrite, ResultError, 0)
		s.RecordStatLookup(true)
	})
}

func TestDuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	_, err := NewQueueMetrics(registry)
	require.NoError(t, err)
	_, err = NewQueueMetrics(registry)
	require.Error(t, err)
}
