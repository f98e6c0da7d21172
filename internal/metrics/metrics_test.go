package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunsCreatedCountsByType(t *testing.T) {
	RunsCreated.Reset()

	RunsCreated.WithLabelValues("start_session").Inc()
	RunsCreated.WithLabelValues("start_session").Inc()
	RunsCreated.WithLabelValues("resume_session").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(RunsCreated.WithLabelValues("start_session")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RunsCreated.WithLabelValues("resume_session")))
}

func TestRunsCompletedCountsByStatus(t *testing.T) {
	RunsCompleted.Reset()

	RunsCompleted.WithLabelValues("completed").Inc()
	RunsCompleted.WithLabelValues("failed").Inc()
	RunsCompleted.WithLabelValues("failed").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(RunsCompleted.WithLabelValues("completed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(RunsCompleted.WithLabelValues("failed")))
}

func TestGaugesSetAbsolute(t *testing.T) {
	QueueDepth.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(QueueDepth))

	QueueDepth.Set(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(QueueDepth))

	RunnersOnline.Set(5)
	assert.Equal(t, float64(5), testutil.ToFloat64(RunnersOnline))

	FanoutSubscribers.Set(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(FanoutSubscribers))
}

func TestCallbackNotificationCounters(t *testing.T) {
	before := testutil.ToFloat64(CallbackNotificationsDelivered)
	CallbackNotificationsDelivered.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CallbackNotificationsDelivered))

	beforeDiscarded := testutil.ToFloat64(CallbackNotificationsDiscarded)
	CallbackNotificationsDiscarded.Add(2)
	assert.Equal(t, beforeDiscarded+2, testutil.ToFloat64(CallbackNotificationsDiscarded))
}

func TestRunClaimLatencyObserves(t *testing.T) {
	before := histogramSampleCount(t)
	RunClaimLatency.Observe(1.5)
	after := histogramSampleCount(t)
	assert.Equal(t, before+1, after)
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, RunClaimLatency.Write(&metric))
	return metric.GetHistogram().GetSampleCount()
}
