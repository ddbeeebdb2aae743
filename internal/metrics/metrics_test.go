package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	return c, reg
}

// TestNewCollector tests registration against a private registry
func TestNewCollector(t *testing.T) {
	c, reg := newTestCollector(t)
	assert.NotNil(t, c)

	_, err := NewCollector(reg)
	assert.Error(t, err, "registering twice should fail")

	assert.Panics(t, func() { MustNewCollector(reg) })
}

// TestQueueCounters tests the queueing counters
func TestQueueCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordQueued()
	c.RecordQueued()
	c.RecordDeduplicated()
	c.RecordDispatchFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsQueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsDeduplicated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatchFailures))
}

// TestJobStarted tests the running gauge and outcome counters
func TestJobStarted(t *testing.T) {
	c, _ := newTestCollector(t)

	done := c.JobStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsRunning))

	done(OutcomeRetried)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsExecuted.WithLabelValues(OutcomeRetried)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsExecuted.WithLabelValues(OutcomeFinished)))
	assert.Equal(t, 1, testutil.CollectAndCount(c.jobDuration))
}

func TestMessageCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordMessage(ActionCommit)
	c.RecordMessage(ActionRollback)
	c.RecordMessage(ActionRollback)
	c.RecordDeadLetter()
	c.SetReceiverSessions(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.messages.WithLabelValues(ActionCommit)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.messages.WithLabelValues(ActionRollback)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deadLetters))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.receiverSessions))
}

// TestNilCollector tests that a nil collector is a no-op
func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordQueued()
		c.RecordDeduplicated()
		c.RecordDispatchFailure()
		c.JobStarted()(OutcomeFinished)
		c.RecordMessage(ActionCommit)
		c.RecordDeadLetter()
		c.SetReceiverSessions(1)
	})
}

func TestServerHandler(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordQueued()

	s := NewServer(":0", reg)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "cp_async_jobs_queued_total 1"))
}
