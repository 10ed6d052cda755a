package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ci-dispatch/internal/store"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	c, reg := newTestCollector(t)
	assert.NotNil(t, c.claims)
	assert.NotNil(t, c.claimLatency)

	// 重複註冊到同一個 registry 會 panic
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRecordClaim(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordClaim(0.01)
	c.RecordClaim(0.02)
	c.RecordClaimRejected("not_claimable")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.claims))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.claimRejections.WithLabelValues("not_claimable")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.claimLatency))
}

func TestRecordByStatus(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordStepCompleted("success")
	c.RecordStepCompleted("success")
	c.RecordStepCompleted("failed")
	c.RecordJobFinished("failed_ok")
	c.RecordHostingFailure("UpdateCommitStatus")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.stepCompletions.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.stepCompletions.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsFinished.WithLabelValues("failed_ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.hostingFailures.WithLabelValues("UpdateCommitStatus")))
}

func TestGauges(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetReadyJobs("linux", 4)
	c.SetRecoveryTime(1.5)
	c.UpdateStoreStats(store.Stats{JobStatus: map[string]int{"running": 2, "success": 7}})

	assert.Equal(t, float64(4), testutil.ToFloat64(c.readyJobs.WithLabelValues("linux")))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))
	assert.Equal(t, float64(7), testutil.ToFloat64(c.storeJobs.WithLabelValues("success")))

	c.UpdateStoreStats(store.Stats{JobStatus: map[string]int{"success": 8}})
	assert.Equal(t, 1, testutil.CollectAndCount(c.storeJobs), "stale statuses are dropped")
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordClaim(1)
		c.RecordClaimRejected("x")
		c.RecordStepCompleted("success")
		c.RecordJobFinished("success")
		c.RecordHostingFailure("x")
		c.SetReadyJobs("linux", 1)
		c.SetRecoveryTime(1)
		c.UpdateStoreStats(store.Stats{})
	})
}

func TestHandler(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordClaim(0.1)

	rr := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ci_claims_total 1")
}
