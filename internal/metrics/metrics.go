// ============================================================================
// ci-dispatch Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - ci_claims_total: 成功認領次數
//      - ci_claim_rejections_total{reason}: 認領被拒次數
//      - ci_step_completions_total{status}: 步驟完成次數
//      - ci_jobs_finished_total{status}: 任務結束次數
//      - ci_hosting_failures_total{call}: 代管服務呼叫失敗次數
//
//   2. 分佈 (Histogram)：
//      - ci_claim_latency_seconds: 認領交易耗時
//
//   3. 瞬時值 (Gauge)：
//      - ci_ready_jobs{config}: 最近一次輪詢看到的佇列長度
//      - ci_store_jobs{status}: 儲存層中各狀態的任務數
//      - ci_recovery_time_seconds: 啟動恢復耗時
//
// Prometheus 查詢示例:
//
//   # 認領失敗率
//   rate(ci_claim_rejections_total[5m]) / rate(ci_claims_total[5m])
//
//   # 95 分位認領延遲
//   histogram_quantile(0.95, rate(ci_claim_latency_seconds_bucket[5m]))
//
// 所有 Record 方法在 Collector 為 nil 時不做任何事。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/ci-dispatch/internal/store"
)

// Collector Prometheus 指標收集器
type Collector struct {
	claims          prometheus.Counter
	claimRejections *prometheus.CounterVec
	stepCompletions *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	hostingFailures *prometheus.CounterVec

	claimLatency prometheus.Histogram

	readyJobs    *prometheus.GaugeVec
	storeJobs    *prometheus.GaugeVec
	recoveryTime prometheus.Gauge
}

// NewCollector 建立收集器並註冊到 reg；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ci_claims_total",
			Help: "Total number of successful job claims",
		}),
		claimRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ci_claim_rejections_total",
			Help: "Total number of rejected job claims",
		}, []string{"reason"}),
		stepCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ci_step_completions_total",
			Help: "Total number of completed step results by status",
		}, []string{"status"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ci_jobs_finished_total",
			Help: "Total number of finished jobs by final status",
		}, []string{"status"}),
		hostingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ci_hosting_failures_total",
			Help: "Total number of failed hosting API calls",
		}, []string{"call"}),
		claimLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ci_claim_latency_seconds",
			Help:    "Claim transaction latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		readyJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ci_ready_jobs",
			Help: "Ready jobs seen by the latest poll per build config",
		}, []string{"config"}),
		storeJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ci_store_jobs",
			Help: "Jobs in the store by status",
		}, []string{"status"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ci_recovery_time_seconds",
			Help: "Time taken to recover the store at startup in seconds",
		}),
	}

	reg.MustRegister(
		c.claims,
		c.claimRejections,
		c.stepCompletions,
		c.jobsFinished,
		c.hostingFailures,
		c.claimLatency,
		c.readyJobs,
		c.storeJobs,
		c.recoveryTime,
	)
	return c
}

// RecordClaim 記錄成功認領與耗時
func (c *Collector) RecordClaim(seconds float64) {
	if c == nil {
		return
	}
	c.claims.Inc()
	c.claimLatency.Observe(seconds)
}

// RecordClaimRejected 記錄被拒的認領
func (c *Collector) RecordClaimRejected(reason string) {
	if c == nil {
		return
	}
	c.claimRejections.WithLabelValues(reason).Inc()
}

// RecordStepCompleted 記錄步驟完成
func (c *Collector) RecordStepCompleted(status string) {
	if c == nil {
		return
	}
	c.stepCompletions.WithLabelValues(status).Inc()
}

// RecordJobFinished 記錄任務結束
func (c *Collector) RecordJobFinished(status string) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(status).Inc()
}

// RecordHostingFailure 記錄代管服務呼叫失敗
func (c *Collector) RecordHostingFailure(call string) {
	if c == nil {
		return
	}
	c.hostingFailures.WithLabelValues(call).Inc()
}

// SetReadyJobs 更新某個 build config 的佇列長度
func (c *Collector) SetReadyJobs(config string, n int) {
	if c == nil {
		return
	}
	c.readyJobs.WithLabelValues(config).Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// UpdateStoreStats 以儲存層統計更新各狀態任務數
func (c *Collector) UpdateStoreStats(stats store.Stats) {
	if c == nil {
		return
	}
	c.storeJobs.Reset()
	for status, n := range stats.JobStatus {
		c.storeJobs.WithLabelValues(status).Set(float64(n))
	}
}

// Handler 回傳 /metrics 的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
