package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AdmissionMetrics exposes the validator's transaction admission counters.
type AdmissionMetrics struct {
	admissions    *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	verifications *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	auditFailures prometheus.Counter
	oracleLatency prometheus.Histogram
	tickDuration  prometheus.Histogram
	mempoolSize   prometheus.Gauge
	mempoolBytes  prometheus.Gauge
}

var (
	admissionOnce     sync.Once
	admissionRegistry *AdmissionMetrics
)

// Admission returns the process-wide admission metrics singleton.
func Admission() *AdmissionMetrics {
	admissionOnce.Do(func() {
		admissionRegistry = &AdmissionMetrics{
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "admission_transactions_total",
				Help: "Count of transactions admitted to the mempool by type.",
			}, []string{"type"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "admission_rejections_total",
				Help: "Count of mempool rejections by reason code.",
			}, []string{"reason"}),
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "oracle_verifications_total",
				Help: "Count of oracle response verifications by result code.",
			}, []string{"result"}),
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "risk_decisions_total",
				Help: "Count of risk engine decisions by kind.",
			}, []string{"decision"}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "review_queue_depth",
				Help: "Pending manual review entries by priority.",
			}, []string{"priority"}),
			auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "audit_flush_failures_total",
				Help: "Number of audit batch flushes that failed.",
			}),
			oracleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "oracle_score_duration_seconds",
				Help:    "Latency of oracle scoring calls in seconds.",
				Buckets: prometheus.DefBuckets,
			}),
			tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "pipeline_tick_duration_seconds",
				Help:    "Duration of one admission pipeline tick in seconds.",
				Buckets: prometheus.DefBuckets,
			}),
			mempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mempool_transactions",
				Help: "Transactions currently held by the mempool.",
			}),
			mempoolBytes: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mempool_bytes",
				Help: "Total encoded size of pooled transactions.",
			}),
		}
		prometheus.MustRegister(
			admissionRegistry.admissions,
			admissionRegistry.rejections,
			admissionRegistry.verifications,
			admissionRegistry.decisions,
			admissionRegistry.queueDepth,
			admissionRegistry.auditFailures,
			admissionRegistry.oracleLatency,
			admissionRegistry.tickDuration,
			admissionRegistry.mempoolSize,
			admissionRegistry.mempoolBytes,
		)
	})
	return admissionRegistry
}

func (m *AdmissionMetrics) ObserveAdmission(txType string) {
	if m == nil {
		return
	}
	if txType == "" {
		txType = "unknown"
	}
	m.admissions.WithLabelValues(txType).Inc()
}

func (m *AdmissionMetrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *AdmissionMetrics) ObserveVerification(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *AdmissionMetrics) ObserveDecision(decision string) {
	if m == nil {
		return
	}
	if decision == "" {
		decision = "unknown"
	}
	m.decisions.WithLabelValues(decision).Inc()
}

func (m *AdmissionMetrics) SetQueueDepth(priority string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

func (m *AdmissionMetrics) IncAuditFlushFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

func (m *AdmissionMetrics) ObserveOracleLatency(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.oracleLatency.Observe(elapsed.Seconds())
}

func (m *AdmissionMetrics) ObserveTick(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(elapsed.Seconds())
}

func (m *AdmissionMetrics) SetMempoolSize(count int) {
	if m == nil {
		return
	}
	m.mempoolSize.Set(float64(count))
}

func (m *AdmissionMetrics) SetMempoolBytes(bytes int64) {
	if m == nil {
		return
	}
	m.mempoolBytes.Set(float64(bytes))
}
