package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds all Prometheus metrics
type PrometheusMetrics struct {
	// Dispatch metrics
	DispatchesTotal *prometheus.CounterVec
	DispatchLatency *prometheus.HistogramVec
	QueueDepth      *prometheus.GaugeVec
	RunsActive      prometheus.Gauge

	// Token metrics
	TokensInputTotal  *prometheus.CounterVec
	TokensOutputTotal *prometheus.CounterVec

	// Judge metrics
	EvaluationsTotal *prometheus.CounterVec
	JudgeLatency     *prometheus.HistogramVec
	VolatilityHist   *prometheus.HistogramVec

	// Retry metrics
	RetriesTotal *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitOpenTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		DispatchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_dispatches_total",
				Help: "Total number of dispatched prompts",
			},
			[]string{"model", "status"},
		),

		DispatchLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_dispatch_latency_seconds",
				Help:    "Dispatch latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_queue_depth",
				Help: "Pending dispatch units per run",
			},
			[]string{"run_id"},
		),

		RunsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_runs_active",
				Help: "Number of runs currently tracked in memory",
			},
		),

		TokensInputTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_tokens_input_total",
				Help: "Total number of input tokens processed",
			},
			[]string{"model"},
		),

		TokensOutputTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_tokens_output_total",
				Help: "Total number of output tokens generated",
			},
			[]string{"model"},
		),

		EvaluationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_judge_evaluations_total",
				Help: "Total number of judge evaluations",
			},
			[]string{"judge_model", "status"},
		),

		JudgeLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_judge_latency_seconds",
				Help:    "Judge evaluation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"judge_model"},
		),

		VolatilityHist: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_volatility",
				Help:    "Distribution of per-pair volatility scores",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"model"},
		),

		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_retries_total",
				Help: "Total number of provider retries",
			},
			[]string{"model", "reason"},
		),

		CircuitOpenTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_circuit_open_total",
				Help: "Total number of circuit breaker opens",
			},
			[]string{"model"},
		),
	}
}

// RecordDispatch records a dispatch outcome
func (m *PrometheusMetrics) RecordDispatch(model, status string) {
	m.DispatchesTotal.WithLabelValues(model, status).Inc()
}

// RecordDispatchLatency records dispatch latency
func (m *PrometheusMetrics) RecordDispatchLatency(model string, duration time.Duration) {
	m.DispatchLatency.WithLabelValues(model).Observe(duration.Seconds())
}

// SetQueueDepth sets the pending unit gauge for a run
func (m *PrometheusMetrics) SetQueueDepth(runID string, depth int) {
	m.QueueDepth.WithLabelValues(runID).Set(float64(depth))
}

// DropQueueDepth removes the gauge series once a run leaves memory
func (m *PrometheusMetrics) DropQueueDepth(runID string) {
	m.QueueDepth.DeleteLabelValues(runID)
}

// RecordTokens records token metrics
func (m *PrometheusMetrics) RecordTokens(model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		m.TokensInputTotal.WithLabelValues(model).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensOutputTotal.WithLabelValues(model).Add(float64(outputTokens))
	}
}

// RecordEvaluation records a judge evaluation outcome
func (m *PrometheusMetrics) RecordEvaluation(judgeModel, status string) {
	m.EvaluationsTotal.WithLabelValues(judgeModel, status).Inc()
}

// RecordJudgeLatency records judge evaluation latency
func (m *PrometheusMetrics) RecordJudgeLatency(judgeModel string, duration time.Duration) {
	m.JudgeLatency.WithLabelValues(judgeModel).Observe(duration.Seconds())
}

// RecordVolatility records a computed volatility score
func (m *PrometheusMetrics) RecordVolatility(model string, v float64) {
	m.VolatilityHist.WithLabelValues(model).Observe(v)
}

// RecordRetry records a retry
func (m *PrometheusMetrics) RecordRetry(model, reason string) {
	m.RetriesTotal.WithLabelValues(model, reason).Inc()
}

// RecordCircuitOpen records a circuit breaker open
func (m *PrometheusMetrics) RecordCircuitOpen(model string) {
	m.CircuitOpenTotal.WithLabelValues(model).Inc()
}
