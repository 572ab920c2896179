package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "attnscope"

const (
	ModeSingle   = "single"
	ModeGenerate = "generate"

	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

type Metrics struct {
	requests     *prometheus.CounterVec
	inference    *prometheus.HistogramVec
	promptTokens prometheus.Histogram
	modelLoaded  prometheus.Gauge
	probes       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Attention requests by mode and result.",
		}, []string{"mode", "result"}),
		inference: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_seconds",
			Help:      "Wall time spent extracting attention.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"mode"}),
		promptTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prompt_tokens",
			Help:      "Number of input tokens per accepted request.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		modelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_loaded",
			Help:      "1 once the model is loaded and usable.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Scheduled model probes by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.inference, m.promptTokens, m.modelLoaded, m.probes)
	}
	return m
}

func (m *Metrics) ObserveRequest(mode, result string) {
	m.requests.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) ObserveInference(mode string, elapsed time.Duration) {
	m.inference.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func (m *Metrics) ObservePromptTokens(n int) {
	m.promptTokens.Observe(float64(n))
}

func (m *Metrics) SetModelLoaded(loaded bool) {
	if loaded {
		m.modelLoaded.Set(1)
		return
	}
	m.modelLoaded.Set(0)
}

func (m *Metrics) ObserveProbe(result string) {
	m.probes.WithLabelValues(result).Inc()
}
