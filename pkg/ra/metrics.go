package ra

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeWaiting = "waiting"
)

// Upstream exchange results.
const (
	upstreamResponse = "response"
	upstreamDelayed  = "delayed"
	upstreamError    = "error"
)

// Metrics are the Prometheus metrics exported by the RA. A nil *Metrics
// records nothing.
type Metrics struct {
	Requests          *prometheus.CounterVec
	UpstreamExchanges *prometheus.CounterVec
	Pending           prometheus.Gauge
	Duration          prometheus.Histogram
}

// NewMetrics creates the RA metrics and registers them with reg. A nil reg
// registers nothing, which suits tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmpra_requests_total",
				Help: "Total number of processed CMP requests.",
			},
			[]string{"body_type", "outcome"},
		),
		UpstreamExchanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmpra_upstream_exchanges_total",
				Help: "Total number of exchanges with the upstream CA.",
			},
			[]string{"result"},
		),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "cmpra_transactions_pending",
			Help: "Number of active transactions.",
		}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cmpra_request_duration_seconds",
			Help:    "Time spent processing a CMP request.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) request(body, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(body, outcome).Inc()
	m.Duration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) upstream(result string) {
	if m == nil {
		return
	}
	m.UpstreamExchanges.WithLabelValues(result).Inc()
}

func (m *Metrics) pending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}
