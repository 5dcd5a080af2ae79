package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestrator.
// A nil *Metrics is valid: every method no-ops, so tests can leave
// instrumentation out entirely.
type Metrics struct {
	ScrapesTotal    *prometheus.CounterVec
	ScrapeDuration  prometheus.Histogram
	ChallengesTotal *prometheus.CounterVec
	SolvesTotal     *prometheus.CounterVec
	FailoversTotal  *prometheus.CounterVec
	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter
	EngineRelaunch  prometheus.Counter
	PoolActive      prometheus.Gauge
	PoolIdle        prometheus.Gauge
	EgressHealthy   prometheus.Gauge
}

// New registers the metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the metrics on a custom registerer so tests can
// build isolated instances.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ScrapesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatecrash_scrapes_total",
			Help: "Scrape requests by outcome (ok, blocked, error, light)",
		}, []string{"outcome"}),
		ScrapeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatecrash_scrape_duration_seconds",
			Help:    "End-to-end scrape duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		ChallengesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatecrash_challenges_total",
			Help: "Detected challenges by kind (rate_limited, managed)",
		}, []string{"kind"}),
		SolvesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatecrash_captcha_solves_total",
			Help: "Captcha oracle round-trips by status (ok, error)",
		}, []string{"status"}),
		FailoversTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatecrash_egress_failovers_total",
			Help: "Egress failover attempts by status (ok, none, error)",
		}, []string{"status"}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatecrash_sessions_created_total",
			Help: "Browsing sessions created",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatecrash_sessions_closed_total",
			Help: "Browsing sessions closed or destroyed",
		}),
		EngineRelaunch: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatecrash_engine_relaunches_total",
			Help: "Rendering engine teardown-and-relaunch cycles",
		}),
		PoolActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gatecrash_pool_active_sessions",
			Help: "Sessions currently checked out of the pool",
		}),
		PoolIdle: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gatecrash_pool_idle_sessions",
			Help: "Sessions currently idle in the pool",
		}),
		EgressHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gatecrash_egress_healthy_points",
			Help: "Registered egress points currently passing probes",
		}),
	}
}

func (m *Metrics) Scrape(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ScrapesTotal.WithLabelValues(outcome).Inc()
	m.ScrapeDuration.Observe(d.Seconds())
}

func (m *Metrics) Challenge(kind string) {
	if m == nil {
		return
	}
	m.ChallengesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Solve(status string) {
	if m == nil {
		return
	}
	m.SolvesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Failover(status string) {
	if m == nil {
		return
	}
	m.FailoversTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
}

func (m *Metrics) EngineRelaunched() {
	if m == nil {
		return
	}
	m.EngineRelaunch.Inc()
}

func (m *Metrics) SetPool(active, idle int) {
	if m == nil {
		return
	}
	m.PoolActive.Set(float64(active))
	m.PoolIdle.Set(float64(idle))
}

func (m *Metrics) SetEgressHealthy(n int) {
	if m == nil {
		return
	}
	m.EgressHealthy.Set(float64(n))
}
