package cost

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the session cost/token ledger as Prometheus gauges and
// counters, as a registerable collector set covering the two series the
// cost-accounting component needs.
type Metrics struct {
	SessionCostUSD *prometheus.GaugeVec
	TokensTotal    *prometheus.CounterVec
}

// NewMetrics constructs and registers the collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionCostUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gptme_session_cost_usd",
			Help: "Cumulative cost in USD for a session.",
		}, []string{"session_id"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gptme_tokens_total",
			Help: "Tokens consumed, by session and kind (input/output/cache_read/cache_creation).",
		}, []string{"session_id", "kind"}),
	}
	reg.MustRegister(m.SessionCostUSD, m.TokensTotal)
	return m
}

// Observe records e against sessionID's series.
func (m *Metrics) Observe(sessionID string, totalCostUSD float64, e Entry) {
	m.SessionCostUSD.WithLabelValues(sessionID).Set(totalCostUSD)
	m.TokensTotal.WithLabelValues(sessionID, "input").Add(float64(e.InputTokens))
	m.TokensTotal.WithLabelValues(sessionID, "output").Add(float64(e.OutputTokens))
	m.TokensTotal.WithLabelValues(sessionID, "cache_read").Add(float64(e.CacheReadTokens))
	m.TokensTotal.WithLabelValues(sessionID, "cache_creation").Add(float64(e.CacheCreationTokens))
}
