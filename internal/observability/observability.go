package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "remote_access_active_sessions",
		Help: "Currently connected agent sessions.",
	})
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remote_access_commands_total",
		Help: "Dispatched commands by terminal outcome.",
	}, []string{"outcome"})
	AuthFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remote_access_auth_failures_total",
		Help: "Failed agent handshakes (bad code, expired code, or rate limited).",
	})
	TelemetryFlushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remote_access_telemetry_flushes_total",
		Help: "Debounced telemetry batches delivered downstream.",
	})
)

func init() {
	prometheus.MustRegister(ActiveSessions, CommandsTotal, AuthFailuresTotal, TelemetryFlushesTotal)
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
