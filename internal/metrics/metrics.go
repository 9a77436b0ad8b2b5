// Package metrics exposes Prometheus counters for authentication events.
// A Metrics value is registered on its own registry so tests and multiple
// servers in one process do not collide on the global default.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyxmakerx/gatekeeper/internal/plugins/audit"
	"github.com/keyxmakerx/gatekeeper/internal/session"
)

const namespace = "gatekeeper"

// Metrics holds the auth counters.
type Metrics struct {
	registry *prometheus.Registry

	LoginAttempts       *prometheus.CounterVec
	SessionsCreated     *prometheus.CounterVec
	SessionsInvalidated *prometheus.CounterVec
	RateLimitHits       *prometheus.CounterVec
	CSRFFailures        prometheus.Counter
	SweepRemoved        *prometheus.CounterVec
	SweepErrors         *prometheus.CounterVec
	LastSweepRemoved    *prometheus.GaugeVec
}

// New creates and registers the metrics, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LoginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login callbacks by provider and outcome.",
		}, []string{"provider", "outcome"}),
		SessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created by provider.",
		}, []string{"provider"}),
		SessionsInvalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_invalidated_total",
			Help:      "Sessions removed by reason.",
		}, []string{"reason"}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the IP rate limiter.",
		}, []string{"scope"}),
		CSRFFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_failures_total",
			Help:      "Rejected CSRF and OAuth state tokens.",
		}),
		SweepRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removed_total",
			Help:      "Records removed by background cleanup, by task.",
		}, []string{"task"}),
		SweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Failed background cleanup runs, by task.",
		}, []string{"task"}),
		LastSweepRemoved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_last_removed",
			Help:      "Records removed by the most recent run of each cleanup task.",
		}, []string{"task"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LoginAttempts,
		m.SessionsCreated,
		m.SessionsInvalidated,
		m.RateLimitHits,
		m.CSRFFailures,
		m.SweepRemoved,
		m.SweepErrors,
		m.LastSweepRemoved,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionCreated implements session.Observer.
func (m *Metrics) SessionCreated(c session.Claims) {
	m.SessionsCreated.WithLabelValues(c.Provider).Inc()
}

// SessionInvalidated implements session.Observer.
func (m *Metrics) SessionInvalidated(_ session.Claims, reason string) {
	m.SessionsInvalidated.WithLabelValues(reason).Inc()
}

// Emit implements audit.Sink, counting the events that have no
// dedicated hook.
func (m *Metrics) Emit(_ context.Context, e audit.Entry) {
	switch e.Action {
	case audit.ActionLoginSucceeded:
		m.LoginAttempts.WithLabelValues(e.Provider, "success").Inc()
	case audit.ActionLoginFailed:
		outcome := e.Reason
		if outcome == "" {
			outcome = "failed"
		}
		m.LoginAttempts.WithLabelValues(e.Provider, outcome).Inc()
	case audit.ActionRateLimited:
		scope := e.Details["scope"]
		if scope == "" {
			scope = "auth"
		}
		m.RateLimitHits.WithLabelValues(scope).Inc()
	case audit.ActionCSRFFailed:
		m.CSRFFailures.Inc()
	}
}

// ObserveSweep matches session.SweepFunc.
func (m *Metrics) ObserveSweep(task string, removed int, err error) {
	if err != nil {
		m.SweepErrors.WithLabelValues(task).Inc()
		return
	}
	m.SweepRemoved.WithLabelValues(task).Add(float64(removed))
	m.LastSweepRemoved.WithLabelValues(task).Set(float64(removed))
}

var (
	_ session.Observer = (*Metrics)(nil)
	_ audit.Sink       = (*Metrics)(nil)
)
