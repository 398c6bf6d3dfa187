// Package metrics exposes Prometheus counters for registrations, referral
// attributions and chain inspections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "referral"

// Metrics owns a private registry so tests and multiple instances never clash
// on the global default registerer.
type Metrics struct {
	registry *prometheus.Registry

	usersRegistered prometheus.Counter
	attributions    *prometheus.CounterVec
	chainWalks      *prometheus.CounterVec
	resolveErrors   prometheus.Counter
}

// New creates the counters and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		usersRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "users_registered_total",
			Help:      "Users created through /start.",
		}),
		attributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attributions_total",
			Help:      "Referral attributions applied, by source.",
		}, []string{"source"}),
		chainWalks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_walks_total",
			Help:      "Ancestry walks, by terminal reason.",
		}, []string{"terminal"}),
		resolveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_errors_total",
			Help:      "Registrations that failed with a storage error.",
		}),
	}

	m.registry.MustRegister(
		m.usersRegistered,
		m.attributions,
		m.chainWalks,
		m.resolveErrors,
	)

	return m
}

// UserRegistered counts a newly created user.
func (m *Metrics) UserRegistered() {
	if m == nil {
		return
	}
	m.usersRegistered.Inc()
}

// AttributionApplied counts a referral credited through source.
func (m *Metrics) AttributionApplied(source string) {
	if m == nil {
		return
	}
	m.attributions.WithLabelValues(source).Inc()
}

// ChainWalked counts an ancestry walk ending with terminal.
func (m *Metrics) ChainWalked(terminal string) {
	if m == nil {
		return
	}
	m.chainWalks.WithLabelValues(terminal).Inc()
}

// ResolveFailed counts a failed registration.
func (m *Metrics) ResolveFailed() {
	if m == nil {
		return
	}
	m.resolveErrors.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
