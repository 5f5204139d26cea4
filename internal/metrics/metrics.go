// Package metrics reúne os coletores Prometheus do facilitador.
//
// Os coletores são registrados num Registerer recebido do chamador (nunca no
// registry global), então testes e múltiplas instâncias não colidem.
// Todos os métodos aceitam receiver nil e viram no-op.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"facilitator-gateway/internal/resilience"
)

const namespace = "facilitator"

type Metrics struct {
	decisions          *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	x402Events         *prometheus.CounterVec
	sessionDebits      *prometheus.CounterVec
	concurrencyInUse   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by limiter and result.",
		}, []string{"limiter", "result"}),
		breakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"name", "from", "to"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"name"}),
		x402Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "x402_events_total",
			Help:      "x402 payment lifecycle events (quoted, claimed, rejected, ...).",
		}, []string{"event"}),
		sessionDebits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_debits_total",
			Help:      "Budget session debits by result.",
		}, []string{"result"}),
		concurrencyInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "concurrency_in_use",
			Help:      "Paid requests currently holding a concurrency slot.",
		}),
	}
}

func result(ok bool) string {
	if ok {
		return "allowed"
	}
	return "denied"
}

func (m *Metrics) RateLimitDecision(limiter string, allowed bool) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(limiter, result(allowed)).Inc()
}

// BreakerTransition tem a assinatura de resilience.BreakerConfig.OnStateChange.
func (m *Metrics) BreakerTransition(name string, from, to resilience.State) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
	m.breakerState.WithLabelValues(name).Set(float64(to))
}

func (m *Metrics) X402Event(event string) {
	if m == nil {
		return
	}
	m.x402Events.WithLabelValues(event).Inc()
}

func (m *Metrics) SessionDebit(res string) {
	if m == nil {
		return
	}
	m.sessionDebits.WithLabelValues(res).Inc()
}

// ConcurrencyInUse satisfaz ratelimit.InFlightObserver.
func (m *Metrics) ConcurrencyInUse(n int) {
	if m == nil {
		return
	}
	m.concurrencyInUse.Set(float64(n))
}
