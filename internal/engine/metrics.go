package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько занял вызов исполнителя
	LedgerDuration *prometheus.HistogramVec

	// Traffic: исходы переводов (confirmed, failed, unknown, denied, replayed)
	TransfersTotal *prometheus.CounterVec

	// Отказы Policy Engine по правилам
	PolicyDenials *prometheus.CounterVec

	// Переходы автоматов состояний
	Transitions *prometheus.CounterVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		LedgerDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentpay_ledger_call_duration_seconds",
			Help:    "Histogram of ledger executor call latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op", "status"}),

		TransfersTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_transfers_total",
			Help: "Total number of transfer requests by outcome.",
		}, []string{"outcome"}),

		PolicyDenials: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_policy_denials_total",
			Help: "Total number of transfers denied by policy rule.",
		}, []string{"rule"}),

		Transitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_state_transitions_total",
			Help: "Total number of state machine transitions.",
		}, []string{"entity", "from", "to"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: rate_limit, breaker_open, timeout, notify, reconcile

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentpay_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"breaker"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentpay_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}

// ObserveTransition — короткий путь для сервисов автоматов
func (m *Metrics) ObserveTransition(entity, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(entity, from, to).Inc()
}
