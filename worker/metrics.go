package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the worker-side Prometheus collectors.
type Metrics struct {
	SessionsStarted  prometheus.Counter
	SessionsSettled  *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	QueueWaitTimeout prometheus.Counter
	BrokerErrors     prometheus.Counter
	SweptSessions    prometheus.Counter
	Compensations    prometheus.Counter
}

// NewMetrics registers the worker collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linsight",
			Subsystem: "worker",
			Name:      "sessions_started_total",
			Help:      "Sessions picked off the queue.",
		}),
		SessionsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linsight",
			Subsystem: "worker",
			Name:      "sessions_settled_total",
			Help:      "Sessions driven to a terminal status, labeled by status.",
		}, []string{"status"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linsight",
			Subsystem: "worker",
			Name:      "active_sessions",
			Help:      "Sessions currently executing on this node.",
		}),
		QueueWaitTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linsight",
			Subsystem: "worker",
			Name:      "queue_wait_timeouts_total",
			Help:      "Blocking pops that returned empty.",
		}),
		BrokerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linsight",
			Subsystem: "worker",
			Name:      "broker_errors_total",
			Help:      "Errors talking to the broker in the pull loop.",
		}),
		SweptSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linsight",
			Subsystem: "worker",
			Name:      "swept_sessions_total",
			Help:      "Orphaned sessions terminated by the recovery sweeper.",
		}),
		Compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linsight",
			Subsystem: "worker",
			Name:      "compensations_total",
			Help:      "Entitlement compensations issued during recovery.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsStarted, m.SessionsSettled, m.ActiveSessions,
			m.QueueWaitTimeout, m.BrokerErrors, m.SweptSessions, m.Compensations,
		)
	}
	return m
}
