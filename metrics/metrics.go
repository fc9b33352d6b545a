package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	operations       *prometheus.CounterVec
	transfers        *prometheus.CounterVec
	transferredValue prometheus.Counter
	lockedValue      prometheus.Counter
	appealsRaised    prometheus.Counter
	disputesResolved *prometheus.CounterVec
	outboxPublished  prometheus.Counter
	outboxFailed     prometheus.Counter
}

// NewMetrics registers the escrow metrics on reg. A nil reg uses the
// default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	namespace = strings.ReplaceAll(namespace, "-", "_")
	factory := promauto.With(reg)
	m := Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_operations_total", namespace),
			Help: "Escrow operations by name and outcome",
		}, []string{"operation", "outcome"}),
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_transfers_total", namespace),
			Help: "Outbound transfers by reason and result",
		}, []string{"reason", "result"}),
		transferredValue: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_transferred_value_total", namespace),
			Help: "Value paid out by successful transfers",
		}),
		lockedValue: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_locked_value_total", namespace),
			Help: "Value received into escrow",
		}),
		appealsRaised: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_appeals_raised_total", namespace),
			Help: "Appeals paid to the arbitrator",
		}),
		disputesResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_disputes_resolved_total", namespace),
			Help: "Resolved disputes by final ruling",
		}, []string{"ruling"}),
		outboxPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_outbox_published_total", namespace),
			Help: "Outbox messages published",
		}),
		outboxFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_outbox_failed_total", namespace),
			Help: "Outbox publish attempts that failed",
		}),
	}
	return &m
}

// The observers below are no-ops on a nil receiver.

func (metrics *Metrics) ObserveOperation(op string, err error) {
	if metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.operations.WithLabelValues(op, outcome).Inc()
}

func (metrics *Metrics) ObserveTransfer(reason string, amount uint64, err error) {
	if metrics == nil {
		return
	}
	if err != nil {
		metrics.transfers.WithLabelValues(reason, "failed").Inc()
		return
	}
	metrics.transfers.WithLabelValues(reason, "ok").Inc()
	metrics.transferredValue.Add(float64(amount))
}

func (metrics *Metrics) AddLocked(amount uint64) {
	if metrics == nil {
		return
	}
	metrics.lockedValue.Add(float64(amount))
}

func (metrics *Metrics) IncAppeals() {
	if metrics == nil {
		return
	}
	metrics.appealsRaised.Inc()
}

func (metrics *Metrics) IncResolved(ruling string) {
	if metrics == nil {
		return
	}
	metrics.disputesResolved.WithLabelValues(ruling).Inc()
}

func (metrics *Metrics) ObservePublish(err error) {
	if metrics == nil {
		return
	}
	if err != nil {
		metrics.outboxFailed.Inc()
		return
	}
	metrics.outboxPublished.Inc()
}
