package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "statusflow"

// Workflow holds the counters the coordinator updates. A nil *Workflow is
// valid and records nothing.
type Workflow struct {
	StatusChanges  *prometheus.CounterVec
	Resolutions    *prometheus.CounterVec
	Errors         *prometheus.CounterVec
	CASRetries     prometheus.Counter
	Notifications  *prometheus.CounterVec
	DroppedNotices prometheus.Counter
}

// NewWorkflow creates the collectors and registers them with reg when reg is
// not nil.
func NewWorkflow(reg prometheus.Registerer) *Workflow {
	m := &Workflow{
		StatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_changes_total",
			Help:      "Accepted status change requests by outcome.",
		}, []string{"outcome"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Resolved change requests by outcome.",
		}, []string{"outcome"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_errors_total",
			Help:      "Workflow operations that failed, by error code.",
		}, []string{"op", "code"}),
		CASRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_retries_total",
			Help:      "Direct writes retried after a version conflict.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications published by type.",
		}, []string{"type"}),
		DroppedNotices: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because a subscriber buffer was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.StatusChanges, m.Resolutions, m.Errors, m.CASRetries, m.Notifications, m.DroppedNotices)
	}
	return m
}

func (m *Workflow) StatusChanged(outcome string) {
	if m == nil {
		return
	}
	m.StatusChanges.WithLabelValues(strings.ToLower(outcome)).Inc()
}

func (m *Workflow) Resolved(outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(strings.ToLower(outcome)).Inc()
}

func (m *Workflow) Failed(op, code string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(op, code).Inc()
}

func (m *Workflow) Retried() {
	if m == nil {
		return
	}
	m.CASRetries.Inc()
}

func (m *Workflow) Notified(eventType string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(eventType).Inc()
}

func (m *Workflow) Dropped() {
	if m == nil {
		return
	}
	m.DroppedNotices.Inc()
}
