package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts what the controller applies and drops.
type Metrics struct {
	MessagesApplied   prometheus.Counter
	MessagesDuplicate prometheus.Counter
	SyncErrors        *prometheus.CounterVec
}

// NewMetrics creates the controller collectors and registers them with reg
// when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rentchat_messages_applied_total",
			Help: "Messages appended to the conversation store.",
		}),
		MessagesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rentchat_messages_duplicate_total",
			Help: "Inbound socket messages dropped as already applied.",
		}),
		SyncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentchat_sync_errors_total",
			Help: "Failed API calls made by the sync controller.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.MessagesApplied, m.MessagesDuplicate, m.SyncErrors)
	}
	return m
}
