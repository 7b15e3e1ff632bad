package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch and reconciliation counters, registered on the default registerer
// and served by the /metrics route.
var (
	AcceptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_accepts_total",
		Help: "Successful request accepts.",
	})

	AcceptConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_accept_conflicts_total",
		Help: "Accept attempts that lost the assignment race.",
	})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_transitions_total",
		Help: "Applied lifecycle transitions by action.",
	}, []string{"action"})

	InvalidTransitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_invalid_transitions_total",
		Help: "Lifecycle actions rejected by the transition table.",
	})

	RoleSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roles_syncs_total",
		Help: "Claim writes through the reconciliation service, by outcome.",
	}, []string{"outcome"})

	DriftRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roles_drift_records_total",
		Help: "Drift records detected by audits.",
	})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Change events published, by entity type.",
	}, []string{"entity"})
)
