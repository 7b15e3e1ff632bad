package domain

import "time"

// Status is the shared lifecycle status for a transport request and its
// active assignment. The two records always hold a reachable pair: before an
// assignment exists only StatusPending and StatusCancelled apply to the
// request; afterwards the request mirrors the assignment.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusArrived    Status = "ARRIVED"
	StatusEnRoute    Status = "EN_ROUTE"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ValidStatus reports whether s is a recognized lifecycle status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress, StatusArrived, StatusEnRoute, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type Priority string

const (
	PriorityRoutine  Priority = "ROUTINE"
	PriorityUrgent   Priority = "URGENT"
	PriorityEmergent Priority = "EMERGENT"
)

// ValidPriority reports whether p is a recognized priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityRoutine, PriorityUrgent, PriorityEmergent:
		return true
	}
	return false
}

type Location struct {
	Label   string
	Address *string

	Latitude  *float64
	Longitude *float64
}

// TransportRequest is a facility's request to move a patient between two
// locations. It is owned by the requester until a fulfiller accepts it.
type TransportRequest struct {
	ID          RequestID
	RequesterID UserID

	// PatientDescriptor is an opaque operational descriptor ("bed 12, bariatric
	// stretcher"), never a medical record.
	PatientDescriptor string

	Pickup      Location
	Destination Location
	Priority    Priority

	Status Status

	// FulfillerID is set once the request is accepted; nil while pending.
	FulfillerID *UserID

	RequestedAt time.Time
	UpdatedAt   time.Time
}

// Assignment binds an accepted request to the fulfiller executing it.
// At most one non-terminal assignment exists per request.
type Assignment struct {
	ID          AssignmentID
	RequestID   RequestID
	FulfillerID UserID

	Status Status

	AssignedAt       time.Time
	EstimatedArrival time.Time
	ActualArrival    *time.Time
	CompletedAt      *time.Time
}
