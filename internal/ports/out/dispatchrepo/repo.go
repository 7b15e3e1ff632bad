package dispatchrepo

import (
	"context"
	"time"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
)

// Filter narrows ListRequests. Nil fields match everything.
type Filter struct {
	Status      *domain.Status
	RequesterID *domain.UserID
	FulfillerID *domain.UserID
}

// StatusUpdate is a guarded, transactional write of an assignment's status
// and the request's mirrored status.
type StatusUpdate struct {
	AssignmentID domain.AssignmentID

	// Expect is the current assignment status the write is conditional on.
	// A mismatch fails with ErrStatusConflict and writes nothing.
	Expect domain.Status
	Next   domain.Status

	ActualArrival *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// Repository persists transport requests and their assignments.
//
// Requests and assignments form one consistency unit (at most one non-terminal
// assignment may exist per request), so a single repository owns both and the
// guarded operations below are atomic with respect to concurrent callers.
type Repository interface {
	CreateRequest(ctx context.Context, r domain.TransportRequest) error
	GetRequest(ctx context.Context, id domain.RequestID) (domain.TransportRequest, error)

	// ListRequests returns matching requests ordered by RequestedAt ascending,
	// ID as tie-breaker, to keep behavior deterministic.
	ListRequests(ctx context.Context, f Filter) ([]domain.TransportRequest, error)

	// AcceptPending atomically moves asg.RequestID from PENDING to ASSIGNED and
	// inserts asg, guarded on the request still being PENDING. Exactly one of N
	// concurrent callers succeeds; the others observe ErrStatusConflict.
	AcceptPending(ctx context.Context, asg domain.Assignment) (domain.TransportRequest, error)

	GetAssignment(ctx context.Context, id domain.AssignmentID) (domain.Assignment, error)

	// ActiveAssignmentForRequest returns the non-terminal assignment bound to
	// the request, or ErrAssignmentNotFound when none exists.
	ActiveAssignmentForRequest(ctx context.Context, id domain.RequestID) (domain.Assignment, error)

	// UpdateStatuses applies u transactionally to the assignment and its
	// request, guarded on u.Expect.
	UpdateStatuses(ctx context.Context, u StatusUpdate) (domain.Assignment, error)

	// CancelPending moves a still-unassigned request from PENDING to CANCELLED,
	// guarded the same way AcceptPending is.
	CancelPending(ctx context.Context, id domain.RequestID, at time.Time) (domain.TransportRequest, error)
}
