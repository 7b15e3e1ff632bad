package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
	clockport "github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/clock"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/dispatchrepo"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/eventbus"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/platform/metrics"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/platform/retry"
)

const defaultETAWindow = 30 * time.Minute

// Service brokers transport requests between requesters and fulfillers.
//
// Conflict and InvalidTransition are expected outcomes surfaced to the caller
// as-is; only store unavailability is retried, and exhaustion surfaces
// UPSTREAM_ERROR.
type Service struct {
	repo  dispatchrepo.Repository
	bus   eventbus.Bus
	clock clockport.Clock
	retry retry.Policy

	newRequestID    func() domain.RequestID
	newAssignmentID func() domain.AssignmentID
}

func NewService(repo dispatchrepo.Repository, bus eventbus.Bus, clock clockport.Clock, policy retry.Policy) *Service {
	return &Service{
		repo:  repo,
		bus:   bus,
		clock: clock,
		retry: policy,
		newRequestID: func() domain.RequestID {
			return domain.RequestID(uuid.NewString())
		},
		newAssignmentID: func() domain.AssignmentID {
			return domain.AssignmentID(uuid.NewString())
		},
	}
}

// SetIDGeneratorsForTest overrides ID generation for deterministic tests.
// It should not be used in production code.
func (s *Service) SetIDGeneratorsForTest(reqID func() domain.RequestID, asgID func() domain.AssignmentID) {
	if reqID != nil {
		s.newRequestID = reqID
	}
	if asgID != nil {
		s.newAssignmentID = asgID
	}
}

func (s *Service) CreateRequest(ctx context.Context, actor Actor, in CreateRequestInput) (domain.TransportRequest, error) {
	if actor.Role != domain.RoleRequester {
		return domain.TransportRequest{}, &Error{Status: 403, Code: "UNAUTHORIZED", Message: "only requesters may create transport requests"}
	}

	details := map[string]any{}
	if strings.TrimSpace(in.PatientDescriptor) == "" {
		details["patientDescriptor"] = "must be non-empty"
	}
	validateLocation("pickup", in.Pickup, details)
	validateLocation("destination", in.Destination, details)
	priority := in.Priority
	if priority == "" {
		priority = domain.PriorityRoutine
	}
	if !domain.ValidPriority(priority) {
		details["priority"] = "must be one of ROUTINE, URGENT, EMERGENT"
	}
	if len(details) > 0 {
		return domain.TransportRequest{}, &Error{Status: 422, Code: "VALIDATION_ERROR", Message: "invalid transport request", Details: details}
	}

	now := s.clock.Now().UTC()
	r := domain.TransportRequest{
		ID:                s.newRequestID(),
		RequesterID:       actor.UserID,
		PatientDescriptor: strings.TrimSpace(in.PatientDescriptor),
		Pickup:            toLocation(in.Pickup),
		Destination:       toLocation(in.Destination),
		Priority:          priority,
		Status:            domain.StatusPending,
		RequestedAt:       now,
		UpdatedAt:         now,
	}

	if err := s.withRetry(ctx, func() error {
		return s.repo.CreateRequest(ctx, r)
	}); err != nil {
		return domain.TransportRequest{}, s.storeErr(err)
	}

	s.publishRequest(r, domain.PartitionBroadcast, domain.PartitionRequester(r.RequesterID))
	return r, nil
}

func (s *Service) ListRequests(ctx context.Context, _ Actor, f ListFilter) ([]domain.TransportRequest, error) {
	if f.Status != nil && !domain.ValidStatus(*f.Status) {
		return nil, &Error{Status: 422, Code: "VALIDATION_ERROR", Message: "invalid status filter", Details: map[string]any{"status": "unrecognized status"}}
	}

	var out []domain.TransportRequest
	err := s.withRetry(ctx, func() error {
		var err error
		out, err = s.repo.ListRequests(ctx, dispatchrepo.Filter{
			Status:      f.Status,
			RequesterID: f.RequesterID,
			FulfillerID: f.FulfillerID,
		})
		return err
	})
	if err != nil {
		return nil, s.storeErr(err)
	}
	return out, nil
}

func (s *Service) GetRequest(ctx context.Context, _ Actor, id domain.RequestID) (domain.TransportRequest, error) {
	var r domain.TransportRequest
	err := s.withRetry(ctx, func() error {
		var err error
		r, err = s.repo.GetRequest(ctx, id)
		return err
	})
	if err != nil {
		return domain.TransportRequest{}, s.storeErr(err)
	}
	return r, nil
}

// Accept claims a pending request for the calling fulfiller. The underlying
// write is conditional on the request still being PENDING, so of N concurrent
// callers exactly one wins; the rest observe CONFLICT and should re-query.
func (s *Service) Accept(ctx context.Context, actor Actor, requestID domain.RequestID, in AcceptInput) (domain.Assignment, error) {
	if actor.Role != domain.RoleFulfiller {
		return domain.Assignment{}, &Error{Status: 403, Code: "UNAUTHORIZED", Message: "only fulfillers may accept transport requests"}
	}

	now := s.clock.Now().UTC()
	eta := now.Add(defaultETAWindow)
	if in.EstimatedArrival != nil {
		if in.EstimatedArrival.Before(now) {
			return domain.Assignment{}, &Error{Status: 422, Code: "VALIDATION_ERROR", Message: "invalid estimated arrival", Details: map[string]any{"estimatedArrival": "must not be in the past"}}
		}
		eta = in.EstimatedArrival.UTC()
	}

	next, err := domain.Transition(domain.StatusPending, domain.ActionAccept, domain.ActorFulfiller)
	if err != nil {
		return domain.Assignment{}, &Error{Status: 409, Code: "INVALID_TRANSITION", Message: err.Error()}
	}

	asg := domain.Assignment{
		ID:               s.newAssignmentID(),
		RequestID:        requestID,
		FulfillerID:      actor.UserID,
		Status:           next,
		AssignedAt:       now,
		EstimatedArrival: eta,
	}

	var r domain.TransportRequest
	err = s.withRetry(ctx, func() error {
		var err error
		r, err = s.repo.AcceptPending(ctx, asg)
		return err
	})
	if err != nil {
		if errors.Is(err, dispatchrepo.ErrStatusConflict) {
			metrics.AcceptConflictsTotal.Inc()
			return domain.Assignment{}, &Error{Status: 409, Code: "CONFLICT", Message: "request is no longer pending"}
		}
		return domain.Assignment{}, s.storeErr(err)
	}

	metrics.AcceptsTotal.Inc()
	s.publishRequest(r, domain.PartitionBroadcast, domain.PartitionRequester(r.RequesterID))
	s.publishAssignment(asg, domain.PartitionFulfiller(asg.FulfillerID))
	return asg, nil
}

// UpdateAssignmentStatus applies a lifecycle action to an assignment. The
// transition table decides reachability; the assignment and its request are
// written in one guarded transaction.
func (s *Service) UpdateAssignmentStatus(ctx context.Context, actor Actor, assignmentID domain.AssignmentID, action domain.Action) (domain.Assignment, error) {
	if !domain.ValidAction(action) {
		return domain.Assignment{}, &Error{Status: 422, Code: "VALIDATION_ERROR", Message: "invalid action", Details: map[string]any{"action": "unrecognized action"}}
	}
	if action == domain.ActionAccept {
		return domain.Assignment{}, &Error{Status: 422, Code: "VALIDATION_ERROR", Message: "invalid action", Details: map[string]any{"action": "accept is performed against the request"}}
	}

	var asg domain.Assignment
	err := s.withRetry(ctx, func() error {
		var err error
		asg, err = s.repo.GetAssignment(ctx, assignmentID)
		return err
	})
	if err != nil {
		return domain.Assignment{}, s.storeErr(err)
	}

	kind, err := s.actorKindFor(ctx, actor, asg)
	if err != nil {
		return domain.Assignment{}, err
	}

	next, err := domain.Transition(asg.Status, action, kind)
	if err != nil {
		metrics.InvalidTransitionsTotal.Inc()
		return domain.Assignment{}, &Error{Status: 409, Code: "INVALID_TRANSITION", Message: err.Error()}
	}

	now := s.clock.Now().UTC()
	u := dispatchrepo.StatusUpdate{
		AssignmentID: assignmentID,
		Expect:       asg.Status,
		Next:         next,
		UpdatedAt:    now,
	}
	if action == domain.ActionArrive {
		u.ActualArrival = &now
	}
	if next == domain.StatusCompleted {
		u.CompletedAt = &now
		if asg.ActualArrival == nil && u.ActualArrival == nil {
			u.ActualArrival = &now
		}
	}

	var updated domain.Assignment
	err = s.withRetry(ctx, func() error {
		var err error
		updated, err = s.repo.UpdateStatuses(ctx, u)
		return err
	})
	if err != nil {
		if errors.Is(err, dispatchrepo.ErrStatusConflict) {
			return domain.Assignment{}, &Error{Status: 409, Code: "CONFLICT", Message: "assignment was updated concurrently"}
		}
		return domain.Assignment{}, s.storeErr(err)
	}

	metrics.TransitionsTotal.WithLabelValues(string(action)).Inc()
	s.publishAssignment(updated, domain.PartitionFulfiller(updated.FulfillerID))
	s.publishRequestByID(ctx, updated.RequestID)
	return updated, nil
}

// CancelRequest cancels from any non-terminal state. A retry after the
// request reached a terminal state reports INVALID_STATE, an expected
// outcome the caller should not retry.
func (s *Service) CancelRequest(ctx context.Context, actor Actor, requestID domain.RequestID) (domain.TransportRequest, error) {
	// The request may be claimed between the read and the guarded write, so
	// re-read and retry the path the new state calls for.
	for attempt := 0; attempt < 3; attempt++ {
		var r domain.TransportRequest
		err := s.withRetry(ctx, func() error {
			var err error
			r, err = s.repo.GetRequest(ctx, requestID)
			return err
		})
		if err != nil {
			return domain.TransportRequest{}, s.storeErr(err)
		}

		if r.Status.IsTerminal() {
			return domain.TransportRequest{}, &Error{Status: 409, Code: "INVALID_STATE", Message: "request already reached a terminal state", Details: map[string]any{"status": string(r.Status)}}
		}
		if actor.UserID != r.RequesterID && (r.FulfillerID == nil || actor.UserID != *r.FulfillerID) {
			return domain.TransportRequest{}, &Error{Status: 403, Code: "UNAUTHORIZED", Message: "only the requester or the assigned fulfiller may cancel"}
		}

		now := s.clock.Now().UTC()

		if r.Status == domain.StatusPending {
			var cancelled domain.TransportRequest
			err = s.withRetry(ctx, func() error {
				var err error
				cancelled, err = s.repo.CancelPending(ctx, requestID, now)
				return err
			})
			if errors.Is(err, dispatchrepo.ErrStatusConflict) {
				continue
			}
			if err != nil {
				return domain.TransportRequest{}, s.storeErr(err)
			}
			metrics.TransitionsTotal.WithLabelValues(string(domain.ActionCancel)).Inc()
			s.publishRequest(cancelled, domain.PartitionBroadcast, domain.PartitionRequester(cancelled.RequesterID))
			return cancelled, nil
		}

		var asg domain.Assignment
		err = s.withRetry(ctx, func() error {
			var err error
			asg, err = s.repo.ActiveAssignmentForRequest(ctx, requestID)
			return err
		})
		if errors.Is(err, dispatchrepo.ErrAssignmentNotFound) {
			continue
		}
		if err != nil {
			return domain.TransportRequest{}, s.storeErr(err)
		}

		var updated domain.Assignment
		err = s.withRetry(ctx, func() error {
			var err error
			updated, err = s.repo.UpdateStatuses(ctx, dispatchrepo.StatusUpdate{
				AssignmentID: asg.ID,
				Expect:       asg.Status,
				Next:         domain.StatusCancelled,
				UpdatedAt:    now,
			})
			return err
		})
		if errors.Is(err, dispatchrepo.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return domain.TransportRequest{}, s.storeErr(err)
		}

		metrics.TransitionsTotal.WithLabelValues(string(domain.ActionCancel)).Inc()
		s.publishAssignment(updated, domain.PartitionFulfiller(updated.FulfillerID))

		err = s.withRetry(ctx, func() error {
			var err error
			r, err = s.repo.GetRequest(ctx, requestID)
			return err
		})
		if err != nil {
			return domain.TransportRequest{}, s.storeErr(err)
		}
		s.publishRequest(r, domain.PartitionBroadcast, domain.PartitionRequester(r.RequesterID))
		return r, nil
	}
	return domain.TransportRequest{}, &Error{Status: 409, Code: "CONFLICT", Message: "request state changed concurrently"}
}

// actorKindFor decides which side of the lifecycle the caller acts on: the
// assigned fulfiller, the owning requester, or nobody.
func (s *Service) actorKindFor(ctx context.Context, actor Actor, asg domain.Assignment) (domain.ActorKind, error) {
	if actor.UserID == asg.FulfillerID {
		return domain.ActorFulfiller, nil
	}

	var r domain.TransportRequest
	err := s.withRetry(ctx, func() error {
		var err error
		r, err = s.repo.GetRequest(ctx, asg.RequestID)
		return err
	})
	if err != nil {
		return "", s.storeErr(err)
	}
	if actor.UserID == r.RequesterID {
		return domain.ActorRequester, nil
	}
	return "", &Error{Status: 403, Code: "UNAUTHORIZED", Message: "caller is not a party to this assignment"}
}

func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, s.retry, func(err error) bool {
		return errors.Is(err, dispatchrepo.ErrUnavailable)
	}, fn)
}

func (s *Service) storeErr(err error) error {
	switch {
	case errors.Is(err, dispatchrepo.ErrRequestNotFound):
		return &Error{Status: 404, Code: "NOT_FOUND", Message: "transport request not found"}
	case errors.Is(err, dispatchrepo.ErrAssignmentNotFound):
		return &Error{Status: 404, Code: "NOT_FOUND", Message: "assignment not found"}
	case errors.Is(err, dispatchrepo.ErrUnavailable):
		return &Error{Status: 502, Code: "UPSTREAM_ERROR", Message: "backing store unavailable"}
	}
	return err
}

func (s *Service) publishRequest(r domain.TransportRequest, partitions ...domain.Partition) {
	for _, p := range partitions {
		s.bus.Publish(domain.ChangeEvent{
			EntityType: domain.EntityTransportRequest,
			EntityID:   string(r.ID),
			Partition:  p,
			Timestamp:  r.UpdatedAt,
			NewState:   r,
		})
		metrics.EventsPublishedTotal.WithLabelValues(domain.EntityTransportRequest).Inc()
	}
}

func (s *Service) publishAssignment(asg domain.Assignment, partitions ...domain.Partition) {
	for _, p := range partitions {
		s.bus.Publish(domain.ChangeEvent{
			EntityType: domain.EntityAssignment,
			EntityID:   string(asg.ID),
			Partition:  p,
			Timestamp:  s.clock.Now().UTC(),
			NewState:   asg,
		})
		metrics.EventsPublishedTotal.WithLabelValues(domain.EntityAssignment).Inc()
	}
}

// publishRequestByID publishes the request's post-write state. Publication is
// fire-and-forget: a failed read here never fails the write path.
func (s *Service) publishRequestByID(ctx context.Context, id domain.RequestID) {
	r, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return
	}
	s.publishRequest(r, domain.PartitionRequester(r.RequesterID))
	if r.FulfillerID != nil {
		s.publishRequest(r, domain.PartitionFulfiller(*r.FulfillerID))
	}
}

func validateLocation(field string, in LocationInput, details map[string]any) {
	if strings.TrimSpace(in.Label) == "" {
		details[field+".label"] = "must be non-empty"
	}
	if (in.Latitude == nil) != (in.Longitude == nil) {
		details[field+".coordinates"] = "latitude and longitude must be provided together"
	}
}

func toLocation(in LocationInput) domain.Location {
	return domain.Location{
		Label:     strings.TrimSpace(in.Label),
		Address:   in.Address,
		Latitude:  in.Latitude,
		Longitude: in.Longitude,
	}
}
