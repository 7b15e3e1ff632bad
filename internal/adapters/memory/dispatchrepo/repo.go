package dispatchrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/dispatchrepo"
)

// Repo is an in-memory implementation of dispatchrepo.Repository.
// It is safe for concurrent use; the single mutex makes every guarded
// operation atomic, which is what gives AcceptPending its CAS semantics.
type Repo struct {
	mu          sync.RWMutex
	requests    map[domain.RequestID]domain.TransportRequest
	assignments map[domain.AssignmentID]domain.Assignment
}

func NewRepo() *Repo {
	return &Repo{
		requests:    make(map[domain.RequestID]domain.TransportRequest),
		assignments: make(map[domain.AssignmentID]domain.Assignment),
	}
}

func (r *Repo) CreateRequest(ctx context.Context, req domain.TransportRequest) error {
	_ = ctx
	if req.ID == "" {
		return dispatchrepo.ErrAlreadyExists
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[req.ID]; ok {
		return dispatchrepo.ErrAlreadyExists
	}
	r.requests[req.ID] = cloneRequest(req)
	return nil
}

func (r *Repo) GetRequest(ctx context.Context, id domain.RequestID) (domain.TransportRequest, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return domain.TransportRequest{}, dispatchrepo.ErrRequestNotFound
	}
	return cloneRequest(req), nil
}

func (r *Repo) ListRequests(ctx context.Context, f dispatchrepo.Filter) ([]domain.TransportRequest, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TransportRequest, 0)
	for _, req := range r.requests {
		if f.Status != nil && req.Status != *f.Status {
			continue
		}
		if f.RequesterID != nil && req.RequesterID != *f.RequesterID {
			continue
		}
		if f.FulfillerID != nil && (req.FulfillerID == nil || *req.FulfillerID != *f.FulfillerID) {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	sortRequests(out)
	return out, nil
}

func (r *Repo) AcceptPending(ctx context.Context, asg domain.Assignment) (domain.TransportRequest, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[asg.RequestID]
	if !ok {
		return domain.TransportRequest{}, dispatchrepo.ErrRequestNotFound
	}
	if req.Status != domain.StatusPending {
		return domain.TransportRequest{}, dispatchrepo.ErrStatusConflict
	}
	if _, ok := r.assignments[asg.ID]; ok {
		return domain.TransportRequest{}, dispatchrepo.ErrAlreadyExists
	}

	fulfiller := asg.FulfillerID
	req.Status = domain.StatusAssigned
	req.FulfillerID = &fulfiller
	req.UpdatedAt = asg.AssignedAt
	r.requests[req.ID] = req
	r.assignments[asg.ID] = cloneAssignment(asg)
	return cloneRequest(req), nil
}

func (r *Repo) GetAssignment(ctx context.Context, id domain.AssignmentID) (domain.Assignment, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	asg, ok := r.assignments[id]
	if !ok {
		return domain.Assignment{}, dispatchrepo.ErrAssignmentNotFound
	}
	return cloneAssignment(asg), nil
}

func (r *Repo) ActiveAssignmentForRequest(ctx context.Context, id domain.RequestID) (domain.Assignment, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, asg := range r.assignments {
		if asg.RequestID == id && !asg.Status.IsTerminal() {
			return cloneAssignment(asg), nil
		}
	}
	return domain.Assignment{}, dispatchrepo.ErrAssignmentNotFound
}

func (r *Repo) UpdateStatuses(ctx context.Context, u dispatchrepo.StatusUpdate) (domain.Assignment, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	asg, ok := r.assignments[u.AssignmentID]
	if !ok {
		return domain.Assignment{}, dispatchrepo.ErrAssignmentNotFound
	}
	if asg.Status != u.Expect {
		return domain.Assignment{}, dispatchrepo.ErrStatusConflict
	}
	req, ok := r.requests[asg.RequestID]
	if !ok {
		return domain.Assignment{}, dispatchrepo.ErrRequestNotFound
	}

	asg.Status = u.Next
	if u.ActualArrival != nil {
		asg.ActualArrival = cloneTimePtr(u.ActualArrival)
	}
	if u.CompletedAt != nil {
		asg.CompletedAt = cloneTimePtr(u.CompletedAt)
	}
	req.Status = u.Next
	req.UpdatedAt = u.UpdatedAt

	r.assignments[asg.ID] = asg
	r.requests[req.ID] = req
	return cloneAssignment(asg), nil
}

func (r *Repo) CancelPending(ctx context.Context, id domain.RequestID, at time.Time) (domain.TransportRequest, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return domain.TransportRequest{}, dispatchrepo.ErrRequestNotFound
	}
	if req.Status != domain.StatusPending {
		return domain.TransportRequest{}, dispatchrepo.ErrStatusConflict
	}
	req.Status = domain.StatusCancelled
	req.UpdatedAt = at
	r.requests[req.ID] = req
	return cloneRequest(req), nil
}

func cloneRequest(req domain.TransportRequest) domain.TransportRequest {
	cp := req
	cp.Pickup = cloneLocation(req.Pickup)
	cp.Destination = cloneLocation(req.Destination)
	if req.FulfillerID != nil {
		v := *req.FulfillerID
		cp.FulfillerID = &v
	}
	return cp
}

func cloneAssignment(asg domain.Assignment) domain.Assignment {
	cp := asg
	cp.ActualArrival = cloneTimePtr(asg.ActualArrival)
	cp.CompletedAt = cloneTimePtr(asg.CompletedAt)
	return cp
}

func cloneLocation(l domain.Location) domain.Location {
	cp := l
	if l.Address != nil {
		v := *l.Address
		cp.Address = &v
	}
	if l.Latitude != nil {
		v := *l.Latitude
		cp.Latitude = &v
	}
	if l.Longitude != nil {
		v := *l.Longitude
		cp.Longitude = &v
	}
	return cp
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func sortRequests(rs []domain.TransportRequest) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.Before(b.RequestedAt)
		}
		return string(a.ID) < string(b.ID)
	})
}
