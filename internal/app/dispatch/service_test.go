package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/memory/clock"
	memdispatchrepo "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/memory/dispatchrepo"
	memeventbus "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/memory/eventbus"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/app/dispatch"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/dispatchrepo"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/platform/retry"
)

var testPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func newFixture(t *testing.T) (*dispatch.Service, *memdispatchrepo.Repo, *memeventbus.Bus, *clock.Fixed) {
	t.Helper()
	repo := memdispatchrepo.NewRepo()
	bus := memeventbus.NewBus()
	clk := clock.NewFixed(time.Unix(1700000000, 0))
	return dispatch.NewService(repo, bus, clk, testPolicy), repo, bus, clk
}

func requester(id string) dispatch.Actor {
	return dispatch.Actor{UserID: domain.UserID(id), Role: domain.RoleRequester}
}

func fulfiller(id string) dispatch.Actor {
	return dispatch.Actor{UserID: domain.UserID(id), Role: domain.RoleFulfiller}
}

func validCreateInput() dispatch.CreateRequestInput {
	return dispatch.CreateRequestInput{
		PatientDescriptor: "bed 12, bariatric stretcher",
		Pickup:            dispatch.LocationInput{Label: "St. Vincent ED"},
		Destination:       dispatch.LocationInput{Label: "Riverside Rehab"},
		Priority:          domain.PriorityUrgent,
	}
}

func wantAppErr(t *testing.T, err error, code string) *dispatch.Error {
	t.Helper()
	var appErr *dispatch.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *dispatch.Error, got %v", err)
	}
	if appErr.Code != code {
		t.Fatalf("code mismatch: got %q want %q", appErr.Code, code)
	}
	return appErr
}

func mustCreate(t *testing.T, s *dispatch.Service, actor dispatch.Actor) domain.TransportRequest {
	t.Helper()
	r, err := s.CreateRequest(context.Background(), actor, validCreateInput())
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return r
}

func mustAccept(t *testing.T, s *dispatch.Service, actor dispatch.Actor, id domain.RequestID) domain.Assignment {
	t.Helper()
	asg, err := s.Accept(context.Background(), actor, id, dispatch.AcceptInput{})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return asg
}

func TestCreateRequest_Validation(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newFixture(t)

	lat := 37.8
	in := dispatch.CreateRequestInput{
		PatientDescriptor: "   ",
		Pickup:            dispatch.LocationInput{Label: "", Latitude: &lat},
		Destination:       dispatch.LocationInput{Label: "Riverside Rehab"},
		Priority:          domain.Priority("stat"),
	}
	_, err := s.CreateRequest(context.Background(), requester("u-req"), in)
	appErr := wantAppErr(t, err, "VALIDATION_ERROR")
	for _, field := range []string{"patientDescriptor", "pickup.label", "pickup.coordinates", "priority"} {
		if _, ok := appErr.Details[field]; !ok {
			t.Errorf("missing detail for %q", field)
		}
	}
}

func TestCreateRequest_RequiresRequesterRole(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newFixture(t)

	_, err := s.CreateRequest(context.Background(), fulfiller("u-ful"), validCreateInput())
	wantAppErr(t, err, "UNAUTHORIZED")
}

func TestCreateRequest_PersistsAndBroadcasts(t *testing.T) {
	t.Parallel()
	s, _, bus, clk := newFixture(t)

	events, cancel := bus.Subscribe(domain.PartitionBroadcast)
	defer cancel()

	r := mustCreate(t, s, requester("u-req"))
	if r.Status != domain.StatusPending {
		t.Fatalf("status: got %s want %s", r.Status, domain.StatusPending)
	}
	if !r.RequestedAt.Equal(clk.Now()) {
		t.Fatalf("requestedAt not stamped from clock")
	}

	select {
	case evt := <-events:
		if evt.EntityType != domain.EntityTransportRequest || evt.EntityID != string(r.ID) {
			t.Fatalf("unexpected event: %+v", evt)
		}
		got, ok := evt.NewState.(domain.TransportRequest)
		if !ok {
			t.Fatalf("event state is %T", evt.NewState)
		}
		if got.Status != domain.StatusPending {
			t.Fatalf("event carries status %s", got.Status)
		}
	case <-time.After(time.Second):
		t.Fatalf("no broadcast event")
	}
}

func TestListRequests_FilterByStatus(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newFixture(t)
	ctx := context.Background()

	r1 := mustCreate(t, s, requester("u-req"))
	mustCreate(t, s, requester("u-req"))
	mustAccept(t, s, fulfiller("u-ful"), r1.ID)

	pending := domain.StatusPending
	got, err := s.ListRequests(ctx, requester("u-req"), dispatch.ListFilter{Status: &pending})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("pending count: got %d want 1", len(got))
	}

	bogus := domain.Status("stuck")
	if _, err := s.ListRequests(ctx, requester("u-req"), dispatch.ListFilter{Status: &bogus}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestAccept_ExactlyOneWinner(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newFixture(t)

	r := mustCreate(t, s, requester("u-req"))

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := fulfiller(string(rune('a'+i)) + "-ful")
			_, err := s.Accept(context.Background(), actor, r.ID, dispatch.AcceptInput{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			default:
				var appErr *dispatch.Error
				if errors.As(err, &appErr) && appErr.Code == "CONFLICT" {
					conflicts++
				} else {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != n-1 {
		t.Fatalf("wins=%d conflicts=%d, want 1/%d", wins, conflicts, n-1)
	}
}

func TestAccept_DefaultsEstimatedArrival(t *testing.T) {
	t.Parallel()
	s, _, _, clk := newFixture(t)

	r := mustCreate(t, s, requester("u-req"))
	asg := mustAccept(t, s, fulfiller("u-ful"), r.ID)

	want := clk.Now().Add(30 * time.Minute)
	if !asg.EstimatedArrival.Equal(want) {
		t.Fatalf("eta: got %v want %v", asg.EstimatedArrival, want)
	}
}

func TestAccept_StatusFollowsTransitionTable(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newFixture(t)

	r := mustCreate(t, s, requester("u-req"))
	asg := mustAccept(t, s, fulfiller("u-ful"), r.ID)

	want, err := domain.Transition(domain.StatusPending, domain.ActionAccept, domain.ActorFulfiller)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if asg.Status != want {
		t.Fatalf("assignment status: got %s want %s", asg.Status, want)
	}
	got, err := s.GetRequest(context.Background(), fulfiller("u-ful"), r.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Status != want {
		t.Fatalf("request status: got %s want %s", got.Status, want)
	}
}

func TestAccept_RequiresFulfillerRole(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newFixture(t)

	r := mustCreate(t, s, requester("u-req"))
	_, err := s.Accept(context.Background(), requester("u-req"), r.ID, dispatch.AcceptInput{})
	wantAppErr(t, err, "UNAUTHORIZED")
}

func TestAccept_UnknownRequest(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newFixture(t)

	_, err := s.Accept(context.Background(), fulfiller("u-ful"), domain.RequestID("nope"), dispatch.AcceptInput{})
	wantAppErr(t, err, "NOT_FOUND")
}

func TestUpdateAssignmentStatus_FullLifecycle(t *testing.T) {
	t.Parallel()
	s, repo, _, clk := newFixture(t)
	ctx := context.Background()

	r := mustCreate(t, s, requester("u-req"))
	asg := mustAccept(t, s, fulfiller("u-ful"), r.ID)
	actor := fulfiller("u-ful")

	for _, step := range []struct {
		action domain.Action
		want   domain.Status
	}{
		{domain.ActionStart, domain.StatusInProgress},
		{domain.ActionArrive, domain.StatusArrived},
		{domain.ActionDepart, domain.StatusEnRoute},
		{domain.ActionComplete, domain.StatusCompleted},
	} {
		clk.Advance(time.Minute)
		updated, err := s.UpdateAssignmentStatus(ctx, actor, asg.ID, step.action)
		if err != nil {
			t.Fatalf("%s: %v", step.action, err)
		}
		if updated.Status != step.want {
			t.Fatalf("%s: status %s want %s", step.action, updated.Status, step.want)
		}
		if step.action == domain.ActionArrive && updated.ActualArrival == nil {
			t.Fatalf("arrive did not stamp actualArrival")
		}
		if step.action == domain.ActionComplete && updated.CompletedAt == nil {
			t.Fatalf("complete did not stamp completedAt")
		}
	}

	got, err := repo.GetRequest(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("request not closed: %s", got.Status)
	}
}

func TestUpdateAssignmentStatus_RejectsSkippedStep(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newFixture(t)
	ctx := context.Background()
	actor := fulfiller("u-ful")

	r := mustCreate(t, s, requester("u-req"))
	asg := mustAccept(t, s, actor, r.ID)

	for _, action := range []domain.Action{domain.ActionStart, domain.ActionArrive} {
		if _, err := s.UpdateAssignmentStatus(ctx, actor, asg.ID, action); err != nil {
			t.Fatalf("%s: %v", action, err)
		}
	}

	// Arrived must pass through en_route before completing.
	_, err := s.UpdateAssignmentStatus(ctx, actor, asg.ID, domain.ActionComplete)
	wantAppErr(t, err, "INVALID_TRANSITION")
}

func TestUpdateAssignmentStatus_StrangerRejected(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newFixture(t)

	r := mustCreate(t, s, requester("u-req"))
	asg := mustAccept(t, s, fulfiller("u-ful"), r.ID)

	_, err := s.UpdateAssignmentStatus(context.Background(), fulfiller("u-other"), asg.ID, domain.ActionStart)
	wantAppErr(t, err, "UNAUTHORIZED")
}

func TestUpdateAssignmentStatus_RequesterCannotAdvance(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newFixture(t)

	r := mustCreate(t, s, requester("u-req"))
	asg := mustAccept(t, s, fulfiller("u-ful"), r.ID)

	_, err := s.UpdateAssignmentStatus(context.Background(), requester("u-req"), asg.ID, domain.ActionStart)
	wantAppErr(t, err, "INVALID_TRANSITION")
}

func TestCancelRequest_PendingByRequester(t *testing.T) {
	t.Parallel()
	s, _, bus, _ := newFixture(t)

	r := mustCreate(t, s, requester("u-req"))

	events, cancel := bus.Subscribe(domain.PartitionRequester("u-req"))
	defer cancel()

	got, err := s.CancelRequest(context.Background(), requester("u-req"), r.ID)
	if err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status: got %s", got.Status)
	}

	select {
	case evt := <-events:
		if evt.EntityID != string(r.ID) {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("no cancellation event")
	}
}

func TestCancelRequest_AssignedByFulfiller(t *testing.T) {
	t.Parallel()
	s, repo, _, _ := newFixture(t)
	ctx := context.Background()

	r := mustCreate(t, s, requester("u-req"))
	asg := mustAccept(t, s, fulfiller("u-ful"), r.ID)

	got, err := s.CancelRequest(ctx, fulfiller("u-ful"), r.ID)
	if err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}
	if got.Status != domain.StatusCancelled {
		t.Fatalf("request status: got %s", got.Status)
	}

	gotAsg, err := repo.GetAssignment(ctx, asg.ID)
	if err != nil {
		t.Fatalf("GetAssignment: %v", err)
	}
	if gotAsg.Status != domain.StatusCancelled {
		t.Fatalf("assignment status: got %s", gotAsg.Status)
	}
}

func TestCancelRequest_StrangerRejected(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newFixture(t)

	r := mustCreate(t, s, requester("u-req"))
	mustAccept(t, s, fulfiller("u-ful"), r.ID)

	_, err := s.CancelRequest(context.Background(), fulfiller("u-other"), r.ID)
	wantAppErr(t, err, "UNAUTHORIZED")
}

func TestCancelRequest_TerminalRetry(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newFixture(t)
	ctx := context.Background()

	r := mustCreate(t, s, requester("u-req"))
	if _, err := s.CancelRequest(ctx, requester("u-req"), r.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}

	_, err := s.CancelRequest(ctx, requester("u-req"), r.ID)
	wantAppErr(t, err, "INVALID_STATE")
}

// flakyRepo fails the first failures calls to CreateRequest with
// ErrUnavailable, then delegates.
type flakyRepo struct {
	dispatchrepo.Repository
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyRepo) CreateRequest(ctx context.Context, r domain.TransportRequest) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return dispatchrepo.ErrUnavailable
	}
	return f.Repository.CreateRequest(ctx, r)
}

func TestCreateRequest_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	flaky := &flakyRepo{Repository: memdispatchrepo.NewRepo(), failures: 2}
	s := dispatch.NewService(flaky, memeventbus.NewBus(), clock.NewFixed(time.Unix(1700000000, 0)), testPolicy)

	if _, err := s.CreateRequest(context.Background(), requester("u-req"), validCreateInput()); err != nil {
		t.Fatalf("expected retries to absorb transient failures: %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("calls: got %d want 3", flaky.calls)
	}
}

func TestCreateRequest_UpstreamErrorAfterExhaustion(t *testing.T) {
	t.Parallel()

	flaky := &flakyRepo{Repository: memdispatchrepo.NewRepo(), failures: 100}
	s := dispatch.NewService(flaky, memeventbus.NewBus(), clock.NewFixed(time.Unix(1700000000, 0)), testPolicy)

	_, err := s.CreateRequest(context.Background(), requester("u-req"), validCreateInput())
	appErr := wantAppErr(t, err, "UPSTREAM_ERROR")
	if appErr.Status != 502 {
		t.Fatalf("status: got %d want 502", appErr.Status)
	}
	if flaky.calls != testPolicy.MaxAttempts {
		t.Fatalf("calls: got %d want %d", flaky.calls, testPolicy.MaxAttempts)
	}
}
