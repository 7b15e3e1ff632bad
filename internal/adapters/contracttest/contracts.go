package contracttest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
	dispatchrepoport "github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/dispatchrepo"
	idempotencyport "github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/idempotency"
	rolestoreport "github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/rolestore"
)

type CleanupFunc = func()

type DispatchRepoFactory func(t *testing.T) (dispatchrepoport.Repository, CleanupFunc)
type RoleStoreFactory func(t *testing.T) (rolestoreport.Store, CleanupFunc)
type IdemStoreFactory func(t *testing.T) (idempotencyport.Store, CleanupFunc)

func RunDispatchRepo(t *testing.T, newRepo DispatchRepoFactory) {
	t.Helper()
	ctx := context.Background()

	repo, cleanup := newRepo(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	now := time.Unix(1000, 0).UTC()
	reqID := domain.RequestID(uuid.NewString())
	if err := repo.CreateRequest(ctx, pendingRequest(reqID, "req-1", now)); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := repo.CreateRequest(ctx, pendingRequest(reqID, "req-1", now)); !errors.Is(err, dispatchrepoport.ErrAlreadyExists) {
		t.Fatalf("duplicate CreateRequest: want ErrAlreadyExists, got %v", err)
	}
	got, err := repo.GetRequest(ctx, reqID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Status != domain.StatusPending || got.RequesterID != "req-1" {
		t.Fatalf("unexpected request: %#v", got)
	}
	if _, err := repo.GetRequest(ctx, domain.RequestID(uuid.NewString())); !errors.Is(err, dispatchrepoport.ErrRequestNotFound) {
		t.Fatalf("GetRequest missing: want ErrRequestNotFound, got %v", err)
	}

	// Malformed IDs read as absent; they must never surface a backend-specific
	// encoding error.
	if _, err := repo.GetRequest(ctx, "not-a-uuid"); !errors.Is(err, dispatchrepoport.ErrRequestNotFound) {
		t.Fatalf("GetRequest malformed: want ErrRequestNotFound, got %v", err)
	}
	if _, err := repo.GetAssignment(ctx, "not-a-uuid"); !errors.Is(err, dispatchrepoport.ErrAssignmentNotFound) {
		t.Fatalf("GetAssignment malformed: want ErrAssignmentNotFound, got %v", err)
	}
	if _, err := repo.ActiveAssignmentForRequest(ctx, "not-a-uuid"); !errors.Is(err, dispatchrepoport.ErrAssignmentNotFound) {
		t.Fatalf("ActiveAssignmentForRequest malformed: want ErrAssignmentNotFound, got %v", err)
	}

	// Filtered listing.
	otherID := domain.RequestID(uuid.NewString())
	if err := repo.CreateRequest(ctx, pendingRequest(otherID, "req-2", now.Add(time.Minute))); err != nil {
		t.Fatalf("CreateRequest other: %v", err)
	}
	pending := domain.StatusPending
	ls, err := repo.ListRequests(ctx, dispatchrepoport.Filter{Status: &pending})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(ls) != 2 || ls[0].ID != reqID {
		t.Fatalf("unexpected pending list: %#v", ls)
	}
	requester := domain.UserID("req-2")
	ls, err = repo.ListRequests(ctx, dispatchrepoport.Filter{RequesterID: &requester})
	if err != nil {
		t.Fatalf("ListRequests by requester: %v", err)
	}
	if len(ls) != 1 || ls[0].ID != otherID {
		t.Fatalf("unexpected requester list: %#v", ls)
	}

	// Accept CAS: exactly one of N concurrent accepts succeeds.
	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			asg := domain.Assignment{
				ID:               domain.AssignmentID(uuid.NewString()),
				RequestID:        reqID,
				FulfillerID:      domain.UserID(uuid.NewString()),
				Status:           domain.StatusAssigned,
				AssignedAt:       now.Add(time.Hour),
				EstimatedArrival: now.Add(90 * time.Minute),
			}
			_, err := repo.AcceptPending(ctx, asg)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, dispatchrepoport.ErrStatusConflict):
				conflicts++
			default:
				t.Errorf("AcceptPending racer %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || conflicts != racers-1 {
		t.Fatalf("accept race: wins=%d conflicts=%d", wins, conflicts)
	}

	asg, err := repo.ActiveAssignmentForRequest(ctx, reqID)
	if err != nil {
		t.Fatalf("ActiveAssignmentForRequest: %v", err)
	}
	if asg.Status != domain.StatusAssigned || asg.RequestID != reqID {
		t.Fatalf("unexpected assignment: %#v", asg)
	}
	if _, err := repo.GetAssignment(ctx, asg.ID); err != nil {
		t.Fatalf("GetAssignment: %v", err)
	}

	// Guarded progress write mirrors status onto the request.
	updated, err := repo.UpdateStatuses(ctx, dispatchrepoport.StatusUpdate{
		AssignmentID: asg.ID,
		Expect:       domain.StatusAssigned,
		Next:         domain.StatusInProgress,
		UpdatedAt:    now.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("UpdateStatuses: %v", err)
	}
	if updated.Status != domain.StatusInProgress {
		t.Fatalf("assignment status = %s", updated.Status)
	}
	if got, _ := repo.GetRequest(ctx, reqID); got.Status != domain.StatusInProgress {
		t.Fatalf("request status not mirrored: %s", got.Status)
	}

	// Stale guard loses.
	if _, err := repo.UpdateStatuses(ctx, dispatchrepoport.StatusUpdate{
		AssignmentID: asg.ID,
		Expect:       domain.StatusAssigned,
		Next:         domain.StatusInProgress,
		UpdatedAt:    now.Add(3 * time.Hour),
	}); !errors.Is(err, dispatchrepoport.ErrStatusConflict) {
		t.Fatalf("stale UpdateStatuses: want ErrStatusConflict, got %v", err)
	}

	// CancelPending only works while still pending.
	cancelled, err := repo.CancelPending(ctx, otherID, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("CancelPending: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("cancelled status = %s", cancelled.Status)
	}
	if _, err := repo.CancelPending(ctx, reqID, now.Add(time.Hour)); !errors.Is(err, dispatchrepoport.ErrStatusConflict) {
		t.Fatalf("CancelPending on assigned: want ErrStatusConflict, got %v", err)
	}

	// Terminal assignment no longer counts as active.
	if _, err := repo.UpdateStatuses(ctx, dispatchrepoport.StatusUpdate{
		AssignmentID: asg.ID,
		Expect:       domain.StatusInProgress,
		Next:         domain.StatusCancelled,
		UpdatedAt:    now.Add(4 * time.Hour),
	}); err != nil {
		t.Fatalf("UpdateStatuses cancel: %v", err)
	}
	if _, err := repo.ActiveAssignmentForRequest(ctx, reqID); !errors.Is(err, dispatchrepoport.ErrAssignmentNotFound) {
		t.Fatalf("active after terminal: want ErrAssignmentNotFound, got %v", err)
	}
}

func RunRoleStore(t *testing.T, newStore RoleStoreFactory) {
	t.Helper()
	ctx := context.Background()

	store, cleanup := newStore(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	now := time.Unix(2000, 0).UTC()
	aID := domain.UserID(uuid.NewString())
	if err := store.CreateProfile(ctx, domain.Profile{
		UserID:       aID,
		Subject:      "sub-a",
		Email:        "alice@example.com",
		DisplayName:  "Alice",
		DeclaredRole: domain.RoleRequester,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	if _, err := store.GetProfile(ctx, aID); err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if _, err := store.GetProfileBySubject(ctx, "sub-a"); err != nil {
		t.Fatalf("GetProfileBySubject: %v", err)
	}

	// Subject uniqueness.
	if err := store.CreateProfile(ctx, domain.Profile{
		UserID:       domain.UserID(uuid.NewString()),
		Subject:      "sub-a",
		Email:        "alice2@example.com",
		DisplayName:  "Alice 2",
		DeclaredRole: domain.RoleRequester,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err == nil {
		t.Fatalf("expected subject uniqueness error")
	}

	// Claims: absent until written, then rewritten in place.
	if _, err := store.GetClaim(ctx, aID); !errors.Is(err, rolestoreport.ErrClaimNotFound) {
		t.Fatalf("GetClaim before write: want ErrClaimNotFound, got %v", err)
	}
	if err := store.SetClaim(ctx, domain.Claim{UserID: aID, Role: domain.RoleRequester, UpdatedAt: now}); err != nil {
		t.Fatalf("SetClaim: %v", err)
	}
	if err := store.SetClaim(ctx, domain.Claim{UserID: aID, Role: domain.RoleFulfiller, UpdatedAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("SetClaim rewrite: %v", err)
	}
	c, err := store.GetClaim(ctx, aID)
	if err != nil {
		t.Fatalf("GetClaim: %v", err)
	}
	if c.Role != domain.RoleFulfiller {
		t.Fatalf("claim role = %s", c.Role)
	}

	// Declared-role update.
	p, err := store.GetProfile(ctx, aID)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	p.DeclaredRole = domain.RoleFulfiller
	p.UpdatedAt = now.Add(time.Minute)
	if err := store.SaveProfile(ctx, p); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	// Pairs include claim-less profiles.
	bID := domain.UserID(uuid.NewString())
	if err := store.CreateProfile(ctx, domain.Profile{
		UserID:       bID,
		Subject:      "sub-b",
		Email:        "bob@example.com",
		DisplayName:  "Bob",
		DeclaredRole: domain.RoleFulfiller,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("CreateProfile b: %v", err)
	}
	pairs, err := store.ListPairs(ctx)
	if err != nil {
		t.Fatalf("ListPairs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("pairs = %d", len(pairs))
	}
	var sawClaimless bool
	for _, pair := range pairs {
		if pair.Profile.UserID == bID && !pair.HasClaim {
			sawClaimless = true
		}
		if pair.Profile.UserID == aID && (!pair.HasClaim || pair.Claim.Role != domain.RoleFulfiller) {
			t.Fatalf("pair for a: %#v", pair)
		}
	}
	if !sawClaimless {
		t.Fatalf("expected claim-less pair for b: %#v", pairs)
	}
}

func RunIdempotencyStore(t *testing.T, newStore IdemStoreFactory) {
	t.Helper()
	ctx := context.Background()

	store, cleanup := newStore(t)
	if cleanup != nil {
		t.Cleanup(cleanup)
	}

	fp := idempotencyport.Fingerprint{
		Key:      "k-1",
		Subject:  domain.SubjectID("sub-1"),
		Method:   "POST",
		Route:    "/requests/{requestId}/accept",
		BodyHash: "",
	}
	rec := idempotencyport.Record{
		StatusCode:  201,
		ContentType: "application/json",
		Body:        []byte(`{"id":"a1"}`),
		CreatedAt:   time.Unix(123, 0).UTC(),
	}
	if err := store.Put(ctx, fp, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := store.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(got.Body) != `{"id":"a1"}` || got.StatusCode != 201 {
		t.Fatalf("unexpected record: ok=%v %+v", ok, got)
	}

	// Different fingerprint is a miss.
	fp2 := fp
	fp2.BodyHash = "other"
	if _, ok, err := store.Get(ctx, fp2); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}

	// Overwrite semantics.
	rec2 := rec
	rec2.Body = []byte(`{"id":"a2"}`)
	if err := store.Put(ctx, fp, rec2); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, ok, err = store.Get(ctx, fp)
	if err != nil || !ok || string(got.Body) != `{"id":"a2"}` {
		t.Fatalf("expected overwritten record, got ok=%v err=%v body=%q", ok, err, string(got.Body))
	}
}

func pendingRequest(id domain.RequestID, requester domain.UserID, at time.Time) domain.TransportRequest {
	return domain.TransportRequest{
		ID:                id,
		RequesterID:       requester,
		PatientDescriptor: "stretcher, oxygen",
		Pickup:            domain.Location{Label: "General Hospital, ward 3"},
		Destination:       domain.Location{Label: "St. Vincent rehab"},
		Priority:          domain.PriorityRoutine,
		Status:            domain.StatusPending,
		RequestedAt:       at,
		UpdatedAt:         at,
	}
}
