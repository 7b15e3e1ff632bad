package roles_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/memory/clock"
	memeventbus "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/memory/eventbus"
	memrolestore "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/memory/rolestore"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/app/roles"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/platform/retry"
)

var testPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func newFixture(t *testing.T, allowlist ...string) (*roles.Service, *memrolestore.Store, *memeventbus.Bus) {
	t.Helper()
	store := memrolestore.NewStore()
	bus := memeventbus.NewBus()
	clk := clock.NewFixed(time.Unix(1700000000, 0))
	return roles.NewService(store, bus, clk, testPolicy, allowlist), store, bus
}

func wantAppErr(t *testing.T, err error, code string) *roles.Error {
	t.Helper()
	var appErr *roles.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *roles.Error, got %v", err)
	}
	if appErr.Code != code {
		t.Fatalf("code mismatch: got %q want %q", appErr.Code, code)
	}
	return appErr
}

func seedProfile(t *testing.T, store *memrolestore.Store, userID, subject string, declared domain.Role) {
	t.Helper()
	now := time.Unix(1700000000, 0).UTC()
	err := store.CreateProfile(context.Background(), domain.Profile{
		UserID:       domain.UserID(userID),
		Subject:      domain.SubjectID(subject),
		Email:        userID + "@careroute.example",
		DisplayName:  "Test User",
		DeclaredRole: declared,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
}

func TestSyncRole_WritesClaimAndPublishes(t *testing.T) {
	t.Parallel()
	s, store, bus := newFixture(t)
	ctx := context.Background()

	seedProfile(t, store, "u1", "auth0|u1", domain.RoleFulfiller)

	events, cancel := bus.Subscribe(domain.PartitionUser("u1"))
	defer cancel()

	c, err := s.SyncRole(ctx, roles.Caller{Subject: "auth0|admin", Email: "admin@careroute.example"}, "u1", domain.RoleFulfiller)
	if err != nil {
		t.Fatalf("SyncRole: %v", err)
	}
	if c.Role != domain.RoleFulfiller {
		t.Fatalf("claim role: got %s", c.Role)
	}

	got, err := store.GetClaim(ctx, "u1")
	if err != nil {
		t.Fatalf("GetClaim: %v", err)
	}
	if got.Role != domain.RoleFulfiller {
		t.Fatalf("stored claim role: got %s", got.Role)
	}

	select {
	case evt := <-events:
		if evt.EntityType != domain.EntityClaim || evt.EntityID != "u1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("no claim event")
	}
}

func TestSyncRole_RejectsUnknownRole(t *testing.T) {
	t.Parallel()
	s, store, _ := newFixture(t)

	seedProfile(t, store, "u1", "auth0|u1", domain.RoleRequester)

	_, err := s.SyncRole(context.Background(), roles.Caller{Email: "admin@careroute.example"}, "u1", domain.Role("admin"))
	wantAppErr(t, err, "VALIDATION_ERROR")
}

func TestSyncRole_DeveloperRequiresAllowlist(t *testing.T) {
	t.Parallel()
	s, store, _ := newFixture(t, "oncall@careroute.example")
	ctx := context.Background()

	seedProfile(t, store, "u1", "auth0|u1", domain.RoleRequester)

	_, err := s.SyncRole(ctx, roles.Caller{Email: "someone@careroute.example"}, "u1", domain.RoleDeveloper)
	wantAppErr(t, err, "UNAUTHORIZED")

	// Allowlist matching is case-insensitive.
	if _, err := s.SyncRole(ctx, roles.Caller{Email: "OnCall@CareRoute.example"}, "u1", domain.RoleDeveloper); err != nil {
		t.Fatalf("allowlisted caller rejected: %v", err)
	}
}

func TestSyncRole_UnknownUser(t *testing.T) {
	t.Parallel()
	s, _, _ := newFixture(t)

	_, err := s.SyncRole(context.Background(), roles.Caller{Email: "admin@careroute.example"}, "ghost", domain.RoleRequester)
	wantAppErr(t, err, "NOT_FOUND")
}

func TestAuditRoleDrift_ReportsDisagreementsOnly(t *testing.T) {
	t.Parallel()
	s, store, _ := newFixture(t)
	ctx := context.Background()
	caller := roles.Caller{Email: "admin@careroute.example"}

	seedProfile(t, store, "u1", "auth0|u1", domain.RoleFulfiller)
	seedProfile(t, store, "u2", "auth0|u2", domain.RoleRequester)
	seedProfile(t, store, "u3", "auth0|u3", domain.RoleRequester)

	// u1 drifts: declared fulfiller, claim requester. u2 agrees. u3 has no
	// claim at all.
	if err := store.SetClaim(ctx, domain.Claim{UserID: "u1", Role: domain.RoleRequester, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("SetClaim: %v", err)
	}
	if _, err := s.SyncRole(ctx, caller, "u2", domain.RoleRequester); err != nil {
		t.Fatalf("SyncRole: %v", err)
	}

	drift, err := s.AuditRoleDrift(ctx)
	if err != nil {
		t.Fatalf("AuditRoleDrift: %v", err)
	}
	if len(drift) != 2 {
		t.Fatalf("drift count: got %d want 2", len(drift))
	}

	byUser := map[domain.UserID]domain.DriftRecord{}
	for _, rec := range drift {
		byUser[rec.UserID] = rec
	}
	if rec := byUser["u1"]; rec.DeclaredRole != domain.RoleFulfiller || rec.ClaimRole != domain.RoleRequester {
		t.Fatalf("u1 record: %+v", rec)
	}
	if rec := byUser["u3"]; rec.DeclaredRole != domain.RoleRequester || rec.ClaimRole != "" {
		t.Fatalf("u3 record: %+v", rec)
	}
}

func TestFixRoleDrift_Converges(t *testing.T) {
	t.Parallel()
	s, store, _ := newFixture(t)
	ctx := context.Background()
	caller := roles.Caller{Email: "admin@careroute.example"}

	seedProfile(t, store, "u1", "auth0|u1", domain.RoleFulfiller)
	seedProfile(t, store, "u2", "auth0|u2", domain.RoleRequester)
	if err := store.SetClaim(ctx, domain.Claim{UserID: "u1", Role: domain.RoleRequester, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("SetClaim: %v", err)
	}

	drift, err := s.AuditRoleDrift(ctx)
	if err != nil {
		t.Fatalf("AuditRoleDrift: %v", err)
	}
	res, err := s.FixRoleDrift(ctx, caller, drift)
	if err != nil {
		t.Fatalf("FixRoleDrift: %v", err)
	}
	if len(res.Failed) != 0 {
		t.Fatalf("failed records: %+v", res.Failed)
	}
	if len(res.Succeeded) != len(drift) {
		t.Fatalf("succeeded: got %d want %d", len(res.Succeeded), len(drift))
	}

	again, err := s.AuditRoleDrift(ctx)
	if err != nil {
		t.Fatalf("repeat audit: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected convergence, still drifted: %+v", again)
	}
}

func TestFixRoleDrift_PartialBatch(t *testing.T) {
	t.Parallel()
	s, store, _ := newFixture(t)
	ctx := context.Background()
	caller := roles.Caller{Email: "notallowed@careroute.example"}

	seedProfile(t, store, "u1", "auth0|u1", domain.RoleFulfiller)
	seedProfile(t, store, "u2", "auth0|u2", domain.RoleDeveloper)
	seedProfile(t, store, "u3", "auth0|u3", domain.RoleRequester)

	records := []domain.DriftRecord{
		{UserID: "u1", DeclaredRole: domain.RoleFulfiller},
		{UserID: "u2", DeclaredRole: domain.RoleDeveloper}, // caller not allowlisted
		{UserID: "u3", DeclaredRole: domain.RoleRequester},
	}
	res, err := s.FixRoleDrift(ctx, caller, records)
	if err != nil {
		t.Fatalf("FixRoleDrift: %v", err)
	}
	if len(res.Succeeded) != 2 {
		t.Fatalf("succeeded: got %d want 2", len(res.Succeeded))
	}
	if len(res.Failed) != 1 {
		t.Fatalf("failed: got %d want 1", len(res.Failed))
	}
	if res.Failed[0].UserID != "u2" || res.Failed[0].Code != "UNAUTHORIZED" {
		t.Fatalf("failure: %+v", res.Failed[0])
	}

	// Prior and subsequent successes stuck.
	for _, userID := range []domain.UserID{"u1", "u3"} {
		if _, err := store.GetClaim(ctx, userID); err != nil {
			t.Fatalf("claim for %s missing: %v", userID, err)
		}
	}
}

func TestUpdateProfile_ProvisionsAndSyncs(t *testing.T) {
	t.Parallel()
	s, store, _ := newFixture(t)
	ctx := context.Background()
	caller := roles.Caller{Subject: "auth0|new", Email: "new@careroute.example"}

	p, err := s.UpdateProfile(ctx, caller, roles.UpdateProfileInput{
		DisplayName:  "  Dana   Reyes ",
		DeclaredRole: domain.RoleFulfiller,
	})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if p.DisplayName != "Dana Reyes" {
		t.Fatalf("display name not normalized: %q", p.DisplayName)
	}
	if p.UserID == "" {
		t.Fatalf("profile not provisioned")
	}

	c, err := store.GetClaim(ctx, p.UserID)
	if err != nil {
		t.Fatalf("GetClaim: %v", err)
	}
	if c.Role != domain.RoleFulfiller {
		t.Fatalf("claim not synced: got %s", c.Role)
	}

	// Second write updates in place.
	p2, err := s.UpdateProfile(ctx, caller, roles.UpdateProfileInput{
		DisplayName:  "Dana Reyes",
		DeclaredRole: domain.RoleRequester,
	})
	if err != nil {
		t.Fatalf("second UpdateProfile: %v", err)
	}
	if p2.UserID != p.UserID {
		t.Fatalf("profile re-provisioned: %s vs %s", p2.UserID, p.UserID)
	}
	c2, _ := store.GetClaim(ctx, p.UserID)
	if c2.Role != domain.RoleRequester {
		t.Fatalf("claim not re-synced: got %s", c2.Role)
	}
}

func TestUpdateProfile_DeveloperRequiresAllowlist(t *testing.T) {
	t.Parallel()
	s, store, _ := newFixture(t)
	ctx := context.Background()
	caller := roles.Caller{Subject: "auth0|new", Email: "new@careroute.example"}

	_, err := s.UpdateProfile(ctx, caller, roles.UpdateProfileInput{
		DisplayName:  "Dana Reyes",
		DeclaredRole: domain.RoleDeveloper,
	})
	wantAppErr(t, err, "UNAUTHORIZED")

	// Nothing was written.
	if _, err := store.GetProfileBySubject(ctx, "auth0|new"); err == nil {
		t.Fatalf("profile should not have been provisioned")
	}
}
