package roles

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
	clockport "github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/clock"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/eventbus"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/rolestore"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/platform/metrics"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/platform/retry"
)

// Service reconciles the two role signals: the user-editable declared role on
// the profile and the access-control-authoritative claim role. SyncRole is
// the only path that writes claims.
type Service struct {
	store rolestore.Store
	bus   eventbus.Bus
	clock clockport.Clock
	retry retry.Policy

	// allowlist holds lowercased emails permitted to receive (or grant) the
	// developer claim role.
	allowlist map[string]struct{}

	newUserID func() domain.UserID

	// userLocks serializes claim rewrites per user so batch fixes and
	// concurrent syncs for the same identity cannot interleave.
	mu        sync.Mutex
	userLocks map[domain.UserID]*sync.Mutex
}

func NewService(store rolestore.Store, bus eventbus.Bus, clock clockport.Clock, policy retry.Policy, developerAllowlist []string) *Service {
	allow := make(map[string]struct{}, len(developerAllowlist))
	for _, e := range developerAllowlist {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			allow[e] = struct{}{}
		}
	}
	return &Service{
		store:     store,
		bus:       bus,
		clock:     clock,
		retry:     policy,
		allowlist: allow,
		newUserID: func() domain.UserID {
			return domain.UserID(uuid.NewString())
		},
		userLocks: map[domain.UserID]*sync.Mutex{},
	}
}

// SetNewUserIDForTest overrides user ID generation for deterministic tests.
// It should not be used in production code.
func (s *Service) SetNewUserIDForTest(fn func() domain.UserID) {
	if fn != nil {
		s.newUserID = fn
	}
}

// Allowlisted reports whether email may receive or grant the developer role.
func (s *Service) Allowlisted(email string) bool {
	_, ok := s.allowlist[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

// GetProfile resolves the caller's own profile.
func (s *Service) GetProfile(ctx context.Context, caller Caller) (domain.Profile, error) {
	var p domain.Profile
	err := s.withRetry(ctx, func() error {
		var err error
		p, err = s.store.GetProfileBySubject(ctx, caller.Subject)
		return err
	})
	if err != nil {
		return domain.Profile{}, s.storeErr(err)
	}
	return p, nil
}

// UpdateProfile writes the caller's declared role (provisioning the profile
// on first use) and propagates it into the claim. A declaration the caller is
// not authorized for, such as developer without an allowlisted email, rejects
// the whole operation and writes nothing.
func (s *Service) UpdateProfile(ctx context.Context, caller Caller, in UpdateProfileInput) (domain.Profile, error) {
	if !domain.ValidRole(in.DeclaredRole) {
		return domain.Profile{}, &Error{Status: 422, Code: "VALIDATION_ERROR", Message: "invalid role", Details: map[string]any{"declaredRole": "must be one of requester, fulfiller, developer"}}
	}
	if in.DeclaredRole == domain.RoleDeveloper && !s.Allowlisted(caller.Email) {
		metrics.RoleSyncsTotal.WithLabelValues("unauthorized").Inc()
		return domain.Profile{}, &Error{Status: 403, Code: "UNAUTHORIZED", Message: "developer role requires an allowlisted email"}
	}
	displayName := domain.NormalizeHumanName(in.DisplayName)
	if displayName == "" {
		return domain.Profile{}, &Error{Status: 422, Code: "VALIDATION_ERROR", Message: "invalid display name", Details: map[string]any{"displayName": "must be non-empty"}}
	}

	now := s.clock.Now().UTC()

	var p domain.Profile
	err := s.withRetry(ctx, func() error {
		var err error
		p, err = s.store.GetProfileBySubject(ctx, caller.Subject)
		return err
	})
	switch {
	case errors.Is(err, rolestore.ErrProfileNotFound):
		p = domain.Profile{
			UserID:       s.newUserID(),
			Subject:      caller.Subject,
			Email:        caller.Email,
			DisplayName:  displayName,
			DeclaredRole: in.DeclaredRole,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.withRetry(ctx, func() error {
			return s.store.CreateProfile(ctx, p)
		}); err != nil {
			return domain.Profile{}, s.storeErr(err)
		}
	case err != nil:
		return domain.Profile{}, s.storeErr(err)
	default:
		p.DisplayName = displayName
		p.DeclaredRole = in.DeclaredRole
		p.Email = caller.Email
		p.UpdatedAt = now
		if err := s.withRetry(ctx, func() error {
			return s.store.SaveProfile(ctx, p)
		}); err != nil {
			return domain.Profile{}, s.storeErr(err)
		}
	}

	// Declared-role changes do not leave a reconciliation window behind the
	// mutation path itself.
	if _, err := s.SyncRole(ctx, caller, p.UserID, in.DeclaredRole); err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}

// SyncRole writes the claim role through the privileged updater. Developer
// grants require the caller's email to be allowlisted.
func (s *Service) SyncRole(ctx context.Context, caller Caller, userID domain.UserID, role domain.Role) (domain.Claim, error) {
	if !domain.ValidRole(role) {
		metrics.RoleSyncsTotal.WithLabelValues("validation_error").Inc()
		return domain.Claim{}, &Error{Status: 422, Code: "VALIDATION_ERROR", Message: "invalid role", Details: map[string]any{"role": "must be one of requester, fulfiller, developer"}}
	}
	if role == domain.RoleDeveloper && !s.Allowlisted(caller.Email) {
		metrics.RoleSyncsTotal.WithLabelValues("unauthorized").Inc()
		return domain.Claim{}, &Error{Status: 403, Code: "UNAUTHORIZED", Message: "developer role requires an allowlisted email"}
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	// The claim must belong to an existing profile.
	err := s.withRetry(ctx, func() error {
		_, err := s.store.GetProfile(ctx, userID)
		return err
	})
	if err != nil {
		metrics.RoleSyncsTotal.WithLabelValues("error").Inc()
		return domain.Claim{}, s.storeErr(err)
	}

	c := domain.Claim{
		UserID:    userID,
		Role:      role,
		UpdatedAt: s.clock.Now().UTC(),
	}
	if err := s.withRetry(ctx, func() error {
		return s.store.SetClaim(ctx, c)
	}); err != nil {
		metrics.RoleSyncsTotal.WithLabelValues("error").Inc()
		return domain.Claim{}, s.storeErr(err)
	}

	metrics.RoleSyncsTotal.WithLabelValues("ok").Inc()
	s.bus.Publish(domain.ChangeEvent{
		EntityType: domain.EntityClaim,
		EntityID:   string(userID),
		Partition:  domain.PartitionUser(userID),
		Timestamp:  c.UpdatedAt,
		NewState:   c,
	})
	metrics.EventsPublishedTotal.WithLabelValues(domain.EntityClaim).Inc()
	return c, nil
}

// AuditRoleDrift scans every (profile, claim) pair and reports disagreements.
// A profile with no claim at all counts as drifted.
func (s *Service) AuditRoleDrift(ctx context.Context) ([]domain.DriftRecord, error) {
	var pairs []rolestore.Pair
	err := s.withRetry(ctx, func() error {
		var err error
		pairs, err = s.store.ListPairs(ctx)
		return err
	})
	if err != nil {
		return nil, s.storeErr(err)
	}

	now := s.clock.Now().UTC()
	out := []domain.DriftRecord{}
	for _, pair := range pairs {
		if pair.HasClaim && pair.Claim.Role == pair.Profile.DeclaredRole {
			continue
		}
		rec := domain.DriftRecord{
			UserID:       pair.Profile.UserID,
			DeclaredRole: pair.Profile.DeclaredRole,
			DetectedAt:   now,
		}
		if pair.HasClaim {
			rec.ClaimRole = pair.Claim.Role
		}
		out = append(out, rec)
	}
	metrics.DriftRecordsTotal.Add(float64(len(out)))
	return out, nil
}

// FixRoleDrift applies SyncRole per record. Records are processed one at a
// time; a failed record is itemized and the batch continues.
func (s *Service) FixRoleDrift(ctx context.Context, caller Caller, records []domain.DriftRecord) (BatchResult, error) {
	res := BatchResult{Succeeded: []domain.Claim{}, Failed: []FixFailure{}}
	for _, rec := range records {
		c, err := s.SyncRole(ctx, caller, rec.UserID, rec.DeclaredRole)
		if err != nil {
			failure := FixFailure{UserID: rec.UserID, Code: "UPSTREAM_ERROR", Message: err.Error()}
			var appErr *Error
			if errors.As(err, &appErr) {
				failure.Code = appErr.Code
			}
			res.Failed = append(res.Failed, failure)
			continue
		}
		res.Succeeded = append(res.Succeeded, c)
	}
	return res, nil
}

// ClaimFor resolves the claim role consulted by access-control decisions.
func (s *Service) ClaimFor(ctx context.Context, userID domain.UserID) (domain.Claim, error) {
	var c domain.Claim
	err := s.withRetry(ctx, func() error {
		var err error
		c, err = s.store.GetClaim(ctx, userID)
		return err
	})
	if err != nil {
		return domain.Claim{}, s.storeErr(err)
	}
	return c, nil
}

func (s *Service) userLock(id domain.UserID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.userLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[id] = lock
	}
	return lock
}

func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, s.retry, func(err error) bool {
		return errors.Is(err, rolestore.ErrUnavailable)
	}, fn)
}

func (s *Service) storeErr(err error) error {
	switch {
	case errors.Is(err, rolestore.ErrProfileNotFound):
		return &Error{Status: 404, Code: "NOT_FOUND", Message: "profile not found"}
	case errors.Is(err, rolestore.ErrClaimNotFound):
		return &Error{Status: 404, Code: "NOT_FOUND", Message: "claim not found"}
	case errors.Is(err, rolestore.ErrSubjectAlreadyBound):
		return &Error{Status: 409, Code: "CONFLICT", Message: "subject already bound to a profile"}
	case errors.Is(err, rolestore.ErrUnavailable):
		return &Error{Status: 502, Code: "UPSTREAM_ERROR", Message: "backing store unavailable"}
	}
	return err
}
