package rolestore

import (
	"context"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
)

// Pair is a (profile, claim) snapshot for one user. HasClaim is false when no
// claim has been written yet (freshly provisioned profile).
type Pair struct {
	Profile  domain.Profile
	Claim    domain.Claim
	HasClaim bool
}

// Store owns the two authorization signals: the user-editable declared role on
// the profile, and the access-control-authoritative claim role.
//
// SetClaim is the privileged updater: it is the only path that may mutate a
// claim, and only the role reconciliation service calls it.
type Store interface {
	CreateProfile(ctx context.Context, p domain.Profile) error
	SaveProfile(ctx context.Context, p domain.Profile) error

	GetProfile(ctx context.Context, id domain.UserID) (domain.Profile, error)
	GetProfileBySubject(ctx context.Context, subject domain.SubjectID) (domain.Profile, error)

	GetClaim(ctx context.Context, id domain.UserID) (domain.Claim, error)

	// SetClaim upserts the claim. Claims are rewritten, never deleted.
	SetClaim(ctx context.Context, c domain.Claim) error

	// ListPairs returns every (profile, claim) pair, ordered by UserID, for
	// drift audits.
	ListPairs(ctx context.Context) ([]Pair, error)
}
