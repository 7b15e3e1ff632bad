package domain

import "time"

// Role is one of the two authorization signals. Profile.DeclaredRole is what
// the user (or an administrator) declared; Claim.Role is what access-control
// decisions actually consult.
type Role string

const (
	RoleRequester Role = "requester"
	RoleFulfiller Role = "fulfiller"
	RoleDeveloper Role = "developer"
)

// ValidRole reports whether r is a recognized role value.
func ValidRole(r Role) bool {
	switch r {
	case RoleRequester, RoleFulfiller, RoleDeveloper:
		return true
	}
	return false
}

// Profile is the user-editable account record.
type Profile struct {
	UserID       UserID
	Subject      SubjectID
	Email        string
	DisplayName  string
	DeclaredRole Role

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Claim is the role embedded in the user's access token. It is rewritten,
// never deleted, and only the role reconciliation service may mutate it.
type Claim struct {
	UserID    UserID
	Role      Role
	UpdatedAt time.Time
}

// DriftRecord captures a (declared, claim) disagreement found by an audit.
type DriftRecord struct {
	UserID       UserID
	DeclaredRole Role
	ClaimRole    Role
	DetectedAt   time.Time
}
