package roles

import "github.com/CareRoute-Health/transport-dispatch-api/internal/domain"

// Caller is the authenticated identity behind a role operation. Email is what
// the developer allowlist is matched against.
type Caller struct {
	Subject domain.SubjectID
	Email   string
}

type UpdateProfileInput struct {
	DisplayName  string
	DeclaredRole domain.Role
}

// FixFailure itemizes one record that could not be fixed. The batch keeps
// going; prior successes are never rolled back.
type FixFailure struct {
	UserID  domain.UserID
	Code    string
	Message string
}

type BatchResult struct {
	Succeeded []domain.Claim
	Failed    []FixFailure
}
