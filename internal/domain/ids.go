package domain

// SubjectID is the authenticated subject extracted from JWT claims (typically "sub").
// We model it as an opaque identifier: its format is controlled by the IdP.
type SubjectID string

// UserID is an internal identifier for a user account (requester or fulfiller staff).
type UserID string

// RequestID is an internal identifier for a transport request record.
type RequestID string

// AssignmentID is an internal identifier for an assignment record.
type AssignmentID string
