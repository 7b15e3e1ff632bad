package dispatch

import (
	"time"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
)

// Actor is the authenticated caller as resolved by the HTTP layer: the
// profile's user ID plus the claim role that authorizes dispatch operations.
type Actor struct {
	UserID domain.UserID
	Role   domain.Role
}

type LocationInput struct {
	Label   string
	Address *string

	Latitude  *float64
	Longitude *float64
}

type CreateRequestInput struct {
	PatientDescriptor string
	Pickup            LocationInput
	Destination       LocationInput

	// Priority defaults to ROUTINE when empty.
	Priority domain.Priority
}

type ListFilter struct {
	Status      *domain.Status
	RequesterID *domain.UserID
	FulfillerID *domain.UserID
}

type AcceptInput struct {
	// EstimatedArrival defaults to 30 minutes from now when nil.
	EstimatedArrival *time.Time
}
