package httpapi

import (
	"time"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/app/dispatch"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/app/roles"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
)

type locationJSON struct {
	Label     string   `json:"label"`
	Address   *string  `json:"address,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type transportRequestJSON struct {
	Id                string       `json:"id"`
	RequesterId       string       `json:"requesterId"`
	PatientDescriptor string       `json:"patientDescriptor"`
	Pickup            locationJSON `json:"pickup"`
	Destination       locationJSON `json:"destination"`
	Priority          string       `json:"priority"`
	Status            string       `json:"status"`
	FulfillerId       *string      `json:"fulfillerId,omitempty"`
	RequestedAt       time.Time    `json:"requestedAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

type assignmentJSON struct {
	Id               string     `json:"id"`
	RequestId        string     `json:"requestId"`
	FulfillerId      string     `json:"fulfillerId"`
	Status           string     `json:"status"`
	AssignedAt       time.Time  `json:"assignedAt"`
	EstimatedArrival time.Time  `json:"estimatedArrival"`
	ActualArrival    *time.Time `json:"actualArrival,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

type profileJSON struct {
	UserId       string    `json:"userId"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName"`
	DeclaredRole string    `json:"declaredRole"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type claimJSON struct {
	UserId    string    `json:"userId"`
	Role      string    `json:"role"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type driftRecordJSON struct {
	UserId       string    `json:"userId"`
	DeclaredRole string    `json:"declaredRole"`
	ClaimRole    string    `json:"claimRole,omitempty"`
	DetectedAt   time.Time `json:"detectedAt"`
}

type fixFailureJSON struct {
	UserId  string `json:"userId"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type batchResultJSON struct {
	Succeeded []claimJSON      `json:"succeeded"`
	Failed    []fixFailureJSON `json:"failed"`
}

type createRequestBody struct {
	PatientDescriptor string       `json:"patientDescriptor"`
	Pickup            locationJSON `json:"pickup"`
	Destination       locationJSON `json:"destination"`
	Priority          string       `json:"priority,omitempty"`
}

type acceptRequestBody struct {
	EstimatedArrival *time.Time `json:"estimatedArrival,omitempty"`
}

type updateStatusBody struct {
	Action string `json:"action"`
}

type syncRoleBody struct {
	Role string `json:"role"`
}

type updateProfileBody struct {
	DisplayName  string `json:"displayName"`
	DeclaredRole string `json:"declaredRole"`
}

type fixDriftBody struct {
	Records []driftRecordJSON `json:"records"`
}

type listRequestsResponse struct {
	Requests []transportRequestJSON `json:"requests"`
}

type driftResponse struct {
	Records []driftRecordJSON `json:"records"`
}

func locationFromDomain(l domain.Location) locationJSON {
	return locationJSON{
		Label:     l.Label,
		Address:   l.Address,
		Latitude:  l.Latitude,
		Longitude: l.Longitude,
	}
}

func transportRequestFromDomain(r domain.TransportRequest) transportRequestJSON {
	out := transportRequestJSON{
		Id:                string(r.ID),
		RequesterId:       string(r.RequesterID),
		PatientDescriptor: r.PatientDescriptor,
		Pickup:            locationFromDomain(r.Pickup),
		Destination:       locationFromDomain(r.Destination),
		Priority:          string(r.Priority),
		Status:            string(r.Status),
		RequestedAt:       r.RequestedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.FulfillerID != nil {
		id := string(*r.FulfillerID)
		out.FulfillerId = &id
	}
	return out
}

func assignmentFromDomain(a domain.Assignment) assignmentJSON {
	return assignmentJSON{
		Id:               string(a.ID),
		RequestId:        string(a.RequestID),
		FulfillerId:      string(a.FulfillerID),
		Status:           string(a.Status),
		AssignedAt:       a.AssignedAt,
		EstimatedArrival: a.EstimatedArrival,
		ActualArrival:    a.ActualArrival,
		CompletedAt:      a.CompletedAt,
	}
}

func profileFromDomain(p domain.Profile) profileJSON {
	return profileJSON{
		UserId:       string(p.UserID),
		Email:        p.Email,
		DisplayName:  p.DisplayName,
		DeclaredRole: string(p.DeclaredRole),
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func claimFromDomain(c domain.Claim) claimJSON {
	return claimJSON{
		UserId:    string(c.UserID),
		Role:      string(c.Role),
		UpdatedAt: c.UpdatedAt,
	}
}

func driftRecordFromDomain(rec domain.DriftRecord) driftRecordJSON {
	return driftRecordJSON{
		UserId:       string(rec.UserID),
		DeclaredRole: string(rec.DeclaredRole),
		ClaimRole:    string(rec.ClaimRole),
		DetectedAt:   rec.DetectedAt,
	}
}

func driftRecordToDomain(rec driftRecordJSON) domain.DriftRecord {
	return domain.DriftRecord{
		UserID:       domain.UserID(rec.UserId),
		DeclaredRole: domain.Role(rec.DeclaredRole),
		ClaimRole:    domain.Role(rec.ClaimRole),
		DetectedAt:   rec.DetectedAt,
	}
}

func batchResultFromApp(res roles.BatchResult) batchResultJSON {
	out := batchResultJSON{Succeeded: []claimJSON{}, Failed: []fixFailureJSON{}}
	for _, c := range res.Succeeded {
		out.Succeeded = append(out.Succeeded, claimFromDomain(c))
	}
	for _, f := range res.Failed {
		out.Failed = append(out.Failed, fixFailureJSON{
			UserId:  string(f.UserID),
			Code:    f.Code,
			Message: f.Message,
		})
	}
	return out
}

func locationInputFromJSON(l locationJSON) dispatch.LocationInput {
	return dispatch.LocationInput{
		Label:     l.Label,
		Address:   l.Address,
		Latitude:  l.Latitude,
		Longitude: l.Longitude,
	}
}
