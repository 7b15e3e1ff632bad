package httpapi

import (
	"net/http"

	"github.com/oapi-codegen/runtime"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/app/dispatch"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
)

func bindListFilter(w http.ResponseWriter, r *http.Request) (dispatch.ListFilter, bool) {
	q := r.URL.Query()
	var (
		status      *string
		requesterID *string
		fulfillerID *string
	)
	if err := runtime.BindQueryParameter("form", true, false, "status", q, &status); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid status parameter", nil)
		return dispatch.ListFilter{}, false
	}
	if err := runtime.BindQueryParameter("form", true, false, "requesterId", q, &requesterID); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid requesterId parameter", nil)
		return dispatch.ListFilter{}, false
	}
	if err := runtime.BindQueryParameter("form", true, false, "fulfillerId", q, &fulfillerID); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid fulfillerId parameter", nil)
		return dispatch.ListFilter{}, false
	}

	var f dispatch.ListFilter
	if status != nil {
		st := domain.Status(*status)
		f.Status = &st
	}
	if requesterID != nil {
		id := domain.UserID(*requesterID)
		f.RequesterID = &id
	}
	if fulfillerID != nil {
		id := domain.UserID(*fulfillerID)
		f.FulfillerID = &id
	}
	return f, true
}

// bindPartitions binds the repeatable partition query parameter of the event
// stream. No partitions means the full firehose.
func bindPartitions(w http.ResponseWriter, r *http.Request) ([]domain.Partition, bool) {
	var raw []string
	if err := runtime.BindQueryParameter("form", true, false, "partition", r.URL.Query(), &raw); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid partition parameter", nil)
		return nil, false
	}
	out := make([]domain.Partition, 0, len(raw))
	for _, p := range raw {
		out = append(out, domain.Partition(p))
	}
	return out, true
}
