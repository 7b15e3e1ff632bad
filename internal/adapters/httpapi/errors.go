package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/nullable"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/app/dispatch"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/app/roles"
)

// ErrorResponse is the uniform error envelope returned by every route.
type ErrorResponse struct {
	Error struct {
		Code      string                            `json:"code"`
		Message   string                            `json:"message"`
		Details   nullable.Nullable[map[string]any] `json:"details,omitempty"`
		RequestId nullable.Nullable[string]         `json:"requestId,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]any) {
	var er ErrorResponse
	er.Error.Code = code
	er.Error.Message = message
	if details != nil {
		er.Error.Details = nullable.NewNullableWithValue(details)
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		er.Error.RequestId = nullable.NewNullableWithValue(rid)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(er)
}

// writeAppError maps application-layer errors onto the envelope. Anything
// untyped is a bug surfaced as a 500 without leaking internals.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var dispatchErr *dispatch.Error
	if errors.As(err, &dispatchErr) {
		writeError(w, r, dispatchErr.Status, dispatchErr.Code, dispatchErr.Message, dispatchErr.Details)
		return
	}
	var rolesErr *roles.Error
	if errors.As(err, &rolesErr) {
		writeError(w, r, rolesErr.Status, rolesErr.Code, rolesErr.Message, rolesErr.Details)
		return
	}
	writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
