package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/app/dispatch"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/app/roles"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/eventbus"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/idempotency"
)

// Server is the HTTP adapter. It decodes requests, resolves the caller's
// claim role, and delegates to the application services.
type Server struct {
	Dispatch *dispatch.Service
	Roles    *roles.Service
	Idem     idempotency.Store
	Bus      eventbus.Bus
}

func NewServer(dispatchSvc *dispatch.Service, rolesSvc *roles.Service, idem idempotency.Store, bus eventbus.Bus) *Server {
	return &Server{
		Dispatch: dispatchSvc,
		Roles:    rolesSvc,
		Idem:     idem,
		Bus:      bus,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) identity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity", nil)
		return Identity{}, false
	}
	return id, true
}

// actor resolves the caller's identity to a profile and its claim role, the
// signal that authorizes dispatch operations.
func (s *Server) actor(w http.ResponseWriter, r *http.Request) (dispatch.Actor, Identity, bool) {
	id, ok := s.identity(w, r)
	if !ok {
		return dispatch.Actor{}, Identity{}, false
	}

	caller := roles.Caller{Subject: domain.SubjectID(id.Subject), Email: id.Email}
	p, err := s.Roles.GetProfile(r.Context(), caller)
	if err != nil {
		if isNotFound(err) {
			writeError(w, r, http.StatusUnauthorized, "PROFILE_NOT_PROVISIONED", "no profile exists for the authenticated subject", nil)
			return dispatch.Actor{}, Identity{}, false
		}
		writeAppError(w, r, err)
		return dispatch.Actor{}, Identity{}, false
	}

	c, err := s.Roles.ClaimFor(r.Context(), p.UserID)
	if err != nil {
		if isNotFound(err) {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "no claim role for the authenticated subject", nil)
			return dispatch.Actor{}, Identity{}, false
		}
		writeAppError(w, r, err)
		return dispatch.Actor{}, Identity{}, false
	}

	return dispatch.Actor{UserID: p.UserID, Role: c.Role}, id, true
}

func isNotFound(err error) bool {
	var rolesErr *roles.Error
	if errors.As(err, &rolesErr) {
		return rolesErr.Code == "NOT_FOUND"
	}
	return false
}

// requireRoleAdmin guards the /roles surface: the caller must hold the
// developer claim, or, to bootstrap a fresh deployment with no developer
// claims yet, present an allowlisted email.
func (s *Server) requireRoleAdmin(w http.ResponseWriter, r *http.Request) (roles.Caller, bool) {
	id, ok := s.identity(w, r)
	if !ok {
		return roles.Caller{}, false
	}
	caller := roles.Caller{Subject: domain.SubjectID(id.Subject), Email: id.Email}

	if s.Roles.Allowlisted(id.Email) {
		return caller, true
	}
	p, err := s.Roles.GetProfile(r.Context(), caller)
	if err == nil {
		if c, cerr := s.Roles.ClaimFor(r.Context(), p.UserID); cerr == nil && c.Role == domain.RoleDeveloper {
			return caller, true
		}
	}
	writeError(w, r, http.StatusForbidden, "UNAUTHORIZED", "role administration requires the developer role", nil)
	return roles.Caller{}, false
}

func decodeBody(w http.ResponseWriter, r *http.Request, body []byte, dst any) bool {
	if len(body) == 0 {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "missing request body", nil)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "malformed request body", nil)
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unreadable request body", nil)
		return nil, false
	}
	return body, true
}

// idempotent wraps a mutating handler with Idempotency-Key semantics:
// replay the stored response for same actor+key+route+body, reject key reuse
// with a different payload.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, subject domain.SubjectID, route string, body []byte, okStatus int, fn func() (any, error)) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" || s.Idem == nil {
		s.run(w, r, okStatus, fn)
		return
	}

	sum := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(sum[:])
	ctx := r.Context()

	metaFP := idempotency.Fingerprint{
		Key:     idempotency.Key(key),
		Subject: subject,
		Method:  r.Method,
		Route:   route,
	}
	if meta, ok, err := s.Idem.Get(ctx, metaFP); err != nil {
		writeAppError(w, r, err)
		return
	} else if ok {
		if string(meta.Body) != bodyHash {
			writeError(w, r, http.StatusConflict, "IDEMPOTENCY_KEY_REUSE", "idempotency key reuse with different payload", nil)
			return
		}
	} else {
		_ = s.Idem.Put(ctx, metaFP, idempotency.Record{
			ContentType: "text/plain",
			Body:        []byte(bodyHash),
			CreatedAt:   time.Now().UTC(),
		})
	}

	respFP := metaFP
	respFP.BodyHash = bodyHash
	if rec, ok, err := s.Idem.Get(ctx, respFP); err != nil {
		writeAppError(w, r, err)
		return
	} else if ok && rec.StatusCode == okStatus && strings.HasPrefix(rec.ContentType, "application/json") {
		w.Header().Set("Content-Type", rec.ContentType)
		w.WriteHeader(rec.StatusCode)
		_, _ = w.Write(rec.Body)
		return
	}

	payload, err := fn()
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if b, err := json.Marshal(payload); err == nil {
		_ = s.Idem.Put(ctx, respFP, idempotency.Record{
			StatusCode:  okStatus,
			ContentType: "application/json",
			Body:        b,
			CreatedAt:   time.Now().UTC(),
		})
	}
	writeJSON(w, okStatus, payload)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, okStatus int, fn func() (any, error)) {
	payload, err := fn()
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, okStatus, payload)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.actor(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in createRequestBody
	if !decodeBody(w, r, body, &in) {
		return
	}

	s.idempotent(w, r, domain.SubjectID(id.Subject), "/requests", body, http.StatusCreated, func() (any, error) {
		created, err := s.Dispatch.CreateRequest(r.Context(), actor, dispatch.CreateRequestInput{
			PatientDescriptor: in.PatientDescriptor,
			Pickup:            locationInputFromJSON(in.Pickup),
			Destination:       locationInputFromJSON(in.Destination),
			Priority:          domain.Priority(in.Priority),
		})
		if err != nil {
			return nil, err
		}
		return transportRequestFromDomain(created), nil
	})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := s.actor(w, r)
	if !ok {
		return
	}

	f, ok := bindListFilter(w, r)
	if !ok {
		return
	}

	s.run(w, r, http.StatusOK, func() (any, error) {
		rs, err := s.Dispatch.ListRequests(r.Context(), actor, f)
		if err != nil {
			return nil, err
		}
		out := listRequestsResponse{Requests: make([]transportRequestJSON, 0, len(rs))}
		for _, req := range rs {
			out.Requests = append(out.Requests, transportRequestFromDomain(req))
		}
		return out, nil
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := s.actor(w, r)
	if !ok {
		return
	}
	requestID := domain.RequestID(chi.URLParam(r, "requestID"))

	s.run(w, r, http.StatusOK, func() (any, error) {
		req, err := s.Dispatch.GetRequest(r.Context(), actor, requestID)
		if err != nil {
			return nil, err
		}
		return transportRequestFromDomain(req), nil
	})
}

func (s *Server) handleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.actor(w, r)
	if !ok {
		return
	}
	requestID := domain.RequestID(chi.URLParam(r, "requestID"))

	// The body is optional; an absent body means a default ETA.
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in acceptRequestBody
	if len(body) > 0 {
		if !decodeBody(w, r, body, &in) {
			return
		}
	}

	s.idempotent(w, r, domain.SubjectID(id.Subject), "/requests/{requestID}/accept", body, http.StatusCreated, func() (any, error) {
		asg, err := s.Dispatch.Accept(r.Context(), actor, requestID, dispatch.AcceptInput{
			EstimatedArrival: in.EstimatedArrival,
		})
		if err != nil {
			return nil, err
		}
		return assignmentFromDomain(asg), nil
	})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.actor(w, r)
	if !ok {
		return
	}
	requestID := domain.RequestID(chi.URLParam(r, "requestID"))

	s.idempotent(w, r, domain.SubjectID(id.Subject), "/requests/{requestID}/cancel", nil, http.StatusOK, func() (any, error) {
		req, err := s.Dispatch.CancelRequest(r.Context(), actor, requestID)
		if err != nil {
			return nil, err
		}
		return transportRequestFromDomain(req), nil
	})
}

func (s *Server) handleUpdateAssignmentStatus(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.actor(w, r)
	if !ok {
		return
	}
	assignmentID := domain.AssignmentID(chi.URLParam(r, "assignmentID"))

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in updateStatusBody
	if !decodeBody(w, r, body, &in) {
		return
	}

	s.idempotent(w, r, domain.SubjectID(id.Subject), "/assignments/{assignmentID}/status", body, http.StatusOK, func() (any, error) {
		asg, err := s.Dispatch.UpdateAssignmentStatus(r.Context(), actor, assignmentID, domain.Action(in.Action))
		if err != nil {
			return nil, err
		}
		return assignmentFromDomain(asg), nil
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	s.run(w, r, http.StatusOK, func() (any, error) {
		p, err := s.Roles.GetProfile(r.Context(), roles.Caller{Subject: domain.SubjectID(id.Subject), Email: id.Email})
		if err != nil {
			return nil, err
		}
		return profileFromDomain(p), nil
	})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in updateProfileBody
	if !decodeBody(w, r, body, &in) {
		return
	}

	s.run(w, r, http.StatusOK, func() (any, error) {
		p, err := s.Roles.UpdateProfile(r.Context(), roles.Caller{Subject: domain.SubjectID(id.Subject), Email: id.Email}, roles.UpdateProfileInput{
			DisplayName:  in.DisplayName,
			DeclaredRole: domain.Role(in.DeclaredRole),
		})
		if err != nil {
			return nil, err
		}
		return profileFromDomain(p), nil
	})
}

func (s *Server) handleSyncRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireRoleAdmin(w, r)
	if !ok {
		return
	}
	userID := domain.UserID(chi.URLParam(r, "userID"))

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in syncRoleBody
	if !decodeBody(w, r, body, &in) {
		return
	}

	s.run(w, r, http.StatusOK, func() (any, error) {
		c, err := s.Roles.SyncRole(r.Context(), caller, userID, domain.Role(in.Role))
		if err != nil {
			return nil, err
		}
		return claimFromDomain(c), nil
	})
}

func (s *Server) handleAuditDrift(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRoleAdmin(w, r); !ok {
		return
	}

	s.run(w, r, http.StatusOK, func() (any, error) {
		records, err := s.Roles.AuditRoleDrift(r.Context())
		if err != nil {
			return nil, err
		}
		out := driftResponse{Records: make([]driftRecordJSON, 0, len(records))}
		for _, rec := range records {
			out.Records = append(out.Records, driftRecordFromDomain(rec))
		}
		return out, nil
	})
}

func (s *Server) handleFixDrift(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireRoleAdmin(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	// An absent body fixes everything a fresh audit reports.
	var in fixDriftBody
	if len(body) > 0 {
		if !decodeBody(w, r, body, &in) {
			return
		}
	}

	s.run(w, r, http.StatusOK, func() (any, error) {
		records := make([]domain.DriftRecord, 0, len(in.Records))
		for _, rec := range in.Records {
			records = append(records, driftRecordToDomain(rec))
		}
		if len(records) == 0 {
			audited, err := s.Roles.AuditRoleDrift(r.Context())
			if err != nil {
				return nil, err
			}
			records = audited
		}
		res, err := s.Roles.FixRoleDrift(r.Context(), caller, records)
		if err != nil {
			return nil, err
		}
		return batchResultFromApp(res), nil
	})
}
