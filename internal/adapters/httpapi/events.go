package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
)

type changeEventJSON struct {
	EntityType string    `json:"entityType"`
	EntityId   string    `json:"entityId"`
	Partition  string    `json:"partition"`
	Timestamp  time.Time `json:"timestamp"`
	NewState   any       `json:"newState"`
}

func changeEventFromDomain(evt domain.ChangeEvent) changeEventJSON {
	out := changeEventJSON{
		EntityType: evt.EntityType,
		EntityId:   evt.EntityID,
		Partition:  string(evt.Partition),
		Timestamp:  evt.Timestamp,
	}
	switch state := evt.NewState.(type) {
	case domain.TransportRequest:
		out.NewState = transportRequestFromDomain(state)
	case domain.Assignment:
		out.NewState = assignmentFromDomain(state)
	case domain.Claim:
		out.NewState = claimFromDomain(state)
	default:
		out.NewState = state
	}
	return out
}

// handleEvents streams change events over SSE. The subscription ends when the
// client disconnects; closing it is idempotent on the bus side.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	partitions, ok := bindPartitions(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "streaming unsupported", nil)
		return
	}

	events, cancel := s.Bus.Subscribe(partitions...)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			b, err := json.Marshal(changeEventFromDomain(evt))
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.EntityType, b)
			flusher.Flush()
		}
	}
}
