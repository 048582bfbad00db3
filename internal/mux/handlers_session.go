package mux

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aperture-ai/aperture-gateway/internal/manager"
	"github.com/aperture-ai/aperture-gateway/internal/store"
	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

// createSessionRequest is the POST /v1/sessions body.
type createSessionRequest struct {
	Agent          types.AgentKind   `json:"agent"`
	Auth           types.SessionAuth `json:"auth"`
	WorkspaceID    string            `json:"workspaceId,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ClientMetadata map[string]string `json:"clientMetadata,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	sess, err := s.manager.Create(r.Context(), manager.CreateOptions{
		Agent:          req.Agent,
		Auth:           req.Auth,
		WorkspaceID:    req.WorkspaceID,
		Env:            req.Env,
		ClientMetadata: req.ClientMetadata,
	})
	if err != nil {
		writeManagerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     sess.ID,
		"agent":  sess.Agent,
		"status": sess.Status,
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	if rt, sess, ok := s.manager.Get(id); ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      sess.ID,
			"agent":   sess.Agent,
			"status":  sess.Status,
			"session": sess,
			"runtime": rt.Status(),
		})
		return
	}

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      sess.ID,
		"agent":   sess.Agent,
		"status":  sess.Status,
		"session": sess,
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.manager.Terminate(r.Context(), id); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) connectSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, restored, err := s.manager.Connect(r.Context(), id)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       sess.ID,
		"agent":    sess.Agent,
		"status":   sess.Status,
		"restored": restored,
	})
}

func (s *Server) listResumable(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.ListResumable(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "listing resumable sessions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "session store unavailable")
		return
	}

	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	total, err := s.store.CountMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "session store unavailable")
		return
	}
	messages, err := s.store.ListMessages(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "session store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// replayEvents serves the bounded reconnect-replay path: persisted
// events after a client-supplied sequence number, ascending.
func (s *Server) replayEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	afterSeq := int64(queryInt(r, "afterSeq", 0))
	events, err := s.store.ListEventsAfter(r.Context(), id, afterSeq)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "session store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  len(events),
	})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
