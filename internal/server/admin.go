package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/yansir/grok-relay/internal/store"
)

// Admin surface: thin wrappers over the pool operations.

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.pool.List(),
		"stats":    s.pool.Stats(),
	})
}

type createSessionRequest struct {
	Cookie   string         `json:"cookie"`
	Provider string         `json:"provider"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Cookie == "" {
		writeAdminError(w, http.StatusBadRequest, "cookie is required")
		return
	}
	if req.Provider == "" {
		req.Provider = s.cfg.Provider
	}

	row, err := s.pool.Create(r.Context(), req.Cookie, req.Provider, req.Metadata)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeAdminError(w, http.StatusConflict, "a session with this cookie already exists for the provider")
			return
		}
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	row, ok := s.pool.Get(r.PathValue("id"))
	if !ok {
		writeAdminError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleQuarantineSession(w http.ResponseWriter, r *http.Request) {
	s.sessionTransition(w, r, s.pool.Quarantine)
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	s.sessionTransition(w, r, s.pool.Revoke)
}

func (s *Server) handleActivateSession(w http.ResponseWriter, r *http.Request) {
	s.sessionTransition(w, r, s.pool.Activate)
}

func (s *Server) sessionTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	err := op(r.Context(), id)
	switch {
	case err == nil:
		row, _ := s.pool.Get(id)
		writeJSON(w, http.StatusOK, row)
	case errors.Is(err, store.ErrNotFound):
		writeAdminError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrBadTransition):
		writeAdminError(w, http.StatusConflict, err.Error())
	default:
		writeAdminError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{
		"type":    "admin_error",
		"message": msg,
	}})
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	gens, total, err := s.store.ListGenerations(r.Context(), limit, offset)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": gens, "total": total})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.bus.Recent()})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.logHandler.Recent()})
}
