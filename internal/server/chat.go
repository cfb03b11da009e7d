package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/yansir/grok-relay/internal/auth"
	"github.com/yansir/grok-relay/internal/openai"
	"github.com/yansir/grok-relay/internal/relay"
)

// handleChatCompletions validates the inbound body and hands it to the
// coordinator. Validation failures never touch the session pool.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := "req_" + uuid.New().String()
	keyInfo := auth.GetKeyInfo(r.Context())
	userID := ""
	if keyInfo != nil {
		userID = keyInfo.ID
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxRequestBodyMB)<<20))
	if err != nil {
		relay.WriteError(w, relay.NewAPIError(relay.ErrTypeValidation, http.StatusBadRequest,
			"request body unreadable or too large", requestID))
		return
	}

	var req openai.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		relay.WriteError(w, relay.NewAPIError(relay.ErrTypeValidation, http.StatusBadRequest,
			"invalid JSON body", requestID))
		return
	}
	if err := req.Validate(); err != nil {
		relay.WriteError(w, relay.NewAPIError(relay.ErrTypeValidation, http.StatusBadRequest,
			err.Error(), requestID))
		return
	}

	var streamStarted bool
	var startStream relay.StreamStarter
	if req.Stream {
		startStream = func() (*openai.StreamWriter, error) {
			sw, err := openai.NewStreamWriter(w, req.Model)
			if err == nil {
				streamStarted = true
			}
			return sw, err
		}
	}

	completion, apiErr := s.coordinator.Handle(r.Context(), requestID, userID, &req, startStream)
	if apiErr != nil {
		if streamStarted {
			// Headers are gone; the truncated stream is the signal.
			return
		}
		relay.WriteError(w, apiErr)
		return
	}
	if completion == nil {
		// Streamed responses are fully written by the coordinator.
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(completion)
}
