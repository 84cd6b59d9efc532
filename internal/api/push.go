package api

import (
	"encoding/json"
	"net/http"

	"github.com/imaginglake/backend/internal/faults"
	"github.com/imaginglake/backend/internal/pipeline"
)

// handlePush receives the transport's push envelope. Status codes drive the
// transport's redelivery: 2xx and 4xx acknowledge the message, 5xx triggers
// redelivery and, after attempt exhaustion, the dead-letter table.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var env pipeline.PushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, r, faults.BadSchema("decode push envelope: %v", err))
		return
	}

	err := s.Dispatcher.Dispatch(r.Context(), &env)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	switch {
	case faults.KindOf(err) == faults.KindBadSchema:
		writeError(w, r, err)
	case faults.Retryable(err):
		writeError(w, r, err)
	default:
		// Permanent processing failures are acknowledged so the transport
		// stops redelivering; the classification is kept in the logs.
		s.Logger.Error("push permanently failed, acknowledging",
			"message", env.Message.MessageID,
			"status", faults.StatusOf(err),
			"error", err,
		)
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "acknowledged",
			"error":  err.Error(),
		})
	}
}
