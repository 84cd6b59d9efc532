package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/imaginglake/backend/internal/faults"
)

// errorBody is the envelope every failing route returns.
type errorBody struct {
	Code      int    `json:"code"`
	MessageID string `json:"messageId"`
	Reason    string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps err through the fault taxonomy and emits the envelope. The
// messageId echoes the WS correlation id when the request came through the
// bridge, otherwise a fresh id for log lookup.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := faults.StatusOf(err)
	writeJSON(w, status, errorBody{
		Code:      status,
		MessageID: requestMessageID(r),
		Reason:    err.Error(),
	})
}

func requestMessageID(r *http.Request) string {
	if corr, ok := correlationFrom(r.Context()); ok {
		return corr.MessageID
	}
	return uuid.NewString()
}
