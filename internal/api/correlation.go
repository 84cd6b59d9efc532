package api

import (
	"context"
	"net/http"
	"time"

	"github.com/imaginglake/backend/internal/wsbridge"
)

type correlationKey struct{}

// Correlation identifies the WS message a loopback request originated from.
type Correlation struct {
	ConnectionID string
	MessageID    string
	Action       string
}

func correlationFrom(ctx context.Context) (Correlation, bool) {
	corr, ok := ctx.Value(correlationKey{}).(Correlation)
	return corr, ok
}

// correlationMiddleware verifies the WS bridge headers. A valid signature
// attaches the correlation to the request context for log and error-envelope
// use. An invalid or missing signature never fails the request: it proceeds
// without trusted correlation, so external clients cannot forge a loopback
// identity but are also not locked out of the admin surface.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connID := r.Header.Get(wsbridge.HeaderConnectionID)
		msgID := r.Header.Get(wsbridge.HeaderMessageID)
		action := r.Header.Get(wsbridge.HeaderAction)
		sig := r.Header.Get(wsbridge.HeaderSignature)

		if connID != "" && msgID != "" && action != "" && sig != "" &&
			s.Correlator.Verify(connID, msgID, action, sig) {
			ctx := context.WithValue(r.Context(), correlationKey{}, Correlation{
				ConnectionID: connID,
				MessageID:    msgID,
				Action:       action,
			})
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if corr, ok := correlationFrom(r.Context()); ok {
			attrs = append(attrs, "ws_conn", corr.ConnectionID, "ws_msg", corr.MessageID, "ws_action", corr.Action)
		}
		s.Logger.Debug("http request", attrs...)
	})
}
