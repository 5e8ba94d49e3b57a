package gateway

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/tom-assistant/tom/internal/observability"
)

// requestIDHeader carries the correlation id to upstreams and back to the
// client.
const requestIDHeader = "X-Request-Id"

// withRequestID tags every request with a correlation id, reusing the
// client-supplied one when present.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := observability.AddRequestID(r.Context(), requestID)
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
