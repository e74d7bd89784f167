// SPDX-License-Identifier: MIT

package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/harmonyhub/harmony/internal/fault"
	"github.com/harmonyhub/harmony/internal/log"
)

// tracing wraps the API routes with OpenTelemetry server spans. With
// telemetry disabled the global provider is a noop, so the wrapper
// costs nothing.
func tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "harmony.api",
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return operation + " " + r.Method + " " + r.URL.Path
		}),
	)
}

// requestID attaches a request id to the context and echoes it back.
// Caller-supplied ids are kept so clients can correlate across hops.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

// accessLog emits one service.call event per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger := log.WithContext(r.Context(), s.log)
		logger.Info().
			Str("event", "service.call").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Int64("duration_ms", s.now().Sub(start).Milliseconds()).
			Msg("request served")
	})
}

// bearerAuth rejects requests without the configured token. Comparison
// is constant time so the token cannot be probed byte by byte.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="harmony"`)
			writeCode(w, http.StatusUnauthorized, fault.CodeValidation, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeCode renders an error envelope with an explicit transport status,
// for cases like auth where the status is not derivable from the code.
func writeCode(w http.ResponseWriter, status int, code fault.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(fault.Envelope{
		OK:    false,
		Error: &fault.EnvelopeError{Code: code, Message: message},
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// noStore marks mutating responses uncacheable.
func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
}
