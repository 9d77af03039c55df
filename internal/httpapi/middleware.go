package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/codegraphrag/codegraphrag-server/internal/envelope"
)

// withMiddleware wraps a handler with the common pipeline every endpoint
// shares: correlation id assignment, timing, request entry/exit logging,
// CORS preflight handling, and panic safety. Per-endpoint dispatch logic
// lives entirely in the wrapped function.
func (s *Server) withMiddleware(next func(w http.ResponseWriter, r *http.Request, requestID string, startedAt time.Time)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.handleCORSPreflight(w, r) {
			return
		}

		requestID := correlationID(r)
		w.Header().Set("X-Request-Id", requestID)
		s.applyCORSHeaders(w, r)

		if s.limiter != nil && !s.limiter.Allow() {
			env, status := envelope.Failure(envelope.CodeRateLimited, "rate limit exceeded", requestID)
			writeJSON(w, status, env)
			return
		}

		startedAt := time.Now()
		ctx := context.WithValue(r.Context(), requestIDContextKey, requestID)
		r = r.WithContext(ctx)

		s.logger.Info(ctx, "request received", "request_id", requestID, "method", r.Method, "path", r.URL.Path)

		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error(ctx, "panic recovered in dispatcher", "request_id", requestID, "panic", rec)
				env, status := envelope.Failure(envelope.CodeInternalError, "internal error", requestID)
				writeJSON(w, status, env)
			}
		}()

		next(w, r, requestID, startedAt)

		s.logger.Info(ctx, "request completed", "request_id", requestID, "elapsed_ms", time.Since(startedAt).Milliseconds())
	}
}

// correlationID resolves the request's correlation id: a valid UUID in the
// X-Request-Id header is used for every method, otherwise a new one is
// generated. On POST /call-tool a request_id body field takes precedence
// and is applied by handleCallTool after this middleware runs.
func correlationID(r *http.Request) string {
	if header := r.Header.Get("X-Request-Id"); header != "" {
		if _, err := uuid.Parse(header); err == nil {
			return header
		}
	}
	return uuid.New().String()
}

func (s *Server) handleCORSPreflight(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodOptions {
		return false
	}
	if !s.settings.Security.CORS.Enabled {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	origin := r.Header.Get("Origin")
	if corsOriginAllowed(origin, s.settings.Security.CORS.AllowedOrigins) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

func (s *Server) applyCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if !s.settings.Security.CORS.Enabled {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if corsOriginAllowed(origin, s.settings.Security.CORS.AllowedOrigins) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonEncode(w, body)
}
