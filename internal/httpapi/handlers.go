package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/codegraphrag/codegraphrag-server/internal/envelope"
	"github.com/codegraphrag/codegraphrag-server/internal/health"
	"github.com/codegraphrag/codegraphrag-server/internal/registry"
)

func jsonEncode(w io.Writer, body any) error {
	enc := json.NewEncoder(w)
	return enc.Encode(body)
}

var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// handleTools serves GET /tools. §4.E: a few milliseconds excluding
// serialization; no dependency is contacted.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request, requestID string, startedAt time.Time) {
	if s.currentState() == StateInitializing {
		w.Header().Set("Retry-After", "5")
		env, status := envelope.Failure(envelope.CodeServiceUnavailable, "server is still initializing", requestID)
		writeJSON(w, status, env)
		return
	}

	info := ServiceInfo{
		Service: s.settings.Service.Name,
		Version: s.serviceVersion,
		Tools:   s.registry.List(),
	}
	writeJSON(w, http.StatusOK, info)
}

// handleCallTool serves POST /call-tool, implementing the six-step
// dispatch pipeline from §4.E in order.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request, requestID string, startedAt time.Time) {
	// Step 1: parse & correlate.
	var req CallToolRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		env, status := envelope.Failure(envelope.CodeInvalidArguments, "failed to read request body", requestID)
		writeJSON(w, status, env)
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		env, status := envelope.Failure(envelope.CodeInvalidArguments, "malformed JSON body", requestID)
		writeJSON(w, status, env)
		return
	}
	if req.RequestID != "" {
		if _, err := uuid.Parse(req.RequestID); err != nil {
			env, status := envelope.Failure(envelope.CodeInvalidArguments, "request_id is not a valid UUID", requestID)
			writeJSON(w, status, env)
			return
		}
		if req.RequestID != requestID {
			s.logger.Warn(r.Context(), "request_id mismatch between header and body", "header_request_id", requestID, "body_request_id", req.RequestID)
		}
		requestID = req.RequestID
		w.Header().Set("X-Request-Id", requestID)
	}
	if !toolNamePattern.MatchString(req.Tool) {
		env, status := envelope.Failure(envelope.CodeInvalidArguments, "tool must match ^[a-z][a-z0-9_]*$", requestID)
		writeJSON(w, status, env)
		return
	}

	// Step 2: readiness.
	if s.currentState() != StateServing {
		env, status := envelope.Failure(envelope.CodeServiceUnavailable, "server is not accepting requests", requestID)
		writeJSON(w, status, env)
		return
	}

	// Step 3: lookup.
	handler, ok := s.registry.Get(req.Tool)
	if !ok {
		env, status := envelope.Failure(envelope.CodeToolNotFound, fmt.Sprintf("tool not found: %s", req.Tool), requestID)
		writeJSON(w, status, env)
		s.recordOutcome(req.Tool, "tool_not_found", 0)
		return
	}

	// Step 4: validate arguments.
	if err := s.registry.Validate(req.Tool, req.Arguments); err != nil {
		env, status := envelope.Failure(envelope.CodeInvalidArguments, err.Error(), requestID)
		writeJSON(w, status, env)
		s.recordOutcome(req.Tool, "invalid_arguments", 0)
		return
	}

	// Step 5: execute under deadline.
	timeout := time.Duration(s.settings.Server.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	s.inFlight.Add(1)
	s.metrics.SetInFlight(s.inFlight.Load())
	handlerStart := time.Now()
	result, handlerErr := s.invokeHandler(ctx, handler, req.Arguments)
	elapsed := time.Since(handlerStart)
	s.inFlight.Add(-1)
	s.metrics.SetInFlight(s.inFlight.Load())

	// Step 6: outcome mapping.
	if handlerErr == nil {
		env := envelope.Success(result, requestID, handlerStart)
		writeJSON(w, http.StatusOK, env)
		s.recordOutcome(req.Tool, "success", elapsed)
		return
	}

	code, status, message := envelope.MapException(handlerErr)
	env, status := envelope.Failure(code, message, requestID)
	if errors.Is(handlerErr, context.DeadlineExceeded) {
		env = envelope.WithExecutionTime(env, elapsed)
	}
	if code == envelope.CodeExecutionError {
		s.logger.Error(r.Context(), "tool handler failed", "request_id", requestID, "tool", req.Tool, "cause", handlerErr.Error())
	}
	writeJSON(w, status, env)
	s.recordOutcome(req.Tool, string(code), elapsed)
}

// invokeHandler runs a tool handler, converting a recovered panic into an
// EXECUTION_ERROR so the dispatcher never crashes the worker.
func (s *Server) invokeHandler(ctx context.Context, handler registry.Handler, arguments map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error(ctx, "panic recovered in tool handler", "request_id", requestIDFromContext(ctx), "cause", fmt.Sprintf("%v", rec))
			err = envelope.NewExecutionError("tool handler panicked")
		}
	}()
	return handler(ctx, arguments)
}

func (s *Server) recordOutcome(tool, outcome string, elapsed time.Duration) {
	s.metrics.RecordCall(tool, outcome, elapsed)
}

// handleHealth serves GET /health. It never contacts a dependency directly;
// it reads the probe's cached status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, requestID string, startedAt time.Time) {
	snapshot := s.prober.Status()

	overall := snapshot.Overall
	if s.currentState() == StateShuttingDown {
		overall = "unavailable"
	}

	deps := make(map[string]DependencyStatus, len(snapshot.Dependencies))
	for _, dep := range snapshot.Dependencies {
		wire := DependencyStatus{Status: string(dep.State)}
		if dep.State == health.StateConnected {
			latency := dep.LatencyMs
			wire.LatencyMs = &latency
		}
		if dep.LastError != "" {
			wire.Error = dep.LastError
		}
		deps[dep.Name] = wire
	}

	var uptime int64
	if bind := s.bindTime.Load(); bind != 0 {
		uptime = int64(time.Since(time.Unix(0, bind)).Seconds())
	}

	resp := HealthResponse{
		Status:        overall,
		Service:       s.settings.Service.Name,
		Version:       s.serviceVersion,
		UptimeSeconds: uptime,
		Dependencies:  deps,
		Timestamp:     time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	writeJSON(w, http.StatusOK, resp)
}
