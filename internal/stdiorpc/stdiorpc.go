// Package stdiorpc implements the transport-agnostic companion mentioned in
// the HTTP dispatcher's discovery contract: a newline-delimited JSON-RPC
// loop over stdin/stdout that dispatches through the same Tool Registry and
// the same schema-validate-then-execute-under-deadline pipeline the HTTP
// transport uses, so the two transports never drift on tool catalog or
// argument contract. Framing is grounded on other_examples's BeadsLog
// Request{Operation,Args,RequestID}/Response{Success,Data,Error} wire shape,
// generalized to the method/params/id naming JSON-RPC callers expect.
package stdiorpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/codegraphrag/codegraphrag-server/internal/envelope"
	"github.com/codegraphrag/codegraphrag-server/internal/registry"
	"github.com/codegraphrag/codegraphrag-server/internal/telemetry"
)

// Request is one line of input: a tool invocation addressed by method name,
// with arguments carried as raw JSON so malformed argument payloads surface
// as an INVALID_ARGUMENTS-equivalent RPC error rather than a decode panic.
type Request struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one line of output. Exactly one of Result or Error is set,
// mirroring the Envelope invariant the HTTP transport enforces.
type Response struct {
	ID     string    `json:"id,omitempty"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// RPCError mirrors the dispatcher's envelope.Code taxonomy under JSON-RPC's
// code/message/data shape so both transports report the same seven
// outcomes, just spelled differently on the wire.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		Classification string `json:"classification"`
	} `json:"data,omitempty"`
}

// codeToRPC maps the dispatcher's fixed error taxonomy onto JSON-RPC 2.0's
// reserved code ranges where a natural fit exists, and to the -32000..-32099
// "server error" band otherwise.
func codeToRPC(code envelope.Code) int {
	switch code {
	case envelope.CodeToolNotFound:
		return -32601 // Method not found
	case envelope.CodeInvalidArguments:
		return -32602 // Invalid params
	case envelope.CodeTimeout:
		return -32000
	case envelope.CodeServiceUnavailable:
		return -32001
	case envelope.CodeExecutionError:
		return -32002
	default:
		return -32603 // Internal error
	}
}

// Server dispatches Request lines read from an io.Reader to the shared
// registry and writes one Response line per request to an io.Writer. It
// carries its own readiness gate so main.go can construct it before the
// dependency probe has run its first cycle.
type Server struct {
	registry *registry.Registry
	logger   telemetry.Logger
	timeout  time.Duration
	ready    atomic.Bool
}

// New constructs a Server bound to reg. reg must already be frozen.
// timeout bounds every dispatched call exactly like the HTTP transport's
// server.timeout setting.
func New(reg *registry.Registry, logger telemetry.Logger, timeout time.Duration) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{registry: reg, logger: logger, timeout: timeout}
}

// Ready marks the server as willing to accept dispatch. Serve rejects
// requests with SERVICE_UNAVAILABLE until this is called, matching the
// HTTP transport's StateInitializing gate.
func (s *Server) Ready() { s.ready.Store(true) }

// Serve reads newline-delimited Request objects from r until EOF or ctx is
// canceled, dispatching each through the registry and writing a Response
// line to w. It returns nil on clean EOF; a malformed line produces an
// error Response on the wire rather than terminating the loop.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if encErr := enc.Encode(Response{Error: &RPCError{Code: -32700, Message: "parse error: malformed JSON"}}); encErr != nil {
				return encErr
			}
			continue
		}

		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio read failed: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	if !s.ready.Load() {
		return errorResponse(id, envelope.CodeServiceUnavailable, "server is not accepting requests")
	}

	handler, ok := s.registry.Get(req.Method)
	if !ok {
		return errorResponse(id, envelope.CodeToolNotFound, fmt.Sprintf("tool not found: %s", req.Method))
	}

	arguments, err := decodeArguments(req.Params)
	if err != nil {
		return errorResponse(id, envelope.CodeInvalidArguments, err.Error())
	}

	if err := s.registry.Validate(req.Method, arguments); err != nil {
		return errorResponse(id, envelope.CodeInvalidArguments, err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, handlerErr := s.invokeHandler(callCtx, handler, arguments)
	if handlerErr == nil {
		return Response{ID: id, Result: result}
	}

	code, _, message := envelope.MapException(handlerErr)
	if errors.Is(handlerErr, context.DeadlineExceeded) {
		message = fmt.Sprintf("handler exceeded the configured %s time budget", s.timeout)
	}
	if code == envelope.CodeExecutionError {
		s.logger.Error(ctx, "tool handler failed", "request_id", id, "tool", req.Method, "cause", handlerErr.Error())
	}
	return errorResponse(id, code, message)
}

func (s *Server) invokeHandler(ctx context.Context, handler registry.Handler, arguments map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error(ctx, "panic recovered in tool handler", "cause", fmt.Sprintf("%v", rec))
			err = envelope.NewExecutionError("tool handler panicked")
		}
	}()
	return handler(ctx, arguments)
}

func decodeArguments(params json.RawMessage) (map[string]any, error) {
	if len(params) == 0 {
		return map[string]any{}, nil
	}
	var arguments map[string]any
	if err := json.Unmarshal(params, &arguments); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return arguments, nil
}

func errorResponse(id string, code envelope.Code, message string) Response {
	return Response{
		ID: id,
		Error: &RPCError{
			Code:    codeToRPC(code),
			Message: message,
			Data: &struct {
				Classification string `json:"classification"`
			}{Classification: string(code)},
		},
	}
}
