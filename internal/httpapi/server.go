// Package httpapi implements the HTTP Dispatcher: the single routing layer
// exposing GET /tools, POST /call-tool, GET /health, and (when enabled) an
// additive GET /metrics. It owns per-request correlation-id assignment,
// request-scoped logging, per-call timeout enforcement, error mapping, and
// in-flight concurrency accounting. Grounded on the teacher's error-mapping
// boundary in registry/service.go and the graceful-listener shape in
// registry/registry.go's Run, adapted from a gRPC server to net/http.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/codegraphrag/codegraphrag-server/internal/config"
	"github.com/codegraphrag/codegraphrag-server/internal/health"
	"github.com/codegraphrag/codegraphrag-server/internal/metrics"
	"github.com/codegraphrag/codegraphrag-server/internal/registry"
	"github.com/codegraphrag/codegraphrag-server/internal/telemetry"
)

// State is the subset of the lifecycle state machine the dispatcher reads
// to decide readiness. The Lifecycle Controller owns all transitions.
type State int32

const (
	StateInitializing State = iota
	StateServing
	StateShuttingDown
)

// ServiceInfo is the GET /tools response payload.
type ServiceInfo struct {
	Service string                 `json:"service"`
	Version string                 `json:"version"`
	Tools   []registry.ToolSchema  `json:"tools"`
}

// HealthResponse is the GET /health response payload.
type HealthResponse struct {
	Status        string                      `json:"status"`
	Service       string                      `json:"service"`
	Version       string                      `json:"version"`
	UptimeSeconds int64                       `json:"uptime_seconds"`
	Dependencies  map[string]DependencyStatus `json:"dependencies"`
	Timestamp     string                      `json:"timestamp"`
}

// DependencyStatus is the wire shape of one entry in HealthResponse.Dependencies.
type DependencyStatus struct {
	Status    string `json:"status"`
	LatencyMs *int64 `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CallToolRequest is the POST /call-tool request body.
type CallToolRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	RequestID string         `json:"request_id,omitempty"`
}

// Server is the HTTP Dispatcher. Construct with New, populate the registry
// and start the probe before calling Ready, then hand Handler() to an
// http.Server.
type Server struct {
	registry       *registry.Registry
	prober         *health.Prober
	settings       *config.Settings
	logger         telemetry.Logger
	metrics        *metrics.Recorder
	serviceVersion string

	state     atomic.Int32
	inFlight  atomic.Int64
	bindTime  atomic.Int64 // unix nanos, 0 until Ready is called
	mux       *http.ServeMux

	// limiter enforces security.rate_limit as a process-wide token bucket.
	// The setting's own docs leave per-IP/per-API-key scoping an open
	// question; this version enforces a single process-wide budget, the
	// narrowest policy that still makes the validated setting do something
	// (see DESIGN.md).
	limiter *rate.Limiter
}

// New constructs a Server in StateInitializing. Call Ready once the
// listener is bound to begin serving /call-tool and to record the uptime
// origin for /health.
func New(reg *registry.Registry, prober *health.Prober, settings *config.Settings, logger telemetry.Logger, rec *metrics.Recorder, serviceVersion string) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &Server{
		registry:       reg,
		prober:         prober,
		settings:       settings,
		logger:         logger,
		metrics:        rec,
		serviceVersion: serviceVersion,
	}
	s.state.Store(int32(StateInitializing))

	if settings.Security.RateLimit > 0 {
		perSecond := float64(settings.Security.RateLimit) / 60.0
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), settings.Security.RateLimit)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/tools", s.withMiddleware(s.handleTools))
	mux.HandleFunc("/call-tool", s.withMiddleware(s.handleCallTool))
	mux.HandleFunc("/health", s.withMiddleware(s.handleHealth))
	if settings.Monitoring.MetricsEnabled && rec != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(rec.Registry(), promhttp.HandlerOpts{}))
	}
	s.mux = mux
	return s
}

// Handler returns the composed http.Handler for this server.
func (s *Server) Handler() http.Handler { return s.mux }

// Ready transitions the server to StateServing and records the uptime
// origin. Call it exactly once, immediately after the listener binds.
func (s *Server) Ready() {
	s.bindTime.Store(time.Now().UnixNano())
	s.state.Store(int32(StateServing))
}

// BeginShutdown transitions the server to StateShuttingDown. Already
// in-flight requests are unaffected; new /call-tool requests receive
// SERVICE_UNAVAILABLE, /health reports status "unavailable", and /tools
// keeps answering 200.
func (s *Server) BeginShutdown() {
	s.state.Store(int32(StateShuttingDown))
}

// InFlight returns the number of requests currently executing a tool
// handler. The Lifecycle Controller polls this during graceful drain.
func (s *Server) InFlight() int64 { return s.inFlight.Load() }

func (s *Server) currentState() State { return State(s.state.Load()) }

// corsOriginAllowed reports whether origin matches one of the configured
// patterns, each of which may contain a single trailing "*" wildcard on the
// port component (e.g. "http://localhost:*").
func corsOriginAllowed(origin string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern == origin {
			return true
		}
		if strings.HasSuffix(pattern, "*") {
			prefix := strings.TrimSuffix(pattern, "*")
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		}
	}
	return false
}

type contextKey string

const requestIDContextKey contextKey = "request_id"

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}
