package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraphrag/codegraphrag-server/internal/config"
	"github.com/codegraphrag/codegraphrag-server/internal/envelope"
	"github.com/codegraphrag/codegraphrag-server/internal/health"
	"github.com/codegraphrag/codegraphrag-server/internal/httpapi"
	"github.com/codegraphrag/codegraphrag-server/internal/metrics"
	"github.com/codegraphrag/codegraphrag-server/internal/registry"
)

func testSettings() *config.Settings {
	return &config.Settings{
		Service: config.ServiceSettings{Name: "code-graph-rag", Port: 8080, Host: "0.0.0.0"},
		Server:  config.ServerSettings{Workers: 4, TimeoutSeconds: 1, GracefulShutdownSeconds: 5},
		Monitoring: config.MonitoringSettings{HealthCheckIntervalSeconds: 30},
		Security: config.SecuritySettings{RateLimit: 60, CORS: config.CORSSettings{Enabled: true, AllowedOrigins: []string{"http://localhost:*"}}},
	}
}

func callersSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"symbol": map[string]any{"type": "string"}},
		"required":   []any{"symbol"},
	}
}

func newTestServer(t *testing.T) (*httpapi.Server, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register("query_callers", "finds callers", callersSchema(), func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"callers": []string{"main"}}, nil
	}))
	require.NoError(t, reg.Register("slow_tool", "never returns in time", map[string]any{"type": "object", "properties": map[string]any{}}, func(ctx context.Context, args map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, reg.Register("failing_tool", "always fails", map[string]any{"type": "object", "properties": map[string]any{}}, func(ctx context.Context, args map[string]any) (any, error) {
		return nil, envelope.NewExecutionError("dependency rejected the query")
	}))
	reg.Freeze()

	prober := health.New(time.Hour, time.Second, nil, nil)
	s := httpapi.New(reg, prober, testSettings(), nil, metrics.NewNoop(), "0.1.0")
	return s, reg
}

func TestHandleTools_InitializingReturns503(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestHandleTools_ReturnsSortedServiceInfo(t *testing.T) {
	s, _ := newTestServer(t)
	s.Ready()

	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var info httpapi.ServiceInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "code-graph-rag", info.Service)
	require.Len(t, info.Tools, 3)
	assert.Equal(t, "failing_tool", info.Tools[0].Name)
	assert.Equal(t, "query_callers", info.Tools[1].Name)
	assert.Equal(t, "slow_tool", info.Tools[2].Name)
}

func postCallTool(t *testing.T, s *httpapi.Server, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/call-tool", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleCallTool_Success(t *testing.T) {
	s, _ := newTestServer(t)
	s.Ready()

	rec := postCallTool(t, s, map[string]any{"tool": "query_callers", "arguments": map[string]any{"symbol": "main"}})

	require.Equal(t, http.StatusOK, rec.Code)
	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)
	require.NotNil(t, env.Meta)
	require.NotNil(t, env.Meta.ExecutionTimeMs)
	_, err := uuid.Parse(env.RequestID)
	assert.NoError(t, err)
}

func TestHandleCallTool_UnknownToolNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	s.Ready()

	rec := postCallTool(t, s, map[string]any{"tool": "does_not_exist", "arguments": map[string]any{}})

	require.Equal(t, http.StatusNotFound, rec.Code)
	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, envelope.CodeToolNotFound, env.Code)
}

func TestHandleCallTool_InvalidArguments(t *testing.T) {
	s, _ := newTestServer(t)
	s.Ready()

	rec := postCallTool(t, s, map[string]any{"tool": "query_callers", "arguments": map[string]any{}})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, envelope.CodeInvalidArguments, env.Code)
}

func TestHandleCallTool_InvalidRequestIDRejected(t *testing.T) {
	s, _ := newTestServer(t)
	s.Ready()

	rec := postCallTool(t, s, map[string]any{"tool": "query_callers", "arguments": map[string]any{"symbol": "main"}, "request_id": "not-a-uuid"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, envelope.CodeInvalidArguments, env.Code)
}

func TestHandleCallTool_DeadlineExceededIsTimeout(t *testing.T) {
	s, _ := newTestServer(t)
	s.Ready()

	rec := postCallTool(t, s, map[string]any{"tool": "slow_tool", "arguments": map[string]any{}})

	require.Equal(t, http.StatusRequestTimeout, rec.Code)
	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, envelope.CodeTimeout, env.Code)
	require.NotNil(t, env.Meta)
	require.NotNil(t, env.Meta.ExecutionTimeMs)
}

func TestHandleCallTool_HandlerErrorIsExecutionError(t *testing.T) {
	s, _ := newTestServer(t)
	s.Ready()

	rec := postCallTool(t, s, map[string]any{"tool": "failing_tool", "arguments": map[string]any{}})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, envelope.CodeExecutionError, env.Code)
	assert.Equal(t, "dependency rejected the query", env.Error)
}

func TestHandleCallTool_NotServingReturnsServiceUnavailable(t *testing.T) {
	s, _ := newTestServer(t)
	// Deliberately skip Ready(): server remains StateInitializing.

	rec := postCallTool(t, s, map[string]any{"tool": "query_callers", "arguments": map[string]any{"symbol": "main"}})

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleHealth_ReportsUnavailableWhileShuttingDown(t *testing.T) {
	s, _ := newTestServer(t)
	s.Ready()
	s.BeginShutdown()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp httpapi.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
}

func TestHandleHealth_HealthyWithNoDependencies(t *testing.T) {
	s, _ := newTestServer(t)
	s.Ready()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp httpapi.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Empty(t, resp.Dependencies)
}

func TestCORSPreflight_DisallowedOriginNoHeaders(t *testing.T) {
	s, _ := newTestServer(t)
	s.Ready()

	req := httptest.NewRequest(http.MethodOptions, "/tools", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight_WildcardPortAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	s.Ready()

	req := httptest.NewRequest(http.MethodOptions, "/tools", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestInFlight_ReturnsToZeroAfterRequest(t *testing.T) {
	s, _ := newTestServer(t)
	s.Ready()

	postCallTool(t, s, map[string]any{"tool": "query_callers", "arguments": map[string]any{"symbol": "main"}})
	assert.Equal(t, int64(0), s.InFlight())
}
