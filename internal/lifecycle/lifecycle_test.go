package lifecycle_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraphrag/codegraphrag-server/internal/config"
	"github.com/codegraphrag/codegraphrag-server/internal/health"
	"github.com/codegraphrag/codegraphrag-server/internal/httpapi"
	"github.com/codegraphrag/codegraphrag-server/internal/lifecycle"
	"github.com/codegraphrag/codegraphrag-server/internal/metrics"
	"github.com/codegraphrag/codegraphrag-server/internal/registry"
)

func freeSettings(t *testing.T) *config.Settings {
	t.Helper()
	return &config.Settings{
		Service: config.ServiceSettings{Name: "code-graph-rag", Port: 0, Host: "127.0.0.1"},
		Server:  config.ServerSettings{Workers: 2, TimeoutSeconds: 1, GracefulShutdownSeconds: 1},
		Monitoring: config.MonitoringSettings{HealthCheckIntervalSeconds: 30},
		Security: config.SecuritySettings{RateLimit: 60},
	}
}

func TestRun_BindsServesAndShutsDownCleanly(t *testing.T) {
	settings := freeSettings(t)
	// Bind to an ephemeral free port to avoid clashing with other tests.
	settings.Service.Port = freePort(t)

	reg := registry.New()
	require.NoError(t, reg.Register("query_callers", "finds callers", map[string]any{"type": "object", "properties": map[string]any{}}, func(ctx context.Context, args map[string]any) (any, error) {
		return "ok", nil
	}))
	reg.Freeze()

	prober := health.New(time.Hour, time.Second, nil, nil)
	server := httpapi.New(reg, prober, settings, nil, metrics.NewNoop(), "0.1.0")

	closed := false
	controller := lifecycle.New(settings, server, prober, nil, func() error {
		closed = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- controller.Run(ctx) }()

	waitForServing(t, settings.Service.Port)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/tools", settings.Service.Port))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	cancel()

	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.True(t, closed, "closeDependencies must be called during shutdown")
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func waitForServing(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/tools", port))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never started serving")
}
