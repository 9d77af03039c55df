// Package lifecycle implements the Lifecycle Controller: the strictly
// ordered startup sequence, signal handling, and bounded graceful shutdown
// that bind the other five components into one running process. Grounded
// on the teacher's registry/registry.go Run method (bind-before-serve,
// signal select loop, GracefulStop-then-Close teardown), adapted from a
// gRPC server to an http.Server plus an independent dependency prober.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/codegraphrag/codegraphrag-server/internal/config"
	"github.com/codegraphrag/codegraphrag-server/internal/health"
	"github.com/codegraphrag/codegraphrag-server/internal/httpapi"
	"github.com/codegraphrag/codegraphrag-server/internal/telemetry"
)

// Controller owns the bound listener, the HTTP server, and the dependency
// prober for one process lifetime. Construct via New, call Run to block
// until a shutdown signal arrives or ctx is canceled.
type Controller struct {
	settings *config.Settings
	server   *httpapi.Server
	prober   *health.Prober
	logger   telemetry.Logger

	// closeDependencies releases the graph-store handle (and any other
	// dependency client) established during startup. Called last, after
	// the prober has stopped.
	closeDependencies func() error

	shutdownOnce sync.Once
}

// New constructs a Controller. server and prober must already have their
// tools/dependencies registered; Run calls server.Ready() and prober.Start
// itself, in the order the spec's startup sequence requires.
func New(settings *config.Settings, server *httpapi.Server, prober *health.Prober, logger telemetry.Logger, closeDependencies func() error) *Controller {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if closeDependencies == nil {
		closeDependencies = func() error { return nil }
	}
	return &Controller{
		settings:          settings,
		server:            server,
		prober:            prober,
		logger:            logger,
		closeDependencies: closeDependencies,
	}
}

// Run executes steps 3-5 of the startup sequence (steps 1-2, config and
// registry construction, happen in the caller before New is called), binds
// the listener, starts the dependency probe, transitions to serving, and
// blocks until SIGINT, SIGTERM, SIGHUP, or ctx is canceled. It then runs
// the bounded graceful-shutdown sequence and returns an error only if the
// process should exit non-zero.
func (c *Controller) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.settings.Service.Host, c.settings.Service.Port)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("bind listener on %s: %w", addr, err)
	}

	probeCtx, cancelProbe := context.WithCancel(context.Background())
	defer cancelProbe()
	c.prober.Start(probeCtx)

	c.server.Ready()
	c.logger.Info(ctx, "server started",
		"service", c.settings.Service.Name,
		"address", addr,
		"workers", c.settings.Server.Workers,
		"timeout_seconds", c.settings.Server.TimeoutSeconds,
		"metrics_enabled", c.settings.Monitoring.MetricsEnabled,
	)

	httpServer := &http.Server{
		Handler:           c.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Duration(c.settings.Server.TimeoutSeconds+5) * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
	case <-sigCh:
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancelProbe()
			c.prober.Stop()
			_ = c.closeDependencies()
			return fmt.Errorf("listener serve failed: %w", err)
		}
	}

	return c.shutdown(httpServer, cancelProbe)
}

func (c *Controller) shutdown(httpServer *http.Server, cancelProbe context.CancelFunc) error {
	var shutdownErr error
	c.shutdownOnce.Do(func() {
		ctx := context.Background()
		c.server.BeginShutdown()

		deadline := time.Now().Add(time.Duration(c.settings.Server.GracefulShutdownSeconds) * time.Second)
		drainCtx, cancelDrain := context.WithDeadline(ctx, deadline)
		defer cancelDrain()

		// A second termination signal MUST NOT lengthen the deadline, only
		// (optionally) shorten it: watch for one unconditionally, for the
		// whole drain window, regardless of which signal triggered shutdown
		// in the first place.
		abortCh := make(chan os.Signal, 1)
		signal.Notify(abortCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(abortCh)
		stopWatch := make(chan struct{})
		defer close(stopWatch)
		go func() {
			select {
			case <-abortCh:
				c.logger.Warn(ctx, "second termination signal received, aborting drain immediately")
				cancelDrain()
			case <-stopWatch:
			}
		}()

		if err := httpServer.Shutdown(drainCtx); err != nil {
			c.logger.Warn(ctx, "forced listener close after drain deadline", "error", err.Error())
			_ = httpServer.Close()
		}

		leaked := c.server.InFlight()
		if leaked > 0 {
			c.logger.Warn(ctx, "in-flight requests remained after drain deadline", "count", leaked)
		}

		cancelProbe()
		c.prober.Stop()

		if err := c.closeDependencies(); err != nil {
			c.logger.Error(ctx, "failed to release dependency handle", "error", err.Error())
			shutdownErr = err
			return
		}

		if leaked > 0 {
			shutdownErr = fmt.Errorf("graceful shutdown exceeded deadline with %d in-flight request(s)", leaked)
		}
	})
	return shutdownErr
}
