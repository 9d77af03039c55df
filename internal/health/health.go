// Package health implements the Dependency Health Probe: a background
// ping loop per configured dependency, a cached status swap read by the
// HTTP dispatcher's GET /health handler, and the unknown/connected/
// unavailable state machine. It deliberately drops the teacher's
// distributed-ticker/replicated-map machinery (goa.design/pulse) since
// this service runs as a single process with no cluster coordination to
// do; the per-dependency Pinger shape itself is grounded on
// goa.design/clue/health.
package health

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codegraphrag/codegraphrag-server/internal/telemetry"
)

// State is one of the three dependency states the spec's data model names.
type State string

const (
	StateUnknown     State = "unknown"
	StateConnected   State = "connected"
	StateUnavailable State = "unavailable"
)

// Pinger is the per-dependency probe contract. Name identifies the
// dependency in DependencyStatus records; Ping performs one round trip and
// returns a non-nil error on failure (the probe distinguishes a
// context.DeadlineExceeded timeout from any other connection error when
// logging, but both map to StateUnavailable).
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// DependencyStatus is the per-dependency record returned by Status and
// embedded in the aggregate HealthStatus.
type DependencyStatus struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	LatencyMs           int64         `json:"latency_ms,omitempty"`
	LastChecked         time.Time     `json:"last_checked"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// HealthStatus is the aggregate GET /health payload. Overall is "healthy"
// only when every dependency is StateConnected; any unavailable dependency
// degrades the overall service to "degraded" without failing the endpoint.
type HealthStatus struct {
	Overall      string             `json:"overall"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

type entry struct {
	status atomic.Pointer[DependencyStatus]
	pinger Pinger
}

// Prober runs one background goroutine per registered dependency, probing
// it on a fixed interval and caching the latest DependencyStatus for
// lock-free reads by Status. It never blocks a Status call on network I/O.
type Prober struct {
	interval time.Duration
	timeout  time.Duration
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	mu      sync.RWMutex
	entries map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Prober. interval is the steady-state ping cadence;
// timeout bounds each individual Ping call so one slow dependency cannot
// starve the others' probe goroutines.
func New(interval, timeout time.Duration, logger telemetry.Logger, metrics telemetry.Metrics) *Prober {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Prober{
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
		entries:  make(map[string]*entry),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a dependency to the probe set. It must be called before
// Start; dependencies registered after Start do not begin probing until a
// future revision adds dynamic registration (the spec's Non-goals exclude
// hot reload, so none is planned).
func (p *Prober) Register(pinger Pinger) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := &entry{pinger: pinger}
	e.status.Store(&DependencyStatus{
		Name:        pinger.Name(),
		State:       StateUnknown,
		LastChecked: time.Time{},
	})
	p.entries[pinger.Name()] = e
}

// Start launches one probe goroutine per registered dependency. Each
// goroutine performs one synchronous probe immediately (so Status does not
// report every dependency as "unknown" for a full interval after startup)
// and then continues on the configured cadence until ctx is done or Stop is
// called.
func (p *Prober) Start(ctx context.Context) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, e := range p.entries {
		p.wg.Add(1)
		go p.runLoop(ctx, e)
	}
}

// Stop halts every probe goroutine and waits for them to return.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Prober) runLoop(ctx context.Context, e *entry) {
	defer p.wg.Done()

	p.probeOnce(ctx, e)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeOnce(ctx, e)
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, e *entry) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	prev := e.status.Load()
	start := time.Now()
	err := e.pinger.Ping(probeCtx)
	elapsed := time.Since(start)
	now := time.Now().UTC()

	next := &DependencyStatus{
		Name:        e.pinger.Name(),
		LastChecked: now,
	}

	if err == nil {
		next.State = StateConnected
		next.ConsecutiveFailures = 0
		next.LatencyMs = elapsed.Milliseconds()
	} else {
		next.State = StateUnavailable
		next.LastError = err.Error()
		next.ConsecutiveFailures = prev.ConsecutiveFailures + 1
	}
	e.status.Store(next)

	p.metrics.IncCounter("dependency_probe_total", 1, "dependency", e.pinger.Name(), "state", string(next.State))

	if prev.State != next.State {
		if next.State == StateUnavailable {
			p.logger.Warn(ctx, "dependency became unavailable",
				"dependency", e.pinger.Name(),
				"error", next.LastError,
				"timeout", errorsIsDeadline(probeCtx.Err()),
			)
		} else if next.State == StateConnected {
			p.logger.Info(ctx, "dependency recovered", "dependency", e.pinger.Name())
		}
	}
}

func errorsIsDeadline(err error) bool {
	return err == context.DeadlineExceeded
}

// Status returns the current cached HealthStatus across every registered
// dependency, sorted by name for deterministic output. It never performs
// network I/O and never blocks on a probe in flight.
func (p *Prober) Status() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	deps := make([]DependencyStatus, 0, len(names))
	overall := "healthy"
	for _, name := range names {
		status := *p.entries[name].status.Load()
		deps = append(deps, status)
		if status.State != StateConnected {
			overall = "degraded"
		}
	}
	return HealthStatus{Overall: overall, Dependencies: deps}
}
