package health_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraphrag/codegraphrag-server/internal/health"
)

// fakePinger lets tests flip between success and failure without a real
// dependency process.
type fakePinger struct {
	name string
	fail atomic.Bool
}

func (p *fakePinger) Name() string { return p.name }

func (p *fakePinger) Ping(ctx context.Context) error {
	if p.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func waitForState(t *testing.T, prober *health.Prober, name string, want health.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, dep := range prober.Status().Dependencies {
			if dep.Name == name && dep.State == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("dependency %q never reached state %q", name, want)
}

func TestStatus_UnregisteredProberReportsEmpty(t *testing.T) {
	prober := health.New(10*time.Millisecond, 10*time.Millisecond, nil, nil)
	status := prober.Status()
	assert.Equal(t, "healthy", status.Overall)
	assert.Empty(t, status.Dependencies)
}

func TestProbeOnce_TransitionsUnknownToConnected(t *testing.T) {
	prober := health.New(5*time.Millisecond, 50*time.Millisecond, nil, nil)
	prober.Register(&fakePinger{name: "memgraph"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prober.Start(ctx)
	defer prober.Stop()

	waitForState(t, prober, "memgraph", health.StateConnected)
	status := prober.Status()
	assert.Equal(t, "healthy", status.Overall)
}

func TestProbeOnce_FailureDegradesOverall(t *testing.T) {
	fake := &fakePinger{name: "memgraph"}
	fake.fail.Store(true)

	prober := health.New(5*time.Millisecond, 50*time.Millisecond, nil, nil)
	prober.Register(fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prober.Start(ctx)
	defer prober.Stop()

	waitForState(t, prober, "memgraph", health.StateUnavailable)
	status := prober.Status()
	assert.Equal(t, "degraded", status.Overall)

	var dep health.DependencyStatus
	for _, d := range status.Dependencies {
		if d.Name == "memgraph" {
			dep = d
		}
	}
	assert.NotEmpty(t, dep.LastError)
	assert.GreaterOrEqual(t, dep.ConsecutiveFailures, 1)
}

func TestProbeOnce_RecoveryResetsConsecutiveFailures(t *testing.T) {
	fake := &fakePinger{name: "memgraph"}
	fake.fail.Store(true)

	prober := health.New(5*time.Millisecond, 50*time.Millisecond, nil, nil)
	prober.Register(fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prober.Start(ctx)
	defer prober.Stop()

	waitForState(t, prober, "memgraph", health.StateUnavailable)
	fake.fail.Store(false)
	waitForState(t, prober, "memgraph", health.StateConnected)

	for _, dep := range prober.Status().Dependencies {
		if dep.Name == "memgraph" {
			assert.Equal(t, 0, dep.ConsecutiveFailures)
		}
	}
}

// TestOverallReflectsAnyUnavailable is the aggregation law: overall is
// "healthy" iff every dependency is connected, for any mix of dependency
// outcomes.
func TestOverallReflectsAnyUnavailable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("overall is healthy iff no dependency is unavailable", prop.ForAll(
		func(failures []bool) bool {
			prober := health.New(5*time.Millisecond, 50*time.Millisecond, nil, nil)
			pingers := make([]*fakePinger, len(failures))
			for i, fail := range failures {
				name := depName(i)
				pingers[i] = &fakePinger{name: name}
				pingers[i].fail.Store(fail)
				prober.Register(pingers[i])
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			prober.Start(ctx)
			defer prober.Stop()

			anyUnavailable := false
			for _, f := range failures {
				if f {
					anyUnavailable = true
				}
			}

			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				status := prober.Status()
				if len(status.Dependencies) == len(failures) {
					allSettled := true
					for _, dep := range status.Dependencies {
						if dep.State == health.StateUnknown {
							allSettled = false
						}
					}
					if allSettled {
						wantOverall := "healthy"
						if anyUnavailable {
							wantOverall = "degraded"
						}
						return status.Overall == wantOverall
					}
				}
				time.Sleep(5 * time.Millisecond)
			}
			return false
		},
		gen.SliceOfN(3, gen.Bool()),
	))

	properties.TestingRun(t)
}

func depName(i int) string {
	names := []string{"memgraph", "docstore", "anthropic"}
	return names[i%len(names)]
}

func TestStop_WaitsForProbeGoroutinesToExit(t *testing.T) {
	prober := health.New(time.Millisecond, 10*time.Millisecond, nil, nil)
	prober.Register(&fakePinger{name: "memgraph"})

	ctx := context.Background()
	prober.Start(ctx)

	done := make(chan struct{})
	go func() {
		prober.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return; probe goroutines likely leaked")
	}
	require.True(t, true)
}
