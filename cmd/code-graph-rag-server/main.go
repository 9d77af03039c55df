// Command code-graph-rag-server runs the HTTP tool-dispatch façade (and,
// when TRANSPORT=stdio is set, the newline-delimited JSON-RPC companion
// instead) over a fixed catalog of code-intelligence tools backed by a
// Redis-stood-in graph store, a MongoDB docstore, and three LLM provider
// backends. Configuration follows internal/config's defaults < file < env <
// flags precedence; see that package's Settings type for the full leaf list.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/openai/openai-go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	appconfig "github.com/codegraphrag/codegraphrag-server/internal/config"
	"github.com/codegraphrag/codegraphrag-server/internal/health"
	"github.com/codegraphrag/codegraphrag-server/internal/httpapi"
	"github.com/codegraphrag/codegraphrag-server/internal/lifecycle"
	"github.com/codegraphrag/codegraphrag-server/internal/metrics"
	"github.com/codegraphrag/codegraphrag-server/internal/registry"
	"github.com/codegraphrag/codegraphrag-server/internal/stdiorpc"
	"github.com/codegraphrag/codegraphrag-server/internal/telemetry"
	"github.com/codegraphrag/codegraphrag-server/internal/tools/docs"
	"github.com/codegraphrag/codegraphrag-server/internal/tools/graph"
	"github.com/codegraphrag/codegraphrag-server/internal/tools/llm"
)

// serviceVersion is stamped at release time via -ldflags; "dev" is the
// fallback for local builds.
var serviceVersion = "dev"

func main() {
	if err := run(); err != nil {
		log.Print(err)
		os.Exit(exitCodeFor(err))
	}
}

// closers collects every dependency handle that needs a best-effort Close
// during shutdown, in the order they were established.
type closers struct {
	fns []func() error
}

func (c *closers) add(fn func() error) { c.fns = append(c.fns, fn) }

func (c *closers) closeAll() error {
	var firstErr error
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func run() error {
	flags, err := appconfig.ParseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	settings, err := appconfig.Load(flags)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := telemetry.NewClueLogger()
	ctx := context.Background()

	deps := &closers{}
	prober := health.New(
		time.Duration(settings.Monitoring.HealthCheckIntervalSeconds)*time.Second,
		dependencyTimeout(settings, "memgraph", 2*time.Second),
		logger,
		telemetry.NewClueMetrics(),
	)

	rec := newMetricsRecorder(settings)

	reg := registry.New()

	rdb, err := connectGraphStore(settings)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	deps.add(rdb.Close)
	prober.Register(health.NewRedisPinger("memgraph", rdb))
	if err := graph.New(rdb).Register(reg); err != nil {
		return fmt.Errorf("register graph tools: %w", err)
	}

	if dep, ok := settings.Dependencies["docstore"]; ok {
		collection, closeMongo, err := connectDocstore(ctx, dep)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		deps.add(closeMongo)
		prober.Register(health.NewMongoPinger("docstore", collection.Database().Client()))
		if err := docs.New(collection).Register(reg); err != nil {
			return fmt.Errorf("register docs tools: %w", err)
		}
	}

	if err := registerLLMTools(reg, settings, prober); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	reg.Freeze()

	server := httpapi.New(reg, prober, settings, logger, rec, serviceVersion)
	controller := lifecycle.New(settings, server, prober, logger, deps.closeAll)

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if os.Getenv("TRANSPORT") == "stdio" {
		return runStdio(runCtx, reg, settings, logger, prober, deps)
	}

	return controller.Run(runCtx)
}

// runStdio serves the JSON-RPC companion transport over stdin/stdout
// instead of binding an HTTP listener, sharing the same frozen registry so
// the tool catalog never drifts between transports.
func runStdio(ctx context.Context, reg *registry.Registry, settings *appconfig.Settings, logger telemetry.Logger, prober *health.Prober, deps *closers) error {
	probeCtx, cancelProbe := context.WithCancel(context.Background())
	defer cancelProbe()
	prober.Start(probeCtx)
	defer prober.Stop()
	defer func() { _ = deps.closeAll() }()

	timeout := time.Duration(settings.Server.TimeoutSeconds) * time.Second
	server := stdiorpc.New(reg, logger, timeout)
	server.Ready()
	return server.Serve(ctx, os.Stdin, os.Stdout)
}

func dependencyTimeout(settings *appconfig.Settings, name string, fallback time.Duration) time.Duration {
	dep, ok := settings.Dependencies[name]
	if !ok || dep.TimeoutMillis <= 0 {
		return fallback
	}
	return time.Duration(dep.TimeoutMillis) * time.Millisecond
}

func connectGraphStore(settings *appconfig.Settings) (*redis.Client, error) {
	dep, ok := settings.Dependencies["memgraph"]
	if !ok {
		return nil, errors.New("dependencies.memgraph is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", dep.Host, dep.Port),
		Password: os.Getenv("MEMGRAPH_PASSWORD"),
	}), nil
}

func connectDocstore(ctx context.Context, dep appconfig.DependencySettings) (*mongo.Collection, func() error, error) {
	uri := fmt.Sprintf("mongodb://%s:%d", dep.Host, dep.Port)
	client, err := mongo.Connect(mongooptions.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect docstore: %w", err)
	}
	collection := client.Database("codegraphrag").Collection("symbol_docs")
	return collection, func() error { return client.Disconnect(ctx) }, nil
}

// registerLLMTools wires each model-backed tool whose dependency is present
// in settings.Dependencies, and registers its reachability with the prober.
// Unconfigured model backends are simply omitted from the catalog --
// exercising them is optional, unlike the graph store.
func registerLLMTools(reg *registry.Registry, settings *appconfig.Settings, prober *health.Prober) error {
	if _, ok := settings.Dependencies["anthropic"]; ok {
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return errors.New("ANTHROPIC_API_KEY is required when dependencies.anthropic is configured")
		}
		model := envOr("ANTHROPIC_MODEL", "claude-3-5-haiku-20241022")
		if err := llm.NewSummarizerFromAPIKey(apiKey, model).Register(reg); err != nil {
			return err
		}
		prober.Register(health.NewHTTPPinger("anthropic", "https://api.anthropic.com"))
	}

	if _, ok := settings.Dependencies["openai"]; ok {
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return errors.New("OPENAI_API_KEY is required when dependencies.openai is configured")
		}
		model := openai.ChatModel(envOr("OPENAI_MODEL", "gpt-4o-mini"))
		if err := llm.NewExplainerFromAPIKey(apiKey, model).Register(reg); err != nil {
			return err
		}
		prober.Register(health.NewHTTPPinger("openai", "https://api.openai.com"))
	}

	if _, ok := settings.Dependencies["bedrock"]; ok {
		awsCfg, err := config.LoadDefaultConfig(context.Background())
		if err != nil {
			return fmt.Errorf("load AWS config for bedrock: %w", err)
		}
		modelID := envOr("BEDROCK_MODEL_ID", "anthropic.claude-3-haiku-20240307-v1:0")
		runtime := bedrockruntime.NewFromConfig(awsCfg)
		if err := llm.NewDocCommentGenerator(runtime, modelID).Register(reg); err != nil {
			return err
		}
		prober.Register(health.NewHTTPPinger("bedrock", fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", awsCfg.Region)))
	}

	return nil
}

// newMetricsRecorder returns a live Recorder when monitoring.metrics_enabled
// is set, and an inert one otherwise, so every call site records
// unconditionally without a nil check.
func newMetricsRecorder(settings *appconfig.Settings) *metrics.Recorder {
	if !settings.Monitoring.MetricsEnabled {
		return metrics.NewNoop()
	}
	return metrics.New()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// exitCodeFor maps a startup/run error to a process exit status. 0 is
// reserved for clean shutdown, which run() signals by returning nil.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
