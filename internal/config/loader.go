package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const configPathEnvVar = "CONFIG_PATH"

// Flags are the small, fixed set of command-line overrides the spec's
// external interface names: --host, --port, --config, --log-level, --reload.
type Flags struct {
	Host     string
	Port     int
	Config   string
	LogLevel string
	Reload   bool
}

// ParseFlags parses argv into Flags. Unset flags are reported back as zero
// values, which Load treats as "not supplied"; a flag explicitly given its
// zero value (e.g. --port 0) is therefore indistinguishable from an absent
// one.
func ParseFlags(argv []string) (Flags, error) {
	fs := pflag.NewFlagSet("code-graph-rag-server", pflag.ContinueOnError)
	host := fs.String("host", "", "override service.host")
	port := fs.Int("port", 0, "override service.port")
	cfgPath := fs.String("config", "", "path to the YAML configuration file")
	logLevel := fs.String("log-level", "", "debug|info|warning|error|critical")
	reload := fs.Bool("reload", false, "development-only: enable config hot reload (unsupported, reserved)")

	if err := fs.Parse(argv); err != nil {
		return Flags{}, fmt.Errorf("parse flags: %w", err)
	}
	return Flags{Host: *host, Port: *port, Config: *cfgPath, LogLevel: *logLevel, Reload: *reload}, nil
}

// Load resolves Settings with deterministic precedence: defaults < YAML file
// < environment variables < command-line flags. Environment-variable keys
// follow the hierarchical convention HTTP_SERVER__<DOTTED__PATH>, matched
// case-insensitively per-leaf.
//
// Load validates the assembled Settings and returns an error naming every
// violation; callers MUST treat a non-nil error as fatal and exit non-zero
// without binding a listener.
func Load(flags Flags) (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	configPath := resolveConfigPath(flags.Config)
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("configuration file not found at %q: %w", configPath, err)
		}
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse configuration file %q: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("HTTP_SERVER__", ".", envKeyToPath), nil); err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}

	applyFlagOverrides(k, flags)

	var settings Settings
	if err := k.Unmarshal("", &settings); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := Validate(&settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// resolveConfigPath honors --config first and falls back to CONFIG_PATH,
// so an explicit flag always wins over the environment.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	return os.Getenv(configPathEnvVar)
}

// envKeyToPath converts HTTP_SERVER__SERVICE__PORT into "service.port".
func envKeyToPath(key string) string {
	trimmed := strings.TrimPrefix(key, "HTTP_SERVER__")
	lowered := strings.ToLower(trimmed)
	return strings.ReplaceAll(lowered, "__", ".")
}

// applyFlagOverrides layers --host and --port on top of file/env, the
// highest-precedence tier. --config is consumed by resolveConfigPath;
// --log-level and --reload are parsed but not applied to Settings.
func applyFlagOverrides(k *koanf.Koanf, flags Flags) {
	overrides := map[string]any{}
	if flags.Host != "" {
		overrides["service.host"] = flags.Host
	}
	if flags.Port != 0 {
		overrides["service.port"] = flags.Port
	}
	if len(overrides) > 0 {
		_ = k.Load(confmap.Provider(overrides, "."), nil)
	}
}

// defaults returns the baseline Settings values before the file, env, and
// flag layers are applied.
func defaults() map[string]any {
	return map[string]any{
		"service.name": "code-graph-rag",
		"service.port": 8080,
		"service.host": "0.0.0.0",

		"server.workers":                  4,
		"server.timeout":                  30,
		"server.graceful_shutdown_seconds": 10,

		"monitoring.health_check_interval": 30,
		"monitoring.metrics_enabled":       false,

		"security.api_keys_enabled":       false,
		"security.rate_limit":             60,
		"security.cors.enabled":           false,
		"security.cors.allowed_origins":   []string{},

		"dependencies.memgraph.host":    "localhost",
		"dependencies.memgraph.port":    7687,
		"dependencies.memgraph.timeout": 2000,
	}
}
