// Package config defines the validated Settings tree and its constraints.
// Settings are constructed once at startup by Load and are immutable
// thereafter; every leaf is validated before the process binds a listener.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Settings is the fully resolved, validated configuration object. Field
// names mirror the dotted koanf paths used by the file/env/flag loaders in
// loader.go (e.g. Service.Port <-> "service.port").
type Settings struct {
	Service      ServiceSettings                `koanf:"service"`
	Server       ServerSettings                 `koanf:"server"`
	Monitoring   MonitoringSettings              `koanf:"monitoring"`
	Security     SecuritySettings                `koanf:"security"`
	Dependencies map[string]DependencySettings   `koanf:"dependencies"`
}

// ServiceSettings identifies and binds the process.
type ServiceSettings struct {
	Name string `koanf:"name"`
	Port int    `koanf:"port"`
	Host string `koanf:"host"`
}

// ServerSettings governs the request-serving pool and its deadlines.
type ServerSettings struct {
	Workers                  int `koanf:"workers"`
	TimeoutSeconds           int `koanf:"timeout"`
	GracefulShutdownSeconds  int `koanf:"graceful_shutdown_seconds"`
}

// MonitoringSettings governs the dependency probe interval and metrics.
type MonitoringSettings struct {
	HealthCheckIntervalSeconds int  `koanf:"health_check_interval"`
	MetricsEnabled             bool `koanf:"metrics_enabled"`
}

// SecuritySettings holds the rate-limit budget (enforced by the HTTP
// dispatcher as one process-wide token bucket), CORS, and the API-key
// switch, which nothing enforces.
type SecuritySettings struct {
	APIKeysEnabled bool       `koanf:"api_keys_enabled"`
	RateLimit      int        `koanf:"rate_limit"`
	CORS           CORSSettings `koanf:"cors"`
}

// CORSSettings configures the dispatcher's preflight handling.
type CORSSettings struct {
	Enabled        bool     `koanf:"enabled"`
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// DependencySettings describes one external dependency the health probe
// tracks (e.g. "memgraph", "docstore", "anthropic").
type DependencySettings struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	TimeoutMillis  int    `koanf:"timeout"`
}

var (
	serviceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
)

// violation pairs a dotted config path with a human-readable complaint and
// the environment-variable override that could fix it.
type violation struct {
	path    string
	message string
	envVar  string
}

func (v violation) String() string {
	return fmt.Sprintf("%s: %s (override with %s)", v.path, v.message, v.envVar)
}

// AggregateError collects every validation violation found across the
// Settings tree; nothing short-circuits on the first failure.
type AggregateError struct {
	violations []violation
}

func (e *AggregateError) Error() string {
	lines := make([]string, len(e.violations))
	for i, v := range e.violations {
		lines[i] = v.String()
	}
	return fmt.Sprintf("configuration validation failed (%d violation(s)): %s", len(lines), strings.Join(lines, "; "))
}

// Violations returns the individual validation failures, in the order they
// were discovered.
func (e *AggregateError) Violations() []string {
	lines := make([]string, len(e.violations))
	for i, v := range e.violations {
		lines[i] = v.String()
	}
	return lines
}

func envName(path string) string {
	return "HTTP_SERVER__" + strings.ToUpper(strings.ReplaceAll(path, ".", "__"))
}

// Validate checks every leaf against the constraints in the settings tree.
// On failure it returns an *AggregateError listing every violation, not
// just the first.
func Validate(s *Settings) error {
	var violations []violation
	add := func(path, message string) {
		violations = append(violations, violation{path: path, message: message, envVar: envName(path)})
	}

	if !serviceNamePattern.MatchString(s.Service.Name) {
		add("service.name", fmt.Sprintf("must match ^[a-z][a-z0-9-]*$, got %q", s.Service.Name))
	}
	if s.Service.Port < 1024 || s.Service.Port > 65535 {
		add("service.port", fmt.Sprintf("must be between 1024 and 65535, got %d", s.Service.Port))
	}
	if !validHostOrIP(s.Service.Host) {
		add("service.host", fmt.Sprintf("must be a valid IP or hostname, got %q", s.Service.Host))
	}

	if s.Server.Workers < 1 {
		add("server.workers", fmt.Sprintf("must be >= 1, got %d", s.Server.Workers))
	}
	if s.Server.TimeoutSeconds < 1 || s.Server.TimeoutSeconds > 300 {
		add("server.timeout", fmt.Sprintf("must be between 1 and 300 seconds, got %d", s.Server.TimeoutSeconds))
	}
	if s.Server.GracefulShutdownSeconds < 1 || s.Server.GracefulShutdownSeconds > 60 {
		add("server.graceful_shutdown_seconds", fmt.Sprintf("must be between 1 and 60 seconds, got %d", s.Server.GracefulShutdownSeconds))
	}

	if s.Monitoring.HealthCheckIntervalSeconds < 10 {
		add("monitoring.health_check_interval", fmt.Sprintf("must be >= 10 seconds, got %d", s.Monitoring.HealthCheckIntervalSeconds))
	}

	if s.Security.RateLimit < 10 {
		add("security.rate_limit", fmt.Sprintf("must be >= 10, got %d", s.Security.RateLimit))
	}
	for i, origin := range s.Security.CORS.AllowedOrigins {
		if strings.Count(origin, "*") > 1 || (strings.Contains(origin, "*") && !strings.HasSuffix(origin, "*")) {
			add(fmt.Sprintf("security.cors.allowed_origins[%d]", i), fmt.Sprintf("must contain at most one trailing wildcard, got %q", origin))
		}
	}

	for name, dep := range s.Dependencies {
		prefix := "dependencies." + name
		if !validHostOrIP(dep.Host) {
			add(prefix+".host", fmt.Sprintf("must be a valid IP or hostname, got %q", dep.Host))
		}
		if dep.Port < 1 || dep.Port > 65535 {
			add(prefix+".port", fmt.Sprintf("must be between 1 and 65535, got %d", dep.Port))
		}
		if dep.TimeoutMillis < 100 {
			add(prefix+".timeout", fmt.Sprintf("must be >= 100 milliseconds, got %d", dep.TimeoutMillis))
		}
	}

	if len(violations) > 0 {
		return &AggregateError{violations: violations}
	}
	return nil
}

func validHostOrIP(host string) bool {
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	// A bare hostname; reject anything containing whitespace or a scheme.
	if strings.ContainsAny(host, " \t\n/") {
		return false
	}
	return true
}
