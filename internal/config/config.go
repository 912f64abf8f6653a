// Package config loads, validates, and hot-reloads the gateway's YAML
// configuration, including the provider list and circuit breaker tuning.
package config

import (
	"cmp"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's root configuration document.
type Config struct {
	Server          ServerConfig     `yaml:"server" json:"server"`
	Metrics         MetricsConfig    `yaml:"metrics" json:"metrics"`
	Logging         LoggingConfig    `yaml:"logging" json:"logging"`
	RateLimit       RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	Auth            AuthConfig       `yaml:"auth" json:"auth"`
	Tenancy         TenancyConfig    `yaml:"tenancy" json:"tenancy"`
	Admin           AdminConfig      `yaml:"admin" json:"admin"`
	BreakerDefaults BreakerConfig    `yaml:"breaker_defaults" json:"breaker_defaults"`
	DefaultProvider string           `yaml:"default_provider" json:"default_provider"`
	Providers       []ProviderConfig `yaml:"providers" json:"providers"`

	// Warnings collects non-fatal findings from the most recent load.
	// Kept on the Config rather than in package state so concurrent
	// loads from the reload goroutine cannot race.
	Warnings []string `yaml:"-" json:"-"`
}

// Load reads the YAML configuration at path. ${NAME} references are
// replaced from the environment before parsing, defaults are filled in,
// and the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes behaves like Load on an in-memory document.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

// ServerConfig holds the listener and HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// GlobalTimeout converts global_timeout_ms to a Duration. Zero means no
// gateway-wide deadline is applied.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// TLSConfig configures TLS termination for the listener.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // accepts "1.2" (default) or "1.3"
}

// MetricsConfig controls the Prometheus endpoint. A nil Enabled counts
// as on, so metrics only disappear when switched off explicitly.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled reports whether the metrics endpoint should be served.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// LoggingConfig selects log level and destination. Any Output other
// than stdout or stderr is treated as a file path with size-based
// rotation.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`               // debug, info (default), warn, error
	Output     string `yaml:"output" json:"output"`             // stdout (default), stderr, or a file path
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // rotate after this many megabytes
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // rotated files to keep
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // prune rotated files older than this
}

// RateLimitConfig tunes the token bucket limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
	PerTenant         bool    `yaml:"per_tenant" json:"per_tenant"` // one bucket per tenant instead of per client IP
}

// AuthConfig holds the JWT validation parameters.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// TenancyConfig controls how requests are attributed to tenants.
type TenancyConfig struct {
	Header  string `yaml:"header" json:"header"`   // default: "X-Tenant-ID"
	Require bool   `yaml:"require" json:"require"` // reject requests without a tenant
}

// AdminConfig gates the admin API. It stays off unless enabled, and an
// enabled admin API must carry an IP allowlist.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// Provider types understood by the gateway.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// ProviderConfig defines a single upstream LLM provider.
type ProviderConfig struct {
	Name    string            `yaml:"name" json:"name"`
	Type    string            `yaml:"type" json:"type"` // "ollama" or "openai"
	BaseURL string            `yaml:"base_url" json:"base_url"`
	Model   string            `yaml:"model" json:"model"`
	APIKey  string            `yaml:"api_key" json:"api_key,omitempty"`
	Breaker *BreakerOverrides `yaml:"breaker" json:"breaker,omitempty"`
}

// BreakerConfig holds the circuit breaker and retry settings applied to
// every provider unless overridden in its breaker block.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	CallTimeout      time.Duration `yaml:"call_timeout" json:"call_timeout"`
	MaxRetries       *int          `yaml:"max_retries" json:"max_retries"` // nil means default (2); 0 disables retries
	BackoffBase      time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffFactor    float64       `yaml:"backoff_factor" json:"backoff_factor"`
	BackoffMax       time.Duration `yaml:"backoff_max" json:"backoff_max"`
}

// Retries returns the retry budget (defaults to 2 when unset).
func (b BreakerConfig) Retries() int {
	if b.MaxRetries == nil {
		return 2
	}
	return *b.MaxRetries
}

// BreakerOverrides holds optional per-provider overrides of the
// breaker_defaults block. Unset fields inherit the defaults.
type BreakerOverrides struct {
	FailureThreshold *int           `yaml:"failure_threshold" json:"failure_threshold,omitempty"`
	RecoveryTimeout  *time.Duration `yaml:"recovery_timeout" json:"recovery_timeout,omitempty"`
	SuccessThreshold *int           `yaml:"success_threshold" json:"success_threshold,omitempty"`
	CallTimeout      *time.Duration `yaml:"call_timeout" json:"call_timeout,omitempty"`
	MaxRetries       *int           `yaml:"max_retries" json:"max_retries,omitempty"`
	BackoffBase      *time.Duration `yaml:"backoff_base" json:"backoff_base,omitempty"`
	BackoffFactor    *float64       `yaml:"backoff_factor" json:"backoff_factor,omitempty"`
	BackoffMax       *time.Duration `yaml:"backoff_max" json:"backoff_max,omitempty"`
}

// BreakerFor resolves the effective breaker settings for a provider by
// overlaying its overrides on the configured defaults.
func (c *Config) BreakerFor(p ProviderConfig) BreakerConfig {
	out := c.BreakerDefaults
	ov := p.Breaker
	if ov == nil {
		return out
	}
	if ov.FailureThreshold != nil {
		out.FailureThreshold = *ov.FailureThreshold
	}
	if ov.RecoveryTimeout != nil {
		out.RecoveryTimeout = *ov.RecoveryTimeout
	}
	if ov.SuccessThreshold != nil {
		out.SuccessThreshold = *ov.SuccessThreshold
	}
	if ov.CallTimeout != nil {
		out.CallTimeout = *ov.CallTimeout
	}
	if ov.MaxRetries != nil {
		out.MaxRetries = ov.MaxRetries
	}
	if ov.BackoffBase != nil {
		out.BackoffBase = *ov.BackoffBase
	}
	if ov.BackoffFactor != nil {
		out.BackoffFactor = *ov.BackoffFactor
	}
	if ov.BackoffMax != nil {
		out.BackoffMax = *ov.BackoffMax
	}
	return out
}

// Provider returns the provider config with the given name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

var envRef = regexp.MustCompile(`\$\{(\w+)\}`)

// interpolateEnv substitutes ${NAME} references with values from the
// process environment. Unset references are left intact so they can be
// surfaced as warnings after parsing.
func interpolateEnv(src string) string {
	return envRef.ReplaceAllStringFunc(src, func(ref string) string {
		if val, ok := os.LookupEnv(ref[2 : len(ref)-1]); ok {
			return val
		}
		return ref
	})
}

func applyDefaults(cfg *Config) {
	srv := &cfg.Server
	srv.Port = cmp.Or(srv.Port, 8080)
	srv.ReadTimeout = cmp.Or(srv.ReadTimeout, 15*time.Second)
	// Completions can legitimately take a minute or more to write out.
	srv.WriteTimeout = cmp.Or(srv.WriteTimeout, 120*time.Second)
	srv.ShutdownTimeout = cmp.Or(srv.ShutdownTimeout, 10*time.Second)
	srv.MaxBodyBytes = cmp.Or(srv.MaxBodyBytes, 1<<20)
	if srv.TLS.Enabled {
		srv.TLS.MinVersion = cmp.Or(srv.TLS.MinVersion, "1.2")
	}

	cfg.Metrics.Path = cmp.Or(cfg.Metrics.Path, "/metrics")

	cfg.Logging.Level = cmp.Or(cfg.Logging.Level, "info")
	cfg.Logging.Output = cmp.Or(cfg.Logging.Output, "stdout")
	cfg.Logging.MaxSizeMB = cmp.Or(cfg.Logging.MaxSizeMB, 100)
	cfg.Logging.MaxBackups = cmp.Or(cfg.Logging.MaxBackups, 3)
	cfg.Logging.MaxAgeDays = cmp.Or(cfg.Logging.MaxAgeDays, 30)

	cfg.RateLimit.RequestsPerSecond = cmp.Or(cfg.RateLimit.RequestsPerSecond, 100)
	cfg.RateLimit.BurstSize = cmp.Or(cfg.RateLimit.BurstSize, 50)

	cfg.Tenancy.Header = cmp.Or(cfg.Tenancy.Header, "X-Tenant-ID")

	bd := &cfg.BreakerDefaults
	bd.FailureThreshold = cmp.Or(bd.FailureThreshold, 5)
	bd.RecoveryTimeout = cmp.Or(bd.RecoveryTimeout, 30*time.Second)
	bd.SuccessThreshold = cmp.Or(bd.SuccessThreshold, 2)
	bd.CallTimeout = cmp.Or(bd.CallTimeout, 60*time.Second)
	if bd.MaxRetries == nil {
		retries := 2
		bd.MaxRetries = &retries
	}
	bd.BackoffBase = cmp.Or(bd.BackoffBase, 500*time.Millisecond)
	bd.BackoffFactor = cmp.Or(bd.BackoffFactor, 2.0)
	bd.BackoffMax = cmp.Or(bd.BackoffMax, 10*time.Second)

	if cfg.DefaultProvider == "" && len(cfg.Providers) > 0 {
		cfg.DefaultProvider = cfg.Providers[0].Name
	}
}

func validate(cfg *Config) error {
	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}
	if err := validateAuth(cfg.Auth); err != nil {
		return err
	}
	if err := validateLogging(cfg.Logging); err != nil {
		return err
	}
	if err := validateAdmin(cfg.Admin); err != nil {
		return err
	}
	if err := validateBreaker("breaker_defaults", cfg.BreakerDefaults); err != nil {
		return err
	}
	return validateProviders(cfg)
}

func validateServer(s ServerConfig) error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", s.Port)
	}
	if s.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if s.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}
	if !s.TLS.Enabled {
		return nil
	}
	if s.TLS.CertFile == "" {
		return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
	}
	if s.TLS.KeyFile == "" {
		return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
	}
	if s.TLS.MinVersion != "1.2" && s.TLS.MinVersion != "1.3" {
		return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", s.TLS.MinVersion)
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	if !a.Enabled {
		return nil
	}
	required := []struct{ name, value string }{
		{"jwt_secret", a.JWTSecret},
		{"issuer", a.Issuer},
		{"audience", a.Audience},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("auth.%s is required when auth is enabled", f.name)
		}
	}
	return nil
}

var logLevels = []string{"debug", "info", "warn", "error"}

func validateLogging(l LoggingConfig) error {
	if !slices.Contains(logLevels, l.Level) {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", l.Level)
	}
	if l.Output != "stdout" && l.Output != "stderr" && l.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	if !a.Enabled {
		return nil
	}
	if len(a.IPAllowlist) == 0 {
		return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
	}
	for i, cidr := range a.IPAllowlist {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
		}
	}
	return nil
}

var providerNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

func validateProviders(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool)
	for i, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if !providerNameRe.MatchString(p.Name) {
			return fmt.Errorf("providers[%d].name must contain only letters, digits, '-' and '_', got %q", i, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seen[p.Name] = true

		if p.Type != ProviderOllama && p.Type != ProviderOpenAI {
			return fmt.Errorf("providers[%d].type must be %q or %q, got %q", i, ProviderOllama, ProviderOpenAI, p.Type)
		}
		if err := validateBaseURL(i, p.BaseURL); err != nil {
			return err
		}
		if p.Model == "" {
			return fmt.Errorf("providers[%d].model is required", i)
		}
		if p.Type == ProviderOpenAI && p.APIKey == "" {
			return fmt.Errorf("providers[%d].api_key is required for openai providers", i)
		}

		// Validate the merged settings so a bad override is caught here
		// rather than at breaker construction.
		if err := validateBreaker(fmt.Sprintf("providers[%d].breaker", i), cfg.BreakerFor(p)); err != nil {
			return err
		}
	}

	if cfg.DefaultProvider != "" {
		if _, ok := cfg.Provider(cfg.DefaultProvider); !ok {
			return fmt.Errorf("default_provider %q does not match any configured provider", cfg.DefaultProvider)
		}
	}
	return nil
}

func validateBaseURL(i int, raw string) error {
	if raw == "" {
		return fmt.Errorf("providers[%d].base_url is required", i)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("providers[%d].base_url: invalid URL: %w", i, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("providers[%d].base_url: scheme must be http or https, got %q", i, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("providers[%d].base_url: host is required", i)
	}
	return nil
}

func validateBreaker(prefix string, b BreakerConfig) error {
	if b.FailureThreshold < 1 {
		return fmt.Errorf("%s.failure_threshold must be positive", prefix)
	}
	if b.RecoveryTimeout <= 0 {
		return fmt.Errorf("%s.recovery_timeout must be positive", prefix)
	}
	if b.SuccessThreshold < 1 {
		return fmt.Errorf("%s.success_threshold must be positive", prefix)
	}
	if b.CallTimeout <= 0 {
		return fmt.Errorf("%s.call_timeout must be positive", prefix)
	}
	if b.Retries() < 0 {
		return fmt.Errorf("%s.max_retries must be non-negative", prefix)
	}
	if b.BackoffBase <= 0 {
		return fmt.Errorf("%s.backoff_base must be positive", prefix)
	}
	if b.BackoffFactor < 1 {
		return fmt.Errorf("%s.backoff_factor must be at least 1", prefix)
	}
	if b.BackoffMax < b.BackoffBase {
		return fmt.Errorf("%s.backoff_max must be at least backoff_base", prefix)
	}
	return nil
}

// collectWarnings flags secrets that still contain an unexpanded ${NAME}
// reference, which usually means the variable was missing at load time.
func collectWarnings(cfg *Config) []string {
	var ws []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		ws = append(ws, "auth.jwt_secret contains unresolved environment variable")
	}
	for _, p := range cfg.Providers {
		if strings.Contains(p.APIKey, "${") {
			ws = append(ws, fmt.Sprintf("providers[%s].api_key contains unresolved environment variable", p.Name))
		}
	}
	return ws
}
