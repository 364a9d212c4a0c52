// Package config loads gateway configuration from environment variables
// with an optional YAML overlay for per-tool tuning tables.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Mode selects how adapters reach upstreams.
type Mode string

const (
	ModeMock Mode = "mock"
	ModeLive Mode = "live"
)

// Config is the process-wide gateway configuration.
type Config struct {
	Port string
	Env  string // "production" locks chaos admin and test bypass
	KEK  []byte // 32-byte envelope key-encryption-key

	SigningSecret         string
	PreviousSigningSecret string
	RotationGracePeriod   time.Duration
	GatewayPrivateKeyPEM  string

	HTTPTimeout     time.Duration
	DefaultTimezone string
	UpstreamMode    Mode
	DrainDeadline   time.Duration

	Flags FeatureFlags
	Tools ToolTuning
}

// FeatureFlags gate optional pipeline behavior. FF_TEST_BYPASS only
// affects the readiness payload, never the pipeline.
type FeatureFlags struct {
	Policy     bool `yaml:"policy"`
	Breakers   bool `yaml:"breakers"`
	Retry      bool `yaml:"retry"`
	Cache      bool `yaml:"cache"`
	Chaos      bool `yaml:"chaos"`
	TestBypass bool `yaml:"test_bypass"`
}

// ToolTuning carries the per-tool static tables (timeouts, cache TTLs,
// breaker thresholds) loaded from the optional YAML file.
type ToolTuning struct {
	TimeoutMs map[string]int    `yaml:"timeout_ms"` // tool -> deadline override
	CacheTTLs map[string]string `yaml:"cache_ttl"`  // "tool:action" -> duration
	Breaker   BreakerTuning     `yaml:"breaker"`
	RateLimit RateLimitTuning   `yaml:"rate_limit"`
}

type BreakerTuning struct {
	FailureThreshold int `yaml:"failure_threshold"`
	WindowSeconds    int `yaml:"window_seconds"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
	ProbeSuccesses   int `yaml:"probe_successes"`
}

type RateLimitTuning struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

type yamlFile struct {
	Tools ToolTuning `yaml:"tools"`
}

// Load reads the environment (after any godotenv bootstrap in main) and,
// if GATEWAY_CONFIG points at a YAML file, overlays the tuning tables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  envOr("PORT", "8080"),
		Env:                   envOr("GATEWAY_ENV", "development"),
		SigningSecret:         os.Getenv("SIGNING_SECRET"),
		PreviousSigningSecret: os.Getenv("PREVIOUS_SIGNING_SECRET"),
		RotationGracePeriod:   time.Duration(envInt("ROTATION_GRACE_HOURS", 24)) * time.Hour,
		GatewayPrivateKeyPEM:  os.Getenv("GATEWAY_PRIVATE_KEY"),
		HTTPTimeout:           time.Duration(envInt("HTTP_TIMEOUT_MS", 6000)) * time.Millisecond,
		DefaultTimezone:       envOr("DEFAULT_TIMEZONE", "America/Toronto"),
		UpstreamMode:          Mode(envOr("UPSTREAM_MODE", string(ModeMock))),
		DrainDeadline:         time.Duration(envInt("DRAIN_DEADLINE_MS", 10000)) * time.Millisecond,
		Flags: FeatureFlags{
			Policy:     flagOn("FF_POLICY", true),
			Breakers:   flagOn("FF_BREAKERS", true),
			Retry:      flagOn("FF_RETRY", true),
			Cache:      flagOn("FF_CACHE", true),
			Chaos:      flagOn("FF_CHAOS", false),
			TestBypass: flagOn("FF_TEST_BYPASS", false),
		},
		Tools: ToolTuning{
			TimeoutMs: map[string]int{},
			// Static TTL table; only idempotent pairs appear here.
			CacheTTLs: map[string]string{
				"serpapi:search": "5m",
				"http_fetch:get": "1m",
			},
			Breaker: BreakerTuning{
				FailureThreshold: 5,
				WindowSeconds:    30,
				CooldownSeconds:  15,
				ProbeSuccesses:   2,
			},
			RateLimit: RateLimitTuning{Requests: 5, WindowSeconds: 60},
		},
	}

	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("SIGNING_SECRET is required")
	}

	kekB64 := os.Getenv("KEK_BASE64")
	if kekB64 == "" {
		return nil, fmt.Errorf("KEK_BASE64 is required")
	}
	kek, err := base64.StdEncoding.DecodeString(kekB64)
	if err != nil {
		return nil, fmt.Errorf("KEK_BASE64 is not valid base64: %w", err)
	}
	if len(kek) != 32 {
		return nil, fmt.Errorf("KEK_BASE64 must decode to 32 bytes, got %d", len(kek))
	}
	cfg.KEK = kek

	if cfg.UpstreamMode != ModeMock && cfg.UpstreamMode != ModeLive {
		return nil, fmt.Errorf("UPSTREAM_MODE must be mock or live, got %q", cfg.UpstreamMode)
	}

	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		if err := cfg.overlayYAML(path); err != nil {
			return nil, err
		}
	}

	if cfg.IsProduction() && cfg.Flags.TestBypass {
		// Not fatal; readiness reports the warning.
		fmt.Fprintln(os.Stderr, "WARNING: FF_TEST_BYPASS is on in production")
	}

	return cfg, nil
}

func (c *Config) overlayYAML(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	var file yamlFile
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	for tool, ms := range file.Tools.TimeoutMs {
		c.Tools.TimeoutMs[tool] = ms
	}
	for key, ttl := range file.Tools.CacheTTLs {
		c.Tools.CacheTTLs[key] = ttl
	}
	if file.Tools.Breaker.FailureThreshold > 0 {
		c.Tools.Breaker = file.Tools.Breaker
	}
	if file.Tools.RateLimit.Requests > 0 {
		c.Tools.RateLimit = file.Tools.RateLimit
	}
	return nil
}

// IsProduction reports whether the process runs in production mode.
// Chaos mutation is refused and FF_TEST_BYPASS warns when true.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

// TimeoutFor returns the upstream deadline for a tool, falling back to
// the process default.
func (c *Config) TimeoutFor(tool string) time.Duration {
	if ms, ok := c.Tools.TimeoutMs[tool]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return c.HTTPTimeout
}

// CacheTTLFor returns the TTL for a "tool:action" pair, or 0 when the
// pair has no static TTL configured.
func (c *Config) CacheTTLFor(tool, action string) time.Duration {
	if raw, ok := c.Tools.CacheTTLs[tool+":"+action]; ok {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func flagOn(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	return v == "on" || v == "true" || v == "1" || v == "yes"
}
