package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Pool      PoolConfig
	Scrape    ScrapeConfig
	Recovery  RecoveryConfig
	Egress    EgressConfig
	Captcha   CaptchaConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Log       LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the underlying Chromium instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// Proxy is an optional upstream proxy for all browser traffic.
	Proxy string
}

// PoolConfig controls the browsing session pool.
type PoolConfig struct {
	// MaxSessions is the pool capacity; requests beyond it wait.
	MaxSessions int // default: 10

	// IdleTTL evicts sessions unused for this long.
	IdleTTL time.Duration // default: 5m

	// MaxAge retires sessions older than this on release.
	MaxAge time.Duration // default: 50m

	// SweepInterval is the idle-eviction sweep period.
	SweepInterval time.Duration // default: 1m
}

// ScrapeConfig controls per-request fetch behavior.
type ScrapeConfig struct {
	// DefaultTimeout is the per-request deadline when the client sets none.
	DefaultTimeout time.Duration // default: 60s

	// MaxTimeout caps the client-supplied timeout.
	MaxTimeout time.Duration // default: 120s

	// QuiesceWindow is how long the network must stay quiet to count
	// as idle.
	QuiesceWindow time.Duration // default: 500ms

	// QuiesceTimeout bounds the network-idle wait; on expiry the scrape
	// proceeds with whatever has rendered.
	QuiesceTimeout time.Duration // default: 8s

	// RevealGrowthTimeout bounds each progressive-reveal iteration's wait
	// for the document to grow.
	RevealGrowthTimeout time.Duration // default: 3s

	// DiagnosticDir, when set, receives a screenshot of the wedged page
	// whenever a rendered scrape fails.
	DiagnosticDir string
}

// RecoveryConfig controls the challenge recovery controller.
type RecoveryConfig struct {
	// CaptchaRetries is the number of retries after a solved challenge.
	// The attempt ceiling is CaptchaRetries+1 total fetches on that path.
	CaptchaRetries int // default: 1

	// MaxFailovers bounds egress switches within one request.
	MaxFailovers int // default: 2

	// SettleDelay is the pause between connecting a new egress point and
	// retrying the fetch.
	SettleDelay time.Duration // default: 2s
}

// EgressConfig controls the egress point registry.
type EgressConfig struct {
	// WorkDir is where per-point tunnel configs are persisted.
	WorkDir string // default: "/var/lib/gatecrash/egress"

	// SeedFile optionally pre-registers points from a YAML file.
	SeedFile string

	// HealthInterval is the background health-probe period.
	HealthInterval time.Duration // default: 30s

	// ProbeTimeout bounds each reachability probe.
	ProbeTimeout time.Duration // default: 5s
}

// CaptchaConfig controls the external solving oracle.
type CaptchaConfig struct {
	// BaseURL of the createTask/getTaskResult API.
	BaseURL string // default: "https://api.capsolver.com"

	// ClientKey authenticates against the oracle.
	ClientKey string

	// PollInterval between getTaskResult calls.
	PollInterval time.Duration // default: 3s

	// MaxWait bounds one solve round-trip end to end.
	MaxWait time.Duration // default: 2m
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: true

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// WebhookConfig controls egress event notifications.
type WebhookConfig struct {
	// URL receives egress health/failover events; empty disables delivery.
	URL string

	// Secret signs event payloads with HMAC-SHA256 when non-empty.
	Secret string
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"

	// File enables rotating file output when non-empty; otherwise logs
	// go to stdout.
	File       string
	MaxSizeMB  int // default: 100
	MaxBackups int // default: 3
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: envOr("GATECRASH_HOST", "0.0.0.0"),
			Port: envIntOr("GATECRASH_PORT", 8080),
			Mode: envOr("GATECRASH_MODE", "release"),
		},
		Browser: BrowserConfig{
			Headless:   envBoolOr("GATECRASH_HEADLESS", true),
			NoSandbox:  envBoolOr("GATECRASH_NO_SANDBOX", false),
			BrowserBin: os.Getenv("GATECRASH_BROWSER_BIN"),
			Proxy:      os.Getenv("GATECRASH_PROXY"),
		},
		Pool: PoolConfig{
			MaxSessions:   envIntOr("GATECRASH_MAX_SESSIONS", 10),
			IdleTTL:       envDurationOr("GATECRASH_SESSION_IDLE_TTL", 5*time.Minute),
			MaxAge:        envDurationOr("GATECRASH_SESSION_MAX_AGE", 50*time.Minute),
			SweepInterval: envDurationOr("GATECRASH_SWEEP_INTERVAL", time.Minute),
		},
		Scrape: ScrapeConfig{
			DefaultTimeout:      envDurationOr("GATECRASH_DEFAULT_TIMEOUT", 60*time.Second),
			MaxTimeout:          envDurationOr("GATECRASH_MAX_TIMEOUT", 120*time.Second),
			QuiesceWindow:       envDurationOr("GATECRASH_QUIESCE_WINDOW", 500*time.Millisecond),
			QuiesceTimeout:      envDurationOr("GATECRASH_QUIESCE_TIMEOUT", 8*time.Second),
			RevealGrowthTimeout: envDurationOr("GATECRASH_REVEAL_GROWTH_TIMEOUT", 3*time.Second),
			DiagnosticDir:       envOr("GATECRASH_DIAGNOSTIC_DIR", ""),
		},
		Recovery: RecoveryConfig{
			CaptchaRetries: envIntOr("GATECRASH_CAPTCHA_RETRIES", 1),
			MaxFailovers:   envIntOr("GATECRASH_MAX_FAILOVERS", 2),
			SettleDelay:    envDurationOr("GATECRASH_SETTLE_DELAY", 2*time.Second),
		},
		Egress: EgressConfig{
			WorkDir:        envOr("GATECRASH_EGRESS_DIR", "/var/lib/gatecrash/egress"),
			SeedFile:       os.Getenv("GATECRASH_EGRESS_SEED"),
			HealthInterval: envDurationOr("GATECRASH_HEALTH_INTERVAL", 30*time.Second),
			ProbeTimeout:   envDurationOr("GATECRASH_PROBE_TIMEOUT", 5*time.Second),
		},
		Captcha: CaptchaConfig{
			BaseURL:      envOr("GATECRASH_CAPTCHA_URL", "https://api.capsolver.com"),
			ClientKey:    os.Getenv("GATECRASH_CAPTCHA_KEY"),
			PollInterval: envDurationOr("GATECRASH_CAPTCHA_POLL", 3*time.Second),
			MaxWait:      envDurationOr("GATECRASH_CAPTCHA_MAX_WAIT", 2*time.Minute),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("GATECRASH_AUTH_ENABLED", true),
			APIKeys: envSliceOr("GATECRASH_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("GATECRASH_RATE_RPS", 5.0),
			Burst:             envIntOr("GATECRASH_RATE_BURST", 10),
		},
		Webhook: WebhookConfig{
			URL:    os.Getenv("GATECRASH_WEBHOOK_URL"),
			Secret: os.Getenv("GATECRASH_WEBHOOK_SECRET"),
		},
		Log: LogConfig{
			Level:      envOr("GATECRASH_LOG_LEVEL", "info"),
			Format:     envOr("GATECRASH_LOG_FORMAT", "json"),
			File:       os.Getenv("GATECRASH_LOG_FILE"),
			MaxSizeMB:  envIntOr("GATECRASH_LOG_MAX_SIZE_MB", 100),
			MaxBackups: envIntOr("GATECRASH_LOG_MAX_BACKUPS", 3),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
