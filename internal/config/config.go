package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	BaseURL     string `mapstructure:"BASE_URL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	CursorStore    string `mapstructure:"CURSOR_STORE"`

	CursorExpirySeconds        int `mapstructure:"CURSOR_EXPIRY_SECONDS"`
	CursorSweepIntervalSeconds int `mapstructure:"CURSOR_SWEEP_INTERVAL_SECONDS"`
	CursorShards               int `mapstructure:"CURSOR_SHARDS"`
	DefaultPageSize            int `mapstructure:"DEFAULT_PAGE_SIZE"`
	MaxPageSize                int `mapstructure:"MAX_PAGE_SIZE"`
	PageResolveConcurrency     int `mapstructure:"PAGE_RESOLVE_CONCURRENCY"`
	RequestTimeoutSeconds      int `mapstructure:"REQUEST_TIMEOUT_SECONDS"`

	AllowUpdateCreate bool   `mapstructure:"ALLOW_UPDATE_CREATE"`
	ServerDescription string `mapstructure:"SERVER_DESCRIPTION"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
}

var defaults = map[string]interface{}{
	"PORT":                          "8000",
	"ENV":                           "development",
	"LOG_LEVEL":                     "info",
	"DB_MAX_CONNS":                  20,
	"DB_MIN_CONNS":                  5,
	"STORAGE_BACKEND":               BackendMemory,
	"CURSOR_EXPIRY_SECONDS":         3600,
	"CURSOR_SWEEP_INTERVAL_SECONDS": 60,
	"CURSOR_SHARDS":                 32,
	"DEFAULT_PAGE_SIZE":             20,
	"MAX_PAGE_SIZE":                 200,
	"PAGE_RESOLVE_CONCURRENCY":      8,
	"REQUEST_TIMEOUT_SECONDS":       30,
	"ALLOW_UPDATE_CREATE":           false,
	"SERVER_DESCRIPTION":            "Example Server",
	"CORS_ORIGINS":                  "*",
	"RATE_LIMIT_RPS":                100,
	"RATE_LIMIT_BURST":              200,
}

// unset keys that still need binding so Unmarshal sees them.
var optional = []string{
	"BASE_URL", "DATABASE_URL", "CURSOR_STORE",
	"AUTH_SIGNING_KEY", "AUTH_JWKS_URL", "AUTH_ISSUER", "AUTH_AUDIENCE",
}

// Load reads configuration from the environment, falling back to envFile
// (".env" when empty) and then to defaults. A missing file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
		v.BindEnv(k)
	}
	for _, k := range optional {
		v.BindEnv(k)
	}

	// Try reading the env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	cfg.CursorStore = strings.ToLower(strings.TrimSpace(cfg.CursorStore))
	if cfg.CursorStore == "" {
		cfg.CursorStore = cfg.StorageBackend
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// AuthEnabled reports whether bearer tokens can be verified.
func (c *Config) AuthEnabled() bool {
	return c.AuthSigningKey != "" || c.AuthJWKSURL != ""
}

func (c *Config) CursorExpiry() time.Duration {
	return time.Duration(c.CursorExpirySeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.CursorSweepIntervalSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key or JWKS endpoint is required.
func (c *Config) Validate() error {
	var errs []error

	positive := map[string]int{
		"CURSOR_EXPIRY_SECONDS":         c.CursorExpirySeconds,
		"CURSOR_SWEEP_INTERVAL_SECONDS": c.CursorSweepIntervalSeconds,
		"CURSOR_SHARDS":                 c.CursorShards,
		"DEFAULT_PAGE_SIZE":             c.DefaultPageSize,
		"MAX_PAGE_SIZE":                 c.MaxPageSize,
		"PAGE_RESOLVE_CONCURRENCY":      c.PageResolveConcurrency,
		"RATE_LIMIT_BURST":              c.RateLimitBurst,
	}
	for _, k := range sortedKeys(positive) {
		if positive[k] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", k, positive[k]))
		}
	}
	if c.RequestTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT_SECONDS must not be negative, got %d", c.RequestTimeoutSeconds))
	}
	if c.RateLimitRPS <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be positive, got %v", c.RateLimitRPS))
	}
	if c.DefaultPageSize > c.MaxPageSize {
		errs = append(errs, fmt.Errorf("DEFAULT_PAGE_SIZE (%d) must not exceed MAX_PAGE_SIZE (%d)", c.DefaultPageSize, c.MaxPageSize))
	}

	for key, val := range map[string]string{"STORAGE_BACKEND": c.StorageBackend, "CURSOR_STORE": c.CursorStore} {
		if val != BackendMemory && val != BackendPostgres {
			errs = append(errs, fmt.Errorf("%s must be %q or %q, got %q", key, BackendMemory, BackendPostgres, val))
		}
	}
	if (c.StorageBackend == BackendPostgres || c.CursorStore == BackendPostgres) && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required when STORAGE_BACKEND or CURSOR_STORE is postgres"))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns))
	}

	if !c.IsDev() && !c.AuthEnabled() {
		errs = append(errs, fmt.Errorf(
			"AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set outside development (current ENV=%q)", c.Env))
	}

	return errors.Join(errs...)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
