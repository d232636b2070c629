package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/devbridge/internal/otel"
)

const (
	DefaultBindAddr    = "127.0.0.1:8181"
	DefaultContextName = "devbridge"

	DefaultMaxMessageBytes = 8 << 20
)

type RuntimeConfig struct {
	// StartupScript is a JS file evaluated once at boot. Relative paths
	// resolve against the home directory.
	StartupScript      string `yaml:"startup_script"`
	EvalTimeoutSeconds int    `yaml:"eval_timeout_seconds"`
	MaxCallStackSize   int    `yaml:"max_call_stack_size"`
}

type DispatcherConfig struct {
	// ReplyUnknownMethods answers unknown methods with -32601 instead of
	// ignoring them.
	ReplyUnknownMethods bool `yaml:"reply_unknown_methods"`
}

type SessionConfig struct {
	WriteTimeoutSeconds int   `yaml:"write_timeout_seconds"`
	// MaxMessageBytes caps a single inbound WebSocket frame.
	MaxMessageBytes     int64 `yaml:"max_message_bytes"`
}

type StorageConfig struct {
	Root              string `yaml:"root"`
	MaxUploadBytes    int64  `yaml:"max_upload_bytes"`
	JanitorSchedule   string `yaml:"janitor_schedule"`
	TempMaxAgeMinutes int    `yaml:"temp_max_age_minutes"`
}

// RateLimitConfig throttles /storage/ and /api/ per client address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// CORSConfig is derived from allow_origins; it is not read from YAML.
type CORSConfig struct {
	Enabled        bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins lists Origin patterns accepted for browser WebSocket
	// connections and CORS. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	AuthTokenRequired bool   `yaml:"auth_token_required"`
	ContextName       string `yaml:"context_name"`

	Runtime    RuntimeConfig    `yaml:"runtime"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Session    SessionConfig    `yaml:"session"`
	Storage    StorageConfig    `yaml:"storage"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	OTel       otel.Config      `yaml:"otel"`

	// RetentionSessionsDays prunes closed sessions older than this. 0 keeps
	// history forever.
	RetentionSessionsDays int `yaml:"retention_sessions_days"`

	// Fresh is set when config.yaml did not exist yet.
	Fresh bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// EvalTimeout is the per-evaluation budget, zero when unlimited.
func (c Config) EvalTimeout() time.Duration {
	return time.Duration(c.Runtime.EvalTimeoutSeconds) * time.Second
}

// WriteTimeout bounds a single outbound WebSocket write.
func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.Session.WriteTimeoutSeconds) * time.Second
}

// TempMaxAge is how old an upload temp file must be before the janitor
// removes it.
func (c Config) TempMaxAge() time.Duration {
	return time.Duration(c.Storage.TempMaxAgeMinutes) * time.Minute
}

func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "devbridge.db")
}

// StartupScriptPath resolves runtime.startup_script; empty when unset.
func (c Config) StartupScriptPath() string {
	p := strings.TrimSpace(c.Runtime.StartupScript)
	if p == "" {
		return ""
	}
	p = expandHome(p)
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.HomeDir, p)
	}
	return p
}

// CORS derives the CORS middleware settings from allow_origins.
func (c Config) CORS() CORSConfig {
	return CORSConfig{
		Enabled:        len(c.AllowOrigins) > 0,
		AllowedOrigins: c.AllowOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
	}
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|auth=%t|ctx=%s|script=%s|eval=%d|stack=%d|unknown=%t|write=%d/%d|root=%s|upload=%d|janitor=%s|tmpage=%d|retention=%d|rl=%t/%d/%d|otel=%t/%s",
		c.BindAddr, c.LogLevel, c.AllowOrigins, c.AuthTokenRequired, c.ContextName,
		c.Runtime.StartupScript, c.Runtime.EvalTimeoutSeconds, c.Runtime.MaxCallStackSize,
		c.Dispatcher.ReplyUnknownMethods, c.Session.WriteTimeoutSeconds, c.Session.MaxMessageBytes,
		c.Storage.Root, c.Storage.MaxUploadBytes, c.Storage.JanitorSchedule, c.Storage.TempMaxAgeMinutes,
		c.RetentionSessionsDays, c.RateLimit.Enabled, c.RateLimit.RequestsPerMinute, c.RateLimit.BurstSize,
		c.OTel.Enabled, c.OTel.Exporter)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:    DefaultBindAddr,
		LogLevel:    "info",
		ContextName: DefaultContextName,
		Session: SessionConfig{
			WriteTimeoutSeconds: 10,
			MaxMessageBytes:     DefaultMaxMessageBytes,
		},
		Storage: StorageConfig{
			MaxUploadBytes:    4 << 20,
			JanitorSchedule:   "@every 10m",
			TempMaxAgeMinutes: 60,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		OTel: otel.Config{
			Exporter:    "otlp-http",
			ServiceName: otel.DefaultServiceName,
			SampleRate:  1,
		},
		RetentionSessionsDays: 30,
	}
}

// HomeDir is DEVBRIDGE_HOME, or ~/.devbridge.
func HomeDir() string {
	if override := os.Getenv("DEVBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".devbridge")
}

// Load reads <home>/config.yaml over the defaults, then applies env
// overrides, normalizes and validates.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load for an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create devbridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Fresh = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes the default config.yaml into homeDir unless one
// already exists.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create devbridge home: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func normalize(cfg *Config) {
	cfg.BindAddr = strings.TrimSpace(cfg.BindAddr)
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.ContextName) == "" {
		cfg.ContextName = DefaultContextName
	}
	if cfg.Runtime.EvalTimeoutSeconds < 0 {
		cfg.Runtime.EvalTimeoutSeconds = 0
	}
	if cfg.Session.WriteTimeoutSeconds <= 0 {
		cfg.Session.WriteTimeoutSeconds = 10
	}
	if cfg.Session.MaxMessageBytes <= 0 {
		cfg.Session.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if strings.TrimSpace(cfg.Storage.Root) == "" {
		cfg.Storage.Root = filepath.Join(cfg.HomeDir, "storage")
	}
	cfg.Storage.Root = expandHome(cfg.Storage.Root)
	if cfg.Storage.MaxUploadBytes <= 0 {
		cfg.Storage.MaxUploadBytes = 4 << 20
	}
	if strings.TrimSpace(cfg.Storage.JanitorSchedule) == "" {
		cfg.Storage.JanitorSchedule = "@every 10m"
	}
	if cfg.Storage.TempMaxAgeMinutes <= 0 {
		cfg.Storage.TempMaxAgeMinutes = 60
	}
	if cfg.RetentionSessionsDays < 0 {
		cfg.RetentionSessionsDays = 0
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 20
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = otel.DefaultServiceName
	}
}

func validate(cfg Config) error {
	var errs []error
	if _, _, err := net.SplitHostPort(cfg.BindAddr); err != nil {
		errs = append(errs, fmt.Errorf("bind_addr %q: %w", cfg.BindAddr, err))
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: want debug, info, warn or error", cfg.LogLevel))
	}
	if cfg.Runtime.MaxCallStackSize < 0 {
		errs = append(errs, fmt.Errorf("runtime.max_call_stack_size must not be negative"))
	}
	switch cfg.OTel.Exporter {
	case "", "otlp-http", "stdout", "none":
	default:
		errs = append(errs, fmt.Errorf("otel.exporter %q: want otlp-http, stdout or none", cfg.OTel.Exporter))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DEVBRIDGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("DEVBRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DEVBRIDGE_STORAGE_ROOT"); raw != "" {
		cfg.Storage.Root = raw
	}
	if raw := os.Getenv("DEVBRIDGE_STARTUP_SCRIPT"); raw != "" {
		cfg.Runtime.StartupScript = raw
	}
	if raw := os.Getenv("DEVBRIDGE_AUTH_TOKEN_REQUIRED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.AuthTokenRequired = v
		}
	}
	if raw := os.Getenv("DEVBRIDGE_EVAL_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Runtime.EvalTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("DEVBRIDGE_REPLY_UNKNOWN_METHODS"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Dispatcher.ReplyUnknownMethods = v
		}
	}
}
