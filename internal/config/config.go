package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/grc/internal/views"
	"github.com/eugenenazirov/grc/pkg/backend"
	"github.com/eugenenazirov/grc/pkg/grc"
)

const (
	defaultAddress        = ":12345"
	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50
	defaultSyncInterval   = 30 * time.Minute
	defaultLogLevel       = "info"
	defaultViewsDist      = "views/dist"
)

// ErrNoEndpoints is returned when the etcd provider is selected without endpoints.
var ErrNoEndpoints = errors.New("etcd provider requires at least one endpoint")

// Provider selects and configures the key/value backend.
type Provider struct {
	Type      string   `yaml:"type"`
	BasePath  string   `yaml:"base_path"`
	Endpoints []string `yaml:"endpoints"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
}

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > Environment variables > YAML config > Defaults
type Config struct {
	Address              string
	AdminPassword        string
	Provider             Provider
	SyncInterval         time.Duration
	ShutdownGracePeriod  time.Duration
	ReadHeaderTimeout    time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	EnableRequestLogging bool
	RateLimitRPS         float64
	RateLimitBurst       int
	LogLevel             string
	ViewsDist            string
	Views                views.Settings
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	Address              string          `yaml:"address"`
	AdminPassword        string          `yaml:"admin_password"`
	Provider             Provider        `yaml:"provider"`
	SyncInterval         string          `yaml:"sync_interval"`
	ShutdownGracePeriod  string          `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    string          `yaml:"read_header_timeout"`
	WriteTimeout         string          `yaml:"write_timeout"`
	IdleTimeout          string          `yaml:"idle_timeout"`
	EnableRequestLogging *bool           `yaml:"enable_request_logging"`
	RateLimit            yamlRateLimit   `yaml:"rate_limit"`
	LogLevel             string          `yaml:"log_level"`
	ViewsDist            string          `yaml:"views_dist"`
	Views                *views.Settings `yaml:"views"`
}

// yamlRateLimit represents the rate limit section in YAML.
type yamlRateLimit struct {
	RPS   *float64 `yaml:"rps"`
	Burst *int     `yaml:"burst"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile     string
	Address        *string
	Provider       *string
	Endpoints      *string
	BasePath       *string
	RateLimitRPS   *float64
	RateLimitBurst *int
	LogLevel       *string
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > Environment variables > YAML config > Defaults
func Load(overrides *CLIOverrides) (Config, error) {
	cfg := defaultConfig()

	if overrides != nil && overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
		if err := applyYAMLConfig(&cfg, yamlCfg); err != nil {
			return Config{}, fmt.Errorf("apply YAML config: %w", err)
		}
	}

	if err := applyEnvConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("apply environment: %w", err)
	}

	if overrides != nil {
		if err := applyCLIOverrides(&cfg, overrides); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with default values.
func defaultConfig() Config {
	return Config{
		Address: defaultAddress,
		Provider: Provider{
			Type:     backend.Memory,
			BasePath: grc.DefaultBasePath,
		},
		SyncInterval:         defaultSyncInterval,
		ShutdownGracePeriod:  10 * time.Second,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         15 * time.Second,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
		LogLevel:             defaultLogLevel,
		ViewsDist:            defaultViewsDist,
		Views:                views.Default(),
	}
}

// loadFromFile loads configuration from a YAML file. Unknown keys are rejected.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var yamlCfg yamlConfig
	if err := dec.Decode(&yamlCfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

// applyYAMLConfig applies YAML configuration to the Config struct.
func applyYAMLConfig(cfg *Config, yamlCfg *yamlConfig) error {
	if yamlCfg.Address != "" {
		cfg.Address = yamlCfg.Address
	}
	if yamlCfg.AdminPassword != "" {
		cfg.AdminPassword = yamlCfg.AdminPassword
	}

	p := yamlCfg.Provider
	if p.Type != "" {
		cfg.Provider.Type = p.Type
	}
	if p.BasePath != "" {
		cfg.Provider.BasePath = p.BasePath
	}
	if len(p.Endpoints) > 0 {
		cfg.Provider.Endpoints = p.Endpoints
	}
	if p.Username != "" {
		cfg.Provider.Username = p.Username
	}
	if p.Password != "" {
		cfg.Provider.Password = p.Password
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sync_interval", yamlCfg.SyncInterval, &cfg.SyncInterval},
		{"shutdown_grace_period", yamlCfg.ShutdownGracePeriod, &cfg.ShutdownGracePeriod},
		{"read_header_timeout", yamlCfg.ReadHeaderTimeout, &cfg.ReadHeaderTimeout},
		{"write_timeout", yamlCfg.WriteTimeout, &cfg.WriteTimeout},
		{"idle_timeout", yamlCfg.IdleTimeout, &cfg.IdleTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		value, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = value
	}

	if yamlCfg.EnableRequestLogging != nil {
		cfg.EnableRequestLogging = *yamlCfg.EnableRequestLogging
	}
	if yamlCfg.RateLimit.RPS != nil {
		cfg.RateLimitRPS = *yamlCfg.RateLimit.RPS
	}
	if yamlCfg.RateLimit.Burst != nil {
		cfg.RateLimitBurst = *yamlCfg.RateLimit.Burst
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.ViewsDist != "" {
		cfg.ViewsDist = yamlCfg.ViewsDist
	}
	if yamlCfg.Views != nil {
		cfg.Views = *yamlCfg.Views
	}
	return nil
}

// applyEnvConfig applies environment variable configuration.
func applyEnvConfig(cfg *Config) error {
	strs := []struct {
		env string
		dst *string
	}{
		{"GRC_ADDRESS", &cfg.Address},
		{"GRC_ADMIN_PASSWORD", &cfg.AdminPassword},
		{"GRC_PROVIDER", &cfg.Provider.Type},
		{"GRC_BASE_PATH", &cfg.Provider.BasePath},
		{"GRC_USERNAME", &cfg.Provider.Username},
		{"GRC_PASSWORD", &cfg.Provider.Password},
		{"GRC_LOG_LEVEL", &cfg.LogLevel},
		{"GRC_VIEWS_DIST", &cfg.ViewsDist},
	}
	for _, s := range strs {
		if value := strings.TrimSpace(os.Getenv(s.env)); value != "" {
			*s.dst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GRC_ENDPOINTS")); raw != "" {
		endpoints, err := parseEndpoints(raw)
		if err != nil {
			return fmt.Errorf("GRC_ENDPOINTS: %w", err)
		}
		cfg.Provider.Endpoints = endpoints
	}

	if raw := strings.TrimSpace(os.Getenv("GRC_SYNC_INTERVAL")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("GRC_SYNC_INTERVAL: %w", err)
		}
		cfg.SyncInterval = d
	}

	if rps := strings.TrimSpace(os.Getenv("RATE_LIMIT_RPS")); rps != "" {
		if value, err := strconv.ParseFloat(rps, 64); err == nil && value >= 0 {
			cfg.RateLimitRPS = value
		}
	}

	if burst := strings.TrimSpace(os.Getenv("RATE_LIMIT_BURST")); burst != "" {
		if value, err := strconv.Atoi(burst); err == nil && value >= 0 {
			cfg.RateLimitBurst = value
		}
	}
	return nil
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) error {
	if overrides.Address != nil && *overrides.Address != "" {
		cfg.Address = *overrides.Address
	}
	if overrides.Provider != nil && *overrides.Provider != "" {
		cfg.Provider.Type = *overrides.Provider
	}
	if overrides.BasePath != nil && *overrides.BasePath != "" {
		cfg.Provider.BasePath = *overrides.BasePath
	}
	if overrides.Endpoints != nil && *overrides.Endpoints != "" {
		endpoints, err := parseEndpoints(*overrides.Endpoints)
		if err != nil {
			return fmt.Errorf("parse endpoints: %w", err)
		}
		cfg.Provider.Endpoints = endpoints
	}
	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.RateLimitRPS = *overrides.RateLimitRPS
	}
	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.RateLimitBurst = *overrides.RateLimitBurst
	}
	if overrides.LogLevel != nil && *overrides.LogLevel != "" {
		cfg.LogLevel = *overrides.LogLevel
	}
	return nil
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", cfg.SyncInterval)
	}
	if !strings.HasPrefix(cfg.Provider.BasePath, "/") || strings.HasSuffix(cfg.Provider.BasePath, "/") {
		return fmt.Errorf("base path %q must start with / and not end with /", cfg.Provider.BasePath)
	}

	switch cfg.Provider.Type {
	case backend.Memory:
	case backend.Etcd:
		if len(cfg.Provider.Endpoints) == 0 {
			return ErrNoEndpoints
		}
	default:
		return fmt.Errorf("%w: %q", backend.ErrUnknownProvider, cfg.Provider.Type)
	}

	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if err := cfg.Views.Validate(); err != nil {
		return fmt.Errorf("views: %w", err)
	}
	return nil
}

// parseEndpoints parses a comma-separated list of backend endpoints.
func parseEndpoints(raw string) ([]string, error) {
	parts := strings.Split(raw, ",")
	endpoints := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		endpoints = append(endpoints, part)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints provided")
	}
	return endpoints, nil
}
