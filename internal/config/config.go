// Package config loads the daemon configuration with the precedence
// ENV > file > defaults. The YAML file is parsed strictly; unknown
// fields are rejected to surface misconfiguration early.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"`

	Manager     ManagerConfig            `yaml:"manager"`
	Enforcement EnforcementConfig        `yaml:"enforcement"`
	Notify      NotifyConfig             `yaml:"notify"`
	API         APIConfig                `yaml:"api"`
	Plugins     map[string]PluginOptions `yaml:"plugins"`
	// Trusts maps delegated-credential ids to the owning identity.
	Trusts map[string]TrustEntry `yaml:"trusts"`
}

// TrustEntry is the identity a trust id resolves to.
type TrustEntry struct {
	ProjectID string `yaml:"projectID"`
	UserID    string `yaml:"userID"`
}

// ManagerConfig drives the lease service and the event engine.
type ManagerConfig struct {
	Plugins []string `yaml:"plugins"`
	// MinutesBeforeEndLease schedules the before_end event that many
	// minutes ahead of lease end. Zero disables before_end events.
	MinutesBeforeEndLease int           `yaml:"minutesBeforeEndLease"`
	EventMaxRetries       int           `yaml:"eventMaxRetries"`
	EventInterval         time.Duration `yaml:"eventInterval"`
}

// EnforcementConfig selects and parameterizes usage filters.
type EnforcementConfig struct {
	Filters []string `yaml:"filters"`
	// MaxLeaseDuration in seconds, 0 means unlimited.
	MaxLeaseDuration                 int      `yaml:"maxLeaseDuration"`
	MaxLeaseDurationExemptProjectIDs []string `yaml:"maxLeaseDurationExemptProjectIDs"`
	ExternalServiceBaseEndpoint      string   `yaml:"externalServiceBaseEndpoint"`
	ExternalServiceToken             string   `yaml:"externalServiceToken"`
}

// NotifyConfig selects the notification transport. An empty RedisAddr
// keeps notifications log-only.
type NotifyConfig struct {
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
}

// APIConfig drives the REST listener.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// RateLimit is requests per minute per client IP.
	RateLimit int `yaml:"rateLimit"`
}

// PluginOptions is one per-resource-type option group.
type PluginOptions struct {
	DefaultResourceProperties        map[string]string `yaml:"defaultResourceProperties"`
	DisplayDefaultResourceProperties bool              `yaml:"displayDefaultResourceProperties"`
	RetryAllocationWithoutDefaults   bool              `yaml:"retryAllocationWithoutDefaults"`
	BeforeEndAction                  string            `yaml:"beforeEndAction"`
	Extra                            map[string]any    `yaml:"extra"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:  "/var/lib/croft",
		LogLevel: "info",
		Manager: ManagerConfig{
			Plugins:               []string{"dummy.vm.plugin"},
			MinutesBeforeEndLease: 60,
			EventMaxRetries:       1,
			EventInterval:         10 * time.Second,
		},
		API: APIConfig{
			Listen:    ":8472",
			RateLimit: 60,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then CROFT_* environment overrides,
// then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	mergeEnv(&cfg)

	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// mergeFile overlays a strictly parsed YAML file onto cfg.
func mergeFile(cfg *Config, path string) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided path
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// mergeEnv applies CROFT_* overrides, the highest precedence.
func mergeEnv(cfg *Config) {
	cfg.DataDir = ParseString("CROFT_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = ParseString("CROFT_LOG_LEVEL", cfg.LogLevel)
	cfg.Notify.RedisAddr = ParseString("CROFT_REDIS_ADDR", cfg.Notify.RedisAddr)
	cfg.API.Listen = ParseString("CROFT_API_LISTEN", cfg.API.Listen)
	cfg.Manager.EventInterval = ParseDuration("CROFT_EVENT_INTERVAL", cfg.Manager.EventInterval)
	cfg.Manager.EventMaxRetries = ParseInt("CROFT_EVENT_MAX_RETRIES", cfg.Manager.EventMaxRetries)
	cfg.Manager.MinutesBeforeEndLease = ParseInt("CROFT_MINUTES_BEFORE_END_LEASE", cfg.Manager.MinutesBeforeEndLease)
}
