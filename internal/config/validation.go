package config

import (
	"fmt"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true,
}

var knownFilters = map[string]bool{
	"max_lease_duration": true,
	"external_service":   true,
}

// Validate rejects configurations the daemon cannot safely run with.
func Validate(cfg Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("dataDir must not be empty")
	}
	if !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		return fmt.Errorf("logLevel %q is not one of trace, debug, info, warn, error", cfg.LogLevel)
	}

	if cfg.Manager.EventMaxRetries < 0 || cfg.Manager.EventMaxRetries > 50 {
		return fmt.Errorf("manager.eventMaxRetries %d is out of range 0..50", cfg.Manager.EventMaxRetries)
	}
	if cfg.Manager.EventInterval <= 0 {
		return fmt.Errorf("manager.eventInterval must be positive")
	}
	if cfg.Manager.MinutesBeforeEndLease < 0 {
		return fmt.Errorf("manager.minutesBeforeEndLease must not be negative")
	}
	if len(cfg.Manager.Plugins) == 0 {
		return fmt.Errorf("manager.plugins must name at least one plugin")
	}
	for _, name := range cfg.Manager.Plugins {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("manager.plugins contains an empty plugin name")
		}
	}

	for _, filter := range cfg.Enforcement.Filters {
		if !knownFilters[filter] {
			return fmt.Errorf("enforcement.filters: unknown filter %q", filter)
		}
	}
	if cfg.Enforcement.MaxLeaseDuration < 0 {
		return fmt.Errorf("enforcement.maxLeaseDuration must not be negative")
	}
	if hasFilter(cfg.Enforcement.Filters, "external_service") {
		endpoint := cfg.Enforcement.ExternalServiceBaseEndpoint
		if endpoint == "" {
			return fmt.Errorf("enforcement.externalServiceBaseEndpoint is required for the external_service filter")
		}
		u, err := url.Parse(endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("enforcement.externalServiceBaseEndpoint %q is not a valid URL", endpoint)
		}
	}

	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen must not be empty")
	}
	if cfg.API.RateLimit < 0 {
		return fmt.Errorf("api.rateLimit must not be negative")
	}
	return nil
}

func hasFilter(filters []string, name string) bool {
	for _, f := range filters {
		if f == name {
			return true
		}
	}
	return false
}
