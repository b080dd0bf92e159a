// Package config loads the Gateway host's own JSON config file and derives
// the handful of settings Forked needs from it: the gateway endpoint, the
// shared auth token, the set of configured delivery channels, and the
// retention policy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/titanous/json5"
)

// NeverRetention is the sentinel retention value meaning "disable the
// sweep entirely".
const NeverRetention = -1

// DefaultRetentionDays applies when the host config sets no retention.
const DefaultRetentionDays = 14

// DefaultPromotionMaxEvents mirrors lineage.DefaultPromotionMaxEvents; kept
// here too so Config can expose it without importing the lineage package.
const DefaultPromotionMaxEvents = 2

// Config is Forked's own view of the host configuration file. It is not a
// copy of the Gateway's config schema — Forked only extracts the settings
// it needs, everything else stays in Raw for sanitized pass-through.
type Config struct {
	GatewayPort  int    `json:"-"`
	GatewayToken string `json:"-"`

	// Channels is the set of configured delivery channel names, lowercased,
	// derived from the top-level "channels" object's keys.
	Channels map[string]bool `json:"-"`

	// RetentionDays is the number of days to keep events/snapshots, or
	// NeverRetention to disable the sweep.
	RetentionDays int `json:"-"`

	// PromotionMaxEvents is the lineage promotion heuristic's tunable
	// threshold. Default matches lineage.DefaultPromotionMaxEvents;
	// overridden by FORKED_PROMOTION_MAX_EVENTS.
	PromotionMaxEvents int `json:"-"`

	// RetentionCron, if set, overrides the Retention Sweeper's fixed ~1h
	// interval with a cron expression. Empty means "use the fixed interval".
	RetentionCron string `json:"-"`

	// TelemetryEnabled gates whether the daemon exports OpenTelemetry spans
	// over OTLP/HTTP. Off by default; most installs have nowhere local to
	// send spans.
	TelemetryEnabled bool `json:"-"`

	// TelemetryEndpoint is the OTLP/HTTP collector endpoint (host:port, no
	// scheme) spans are exported to when TelemetryEnabled is set.
	TelemetryEndpoint string `json:"-"`

	// Path is the file Config was loaded from (or would be saved to).
	Path string `json:"-"`

	// Raw is the full decoded config tree, used by Sanitize for the
	// /api/openclaw-config endpoint.
	Raw map[string]interface{} `json:"-"`

	mu sync.RWMutex
}

// Default returns a Config with sensible defaults, used when the host
// config file doesn't exist yet.
func Default() *Config {
	return &Config{
		GatewayPort:        18790,
		Channels:           map[string]bool{},
		RetentionDays:      DefaultRetentionDays,
		PromotionMaxEvents: DefaultPromotionMaxEvents,
		Raw:                map[string]interface{}{},
	}
}

// Load reads the host config file at path, falling back to Default() if it
// doesn't exist so the daemon can still start.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.Path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]interface{}
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Raw = raw

	if gw, ok := raw["gateway"].(map[string]interface{}); ok {
		if port, ok := gw["port"].(float64); ok {
			cfg.GatewayPort = int(port)
		}
		if auth, ok := gw["auth"].(map[string]interface{}); ok {
			if tok, ok := auth["token"].(string); ok {
				cfg.GatewayToken = tok
			}
		}
	}

	if chans, ok := raw["channels"].(map[string]interface{}); ok {
		for k := range chans {
			cfg.Channels[strings.ToLower(k)] = true
		}
	}

	cfg.RetentionDays = parseRetention(raw["retention"], DefaultRetentionDays)
	if cron, ok := raw["retentionCron"].(string); ok {
		cfg.RetentionCron = cron
	}

	if tel, ok := raw["telemetry"].(map[string]interface{}); ok {
		if enabled, ok := tel["enabled"].(bool); ok {
			cfg.TelemetryEnabled = enabled
		}
		if endpoint, ok := tel["endpoint"].(string); ok {
			cfg.TelemetryEndpoint = endpoint
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// parseRetention interprets the retention setting: an int number of days,
// or the literal string "never".
func parseRetention(v interface{}, def int) int {
	switch t := v.(type) {
	case string:
		if strings.EqualFold(t, "never") {
			return NeverRetention
		}
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	case float64:
		return int(t)
	}
	return def
}

// applyEnvOverrides applies FORKED_* environment overrides on top of the
// file settings.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FORKED_RETENTION_DAYS"); v != "" {
		c.RetentionDays = parseRetention(v, c.RetentionDays)
	}
	if v := os.Getenv("FORKED_PROMOTION_MAX_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.PromotionMaxEvents = n
		}
	}
	if v := os.Getenv("FORKED_OTLP_ENDPOINT"); v != "" {
		c.TelemetryEnabled = true
		c.TelemetryEndpoint = v
	}
}

// TelemetryView reports whether OTLP span export is enabled and, if so,
// the collector endpoint it exports to.
func (c *Config) TelemetryView() (enabled bool, endpoint string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TelemetryEnabled, c.TelemetryEndpoint
}

// GatewayURL derives the loopback WebSocket endpoint URL for the Gateway's
// RPC connection from the configured port.
func (c *Config) GatewayURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("ws://127.0.0.1:%d/ws", c.GatewayPort)
}

// IsChannelConfigured reports whether channel is among the configured
// delivery channels. An empty set matches everything, so a host with no
// channels block still gets its forked replies delivered.
func (c *Config) IsChannelConfigured(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Channels) == 0 {
		return true
	}
	return c.Channels[strings.ToLower(channel)]
}

// RetentionDisabled reports whether the retention sweep should never run.
func (c *Config) RetentionDisabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RetentionDays == NeverRetention
}

// RetentionDaysValue returns the current retention window in days.
func (c *Config) RetentionDaysValue() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RetentionDays
}

// Reload re-reads the config file in place, replacing Raw/Channels/
// RetentionDays/Gateway* fields under lock. Used by the fsnotify watcher.
func (c *Config) Reload() error {
	fresh, err := Load(c.Path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GatewayPort = fresh.GatewayPort
	c.GatewayToken = fresh.GatewayToken
	c.Channels = fresh.Channels
	c.RetentionDays = fresh.RetentionDays
	c.PromotionMaxEvents = fresh.PromotionMaxEvents
	c.RetentionCron = fresh.RetentionCron
	c.TelemetryEnabled = fresh.TelemetryEnabled
	c.TelemetryEndpoint = fresh.TelemetryEndpoint
	c.Raw = fresh.Raw
	return nil
}

// RetentionView is a snapshot of the retention setting as the /api/config
// endpoint reports it: either a day count or the literal "never".
func (c *Config) RetentionView() interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.RetentionDays == NeverRetention {
		return "never"
	}
	return c.RetentionDays
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
