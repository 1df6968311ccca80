package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full pulsed configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// ShutdownTimeout is the default grace window a stopping probe scheduler
	// waits for an in-flight check before forcing termination.
	// Probes may override it individually.
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	History *HistoryConfig `json:"history,omitempty"`
	Notify  *NotifyConfig  `json:"notify,omitempty"`

	Probes []ProbeConfig `json:"probes"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HistoryConfig controls the SQLite run log.
//
// Example:
//
//	"history": { "enabled": true, "path": "./pulsed.db", "keep": 1000 }
type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// Keep bounds retained rows per probe; older rows are pruned. 0 = default.
	Keep int `json:"keep,omitempty"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// NotifyConfig controls the async failure-notification pipeline.
type NotifyConfig struct {
	Enabled   bool `json:"enabled"`
	QueueSize int  `json:"queue_size,omitempty"`
	// RatePerMin caps delivered notifications per minute (token bucket).
	RatePerMin int `json:"rate_per_min,omitempty"`

	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// PollTimeout is a Go duration string used by the bot client.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// ProbeConfig declares one health probe and its schedule. Each probe is bound
// to its own scheduler instance for the scheduler's whole lifetime; changing
// a probe's schedule on reload replaces the instance rather than mutating it.
type ProbeConfig struct {
	Name string `json:"name"`
	// Type is one of "http", "tcp", "speedtest".
	Type string `json:"type"`

	InitialDelay string `json:"initial_delay,omitempty"`
	Interval     string `json:"interval"`
	// ShutdownTimeout overrides the global default for this probe.
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// Timeout bounds a single check; 0 disables the per-check deadline.
	Timeout string `json:"timeout,omitempty"`

	// http
	URL string `json:"url,omitempty"`

	// tcp
	Address string `json:"address,omitempty"`

	// speedtest
	MinDownloadMbps float64 `json:"min_download_mbps,omitempty"`
	MinUploadMbps   float64 `json:"min_upload_mbps,omitempty"`
	MaxPingMs       float64 `json:"max_ping_ms,omitempty"`
}

const DefaultShutdownTimeout = 5 * time.Second

// Schedule is a probe's parsed timing parameters.
type Schedule struct {
	InitialDelay    time.Duration
	Interval        time.Duration
	ShutdownTimeout time.Duration
	Timeout         time.Duration
}

// Schedule parses and defaults the probe's timing fields. globalShutdown is
// the config-level shutdown_timeout fallback (zero means built-in default).
func (p ProbeConfig) Schedule(globalShutdown time.Duration) (Schedule, error) {
	path := "probes." + p.Name

	delay, err := ParseDurationField(path+".initial_delay", p.InitialDelay)
	if err != nil {
		return Schedule{}, err
	}
	interval, err := ParseDurationField(path+".interval", p.Interval)
	if err != nil {
		return Schedule{}, err
	}
	if interval <= 0 {
		return Schedule{}, fmt.Errorf("%s.interval: must be set and > 0", path)
	}
	fallback := globalShutdown
	if fallback <= 0 {
		fallback = DefaultShutdownTimeout
	}
	grace, err := ParseDurationOrDefault(path+".shutdown_timeout", p.ShutdownTimeout, fallback)
	if err != nil {
		return Schedule{}, err
	}
	timeout, err := ParseDurationField(path+".timeout", p.Timeout)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{
		InitialDelay:    delay,
		Interval:        interval,
		ShutdownTimeout: grace,
		Timeout:         timeout,
	}, nil
}

// Validate rejects configs that cannot be turned into a running app. It is
// also installed as the manager's pre-commit hook so a bad edit during hot
// reload never reaches subscribers.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("shutdown_timeout", c.ShutdownTimeout); err != nil {
		return err
	}
	if c.History != nil && c.History.Enabled {
		if strings.TrimSpace(c.History.Path) == "" {
			return fmt.Errorf("history.path: required when history is enabled")
		}
		if _, err := ParseDurationField("history.busy_timeout", c.History.BusyTimeout); err != nil {
			return err
		}
	}
	if c.Notify != nil && c.Notify.Telegram != nil && c.Notify.Telegram.Enabled {
		if strings.TrimSpace(c.Notify.Telegram.Token) == "" {
			return fmt.Errorf("notify.telegram.token: required when telegram notifications are enabled")
		}
		if c.Notify.Telegram.ChatID == 0 {
			return fmt.Errorf("notify.telegram.chat_id: required when telegram notifications are enabled")
		}
		if _, err := ParseDurationField("notify.telegram.poll_timeout", c.Notify.Telegram.PollTimeout); err != nil {
			return err
		}
	}

	if len(c.Probes) == 0 {
		return fmt.Errorf("probes: at least one probe is required")
	}
	global, _ := ParseDurationField("shutdown_timeout", c.ShutdownTimeout)
	seen := make(map[string]struct{}, len(c.Probes))
	for i, p := range c.Probes {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("probes[%d].name: required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("probes[%d].name: duplicate probe %q", i, name)
		}
		seen[name] = struct{}{}

		if _, err := p.Schedule(global); err != nil {
			return err
		}

		switch strings.TrimSpace(strings.ToLower(p.Type)) {
		case "http":
			if strings.TrimSpace(p.URL) == "" {
				return fmt.Errorf("probes.%s.url: required for http probes", name)
			}
		case "tcp":
			if strings.TrimSpace(p.Address) == "" {
				return fmt.Errorf("probes.%s.address: required for tcp probes", name)
			}
		case "speedtest":
			if p.MinDownloadMbps <= 0 && p.MinUploadMbps <= 0 && p.MaxPingMs <= 0 {
				return fmt.Errorf("probes.%s: speedtest probes need at least one threshold", name)
			}
		default:
			return fmt.Errorf("probes.%s.type: unknown probe type %q", name, p.Type)
		}
	}
	return nil
}

// GlobalShutdownTimeout returns the parsed config-level grace window with the
// built-in default applied.
func (c *Config) GlobalShutdownTimeout() time.Duration {
	d, err := ParseDurationField("shutdown_timeout", c.ShutdownTimeout)
	if err != nil || d <= 0 {
		return DefaultShutdownTimeout
	}
	return d
}
