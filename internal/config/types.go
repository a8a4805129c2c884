package config

import (
	"fmt"
	"strings"
	"time"

	logx "peerdrivectl/pkg/logx"
)

// Config is the controller configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "600ms", "3s", "1m").
type Config struct {
	// Service is the supervised unit; the ".service" suffix is optional.
	Service string `json:"service"`
	// Scope selects the systemd instance: "user" (default) or "system".
	Scope string `json:"scope"`
	// Backend selects how the manager is reached: "dbus" (default) or
	// "systemctl" (exec fallback).
	Backend string `json:"backend"`

	Poll       PollConfig       `json:"poll"`
	Journal    JournalConfig    `json:"journal"`
	Flags      FlagsConfig      `json:"flags"`
	UserConfig UserConfigConfig `json:"user_config"`
	Logging    LoggingConfig    `json:"logging"`
	HTTP       HTTPConfig       `json:"http"`
}

// PollConfig controls status refresh and settle detection.
//
// Defaults (when fields are omitted/zero):
//   - refresh_interval: "3s"
//   - settle_timeout: "10s"
//   - settle_interval: "600ms"
//   - action_timeout: "15s"
type PollConfig struct {
	RefreshInterval string `json:"refresh_interval,omitempty"`
	SettleTimeout   string `json:"settle_timeout,omitempty"`
	SettleInterval  string `json:"settle_interval,omitempty"`
	ActionTimeout   string `json:"action_timeout,omitempty"`
}

type JournalConfig struct {
	Binary  string `json:"binary,omitempty"`  // default "journalctl"
	Backlog int    `json:"backlog,omitempty"` // default 200
	Output  string `json:"output,omitempty"`  // default "short-iso"
}

// FlagsConfig locates the unit file that carries the startup flags.
type FlagsConfig struct {
	UnitDir    string `json:"unit_dir,omitempty"`
	ExecPrefix string `json:"exec_prefix,omitempty"`
	// ReloadAfterSave runs a daemon-reload after each save. It never restarts.
	ReloadAfterSave bool `json:"reload_after_save,omitempty"`
}

type UserConfigConfig struct {
	Path string `json:"path,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// HTTPConfig controls the local control API served by "peerdrivectl serve".
//
// Security note: the API can start and stop the daemon; keep it on loopback.
type HTTPConfig struct {
	Addr              string `json:"addr,omitempty"` // default "127.0.0.1:7878"
	Metrics           *bool  `json:"metrics,omitempty"`
	Pprof             bool   `json:"pprof,omitempty"` // mounts /debug/pprof
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
}

const (
	DefaultService  = "peerdrived"
	DefaultHTTPAddr = "127.0.0.1:7878"

	ScopeUser   = "user"
	ScopeSystem = "system"

	BackendDBus      = "dbus"
	BackendSystemctl = "systemctl"
)

// Default returns a config with every default filled in.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills omitted fields. Durations stay as strings; use
// PollDurations to resolve them.
func (c *Config) ApplyDefaults() {
	c.Service = strings.TrimSpace(c.Service)
	if c.Service == "" {
		c.Service = DefaultService
	}
	c.Scope = strings.ToLower(strings.TrimSpace(c.Scope))
	if c.Scope == "" {
		c.Scope = ScopeUser
	}
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = BackendDBus
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch c.Scope {
	case ScopeUser, ScopeSystem:
	default:
		return fmt.Errorf("scope: want %q or %q, got %q", ScopeUser, ScopeSystem, c.Scope)
	}
	switch c.Backend {
	case BackendDBus, BackendSystemctl:
	default:
		return fmt.Errorf("backend: want %q or %q, got %q", BackendDBus, BackendSystemctl, c.Backend)
	}
	if strings.ContainsAny(c.Service, "/ \t\n") {
		return fmt.Errorf("service: invalid unit name %q", c.Service)
	}
	if c.Journal.Backlog < 0 {
		return fmt.Errorf("journal.backlog: must be >= 0")
	}
	if !logx.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if _, err := c.PollDurations(); err != nil {
		return err
	}
	if _, err := ParseDurationField("http.read_header_timeout", c.HTTP.ReadHeaderTimeout); err != nil {
		return err
	}
	return nil
}

// PollDurations are the resolved poll settings.
type PollDurations struct {
	RefreshInterval time.Duration
	SettleTimeout   time.Duration
	SettleInterval  time.Duration
	ActionTimeout   time.Duration
}

func (c *Config) PollDurations() (PollDurations, error) {
	var (
		d   PollDurations
		err error
	)
	if d.RefreshInterval, err = ParseDurationOrDefault("poll.refresh_interval", c.Poll.RefreshInterval, 3*time.Second); err != nil {
		return d, err
	}
	if d.SettleTimeout, err = ParseDurationOrDefault("poll.settle_timeout", c.Poll.SettleTimeout, 10*time.Second); err != nil {
		return d, err
	}
	if d.SettleInterval, err = ParseDurationOrDefault("poll.settle_interval", c.Poll.SettleInterval, 600*time.Millisecond); err != nil {
		return d, err
	}
	if d.ActionTimeout, err = ParseDurationOrDefault("poll.action_timeout", c.Poll.ActionTimeout, 15*time.Second); err != nil {
		return d, err
	}
	return d, nil
}

// MetricsEnabled defaults to true when omitted.
func (h HTTPConfig) MetricsEnabled() bool { return h.Metrics == nil || *h.Metrics }

// LogxConfig maps the logging section onto the logx service config.
func (l LoggingConfig) LogxConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
