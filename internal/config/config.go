// Package config provides configuration management for pausepoint.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	DefaultWorkerPort  = 37801
	DefaultDBDriver    = "sqlite"
	DefaultBanditMode  = "bandit"
	DefaultWriterLimit = 16

	DefaultSweepSchedule     = "@every 5m"
	DefaultAggregateSchedule = "10 0 * * *"
	DefaultCleanupSchedule   = "30 3 * * *"
	DefaultRetentionDays     = 90
)

// DefaultPollIntervals are the active, idle, screen-off and power-saving
// polling cadences in seconds.
var DefaultPollIntervals = []string{"2", "5", "15", "30"}

// Config holds the runtime settings. JSON keys match the environment
// variable names so one file format serves both.
type Config struct {
	WorkerPort int    `json:"PAUSEPOINT_WORKER_PORT"`
	DBDriver   string `json:"PAUSEPOINT_DB_DRIVER"`
	DBPath     string `json:"PAUSEPOINT_DB_PATH"`
	DSN        string `json:"PAUSEPOINT_DATABASE_DSN"`
	MaxConns   int    `json:"PAUSEPOINT_DB_MAX_CONNS"`

	SessionGapSeconds  int `json:"PAUSEPOINT_SESSION_GAP_SECONDS"`
	MinSessionSeconds  int `json:"PAUSEPOINT_MIN_SESSION_SECONDS"`
	TimerMinutes       int `json:"PAUSEPOINT_TIMER_MINUTES"`
	RapidReopenMinutes int `json:"PAUSEPOINT_RAPID_REOPEN_MINUTES"`

	MinIntervalMinutes int    `json:"PAUSEPOINT_MIN_INTERVAL_MINUTES"`
	MaxPerHour         int    `json:"PAUSEPOINT_MAX_PER_HOUR"`
	BanditMode         string `json:"PAUSEPOINT_BANDIT_MODE"`
	WriterLimit        int    `json:"PAUSEPOINT_WRITER_LIMIT"`

	// PollIntervalsRaw is a comma list of seconds; see PollIntervals.
	PollIntervalsRaw string   `json:"PAUSEPOINT_POLL_INTERVALS"`
	PollIntervals    []string `json:"-"`

	SweepSchedule     string `json:"PAUSEPOINT_SWEEP_SCHEDULE"`
	AggregateSchedule string `json:"PAUSEPOINT_AGGREGATE_SCHEDULE"`
	CleanupSchedule   string `json:"PAUSEPOINT_CLEANUP_SCHEDULE"`
	RetentionDays     int    `json:"PAUSEPOINT_RETENTION_DAYS"`
}

var (
	global     *Config
	globalOnce sync.Once
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WorkerPort:         DefaultWorkerPort,
		DBDriver:           DefaultDBDriver,
		MaxConns:           4,
		SessionGapSeconds:  30,
		MinSessionSeconds:  10,
		TimerMinutes:       10,
		RapidReopenMinutes: 5,
		MinIntervalMinutes: 5,
		MaxPerHour:         4,
		BanditMode:         DefaultBanditMode,
		WriterLimit:        DefaultWriterLimit,
		PollIntervals:      DefaultPollIntervals,
		SweepSchedule:      DefaultSweepSchedule,
		AggregateSchedule:  DefaultAggregateSchedule,
		CleanupSchedule:    DefaultCleanupSchedule,
		RetentionDays:      DefaultRetentionDays,
	}
}

// DataDir returns the pausepoint data directory. PAUSEPOINT_DATA_DIR wins
// over the home directory default.
func DataDir() string {
	if dir := os.Getenv("PAUSEPOINT_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".pausepoint")
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "pausepoint.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// AppsPath returns the monitored apps registry path.
func AppsPath() string {
	return filepath.Join(DataDir(), "apps.yml")
}

// EnsureDataDir creates the data directory if it does not exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings file when none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg := Default()
	cfg.PollIntervalsRaw = strings.Join(cfg.PollIntervals, ",")
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and the default settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads settings.json over the defaults and applies environment
// overrides. A missing or malformed file yields the defaults.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	switch {
	case err == nil:
		loaded := *cfg
		if jsonErr := json.Unmarshal(data, &loaded); jsonErr != nil {
			log.Warn().Err(jsonErr).Str("path", SettingsPath()).Msg("Invalid settings file, using defaults")
		} else {
			*cfg = loaded
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	applyEnv(cfg)
	cfg.normalize()
	return cfg, nil
}

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	globalOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load config, using defaults")
			cfg = Default()
		}
		global = cfg
	})
	return global
}

// GetWorkerPort returns the HTTP port, preferring a valid PAUSEPOINT_WORKER_PORT.
func GetWorkerPort() int {
	if v := os.Getenv("PAUSEPOINT_WORKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port
		}
	}
	return Get().WorkerPort
}

func applyEnv(cfg *Config) {
	envInt("PAUSEPOINT_WORKER_PORT", &cfg.WorkerPort)
	envString("PAUSEPOINT_DB_DRIVER", &cfg.DBDriver)
	envString("PAUSEPOINT_DB_PATH", &cfg.DBPath)
	envString("PAUSEPOINT_DATABASE_DSN", &cfg.DSN)
	envInt("PAUSEPOINT_DB_MAX_CONNS", &cfg.MaxConns)
	envInt("PAUSEPOINT_SESSION_GAP_SECONDS", &cfg.SessionGapSeconds)
	envInt("PAUSEPOINT_MIN_SESSION_SECONDS", &cfg.MinSessionSeconds)
	envInt("PAUSEPOINT_TIMER_MINUTES", &cfg.TimerMinutes)
	envInt("PAUSEPOINT_MIN_INTERVAL_MINUTES", &cfg.MinIntervalMinutes)
	envInt("PAUSEPOINT_MAX_PER_HOUR", &cfg.MaxPerHour)
	envString("PAUSEPOINT_BANDIT_MODE", &cfg.BanditMode)
	envString("PAUSEPOINT_POLL_INTERVALS", &cfg.PollIntervalsRaw)
	envString("PAUSEPOINT_SWEEP_SCHEDULE", &cfg.SweepSchedule)
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-numeric environment override")
		return
	}
	*dst = n
}

// normalize replaces out-of-range values with defaults.
func (c *Config) normalize() {
	def := Default()
	if c.WorkerPort <= 0 {
		c.WorkerPort = def.WorkerPort
	}
	if c.DBDriver == "" {
		c.DBDriver = def.DBDriver
	}
	if c.DBPath == "" {
		c.DBPath = DBPath()
	}
	if c.MaxConns <= 0 {
		c.MaxConns = def.MaxConns
	}
	positive(&c.SessionGapSeconds, def.SessionGapSeconds)
	positive(&c.MinSessionSeconds, def.MinSessionSeconds)
	positive(&c.TimerMinutes, def.TimerMinutes)
	positive(&c.RapidReopenMinutes, def.RapidReopenMinutes)
	positive(&c.MinIntervalMinutes, def.MinIntervalMinutes)
	positive(&c.MaxPerHour, def.MaxPerHour)
	positive(&c.WriterLimit, def.WriterLimit)
	positive(&c.RetentionDays, def.RetentionDays)
	if c.BanditMode == "" {
		c.BanditMode = def.BanditMode
	}
	if c.PollIntervalsRaw != "" {
		if parts := splitTrim(c.PollIntervalsRaw); len(parts) == len(DefaultPollIntervals) {
			c.PollIntervals = parts
		} else {
			log.Warn().Str("value", c.PollIntervalsRaw).Msg("Poll intervals need four values, using defaults")
		}
	}
	if len(c.PollIntervals) != len(DefaultPollIntervals) {
		c.PollIntervals = DefaultPollIntervals
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = def.SweepSchedule
	}
	if c.AggregateSchedule == "" {
		c.AggregateSchedule = def.AggregateSchedule
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = def.CleanupSchedule
	}
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// SessionGap returns the inactivity gap that closes a session.
func (c *Config) SessionGap() time.Duration {
	return time.Duration(c.SessionGapSeconds) * time.Second
}

// MinSession returns the shortest session persisted as usage.
func (c *Config) MinSession() time.Duration {
	return time.Duration(c.MinSessionSeconds) * time.Second
}

// Timer returns the engagement timer duration.
func (c *Config) Timer() time.Duration {
	return time.Duration(c.TimerMinutes) * time.Minute
}

// RapidReopen returns the window in which reopening an app counts as rapid.
func (c *Config) RapidReopen() time.Duration {
	return time.Duration(c.RapidReopenMinutes) * time.Minute
}

// MinInterval returns the basic rate limit between interventions.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMinutes) * time.Minute
}

// Retention returns how long raw sessions and decisions are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// PollDurations parses PollIntervals as seconds. Unparseable entries fall
// back to the matching default.
func (c *Config) PollDurations() []time.Duration {
	out := make([]time.Duration, len(DefaultPollIntervals))
	for i := range out {
		raw := DefaultPollIntervals[i]
		if i < len(c.PollIntervals) {
			raw = c.PollIntervals[i]
		}
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			secs, _ = strconv.ParseFloat(DefaultPollIntervals[i], 64)
		}
		out[i] = time.Duration(secs * float64(time.Second))
	}
	return out
}

// splitTrim splits a comma list and drops empty entries.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
