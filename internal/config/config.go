package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wesm/releasehealth/internal/health"
)

const (
	configFileName = "config.json"
	dbFileName     = "health.db"
	dataDirEnv     = "RELEASEHEALTH_DATA_DIR"
)

// Config holds all application configuration.
type Config struct {
	DataDir            string
	DBPath             string
	SummaryStatsPeriod string
	HealthStatsPeriod  string
	Stat               string
	Environments       []string
	QueryTimeout       time.Duration
	WatchDebounce      time.Duration
	LogLevel           string
}

// fileConfig is the on-disk form. Durations are strings such as
// "30s"; absent keys leave lower layers untouched.
type fileConfig struct {
	SummaryStatsPeriod *string  `json:"summary_stats_period"`
	HealthStatsPeriod  *string  `json:"health_stats_period"`
	Stat               *string  `json:"stat"`
	Environments       []string `json:"environments"`
	QueryTimeout       string   `json:"query_timeout"`
	WatchDebounce      string   `json:"watch_debounce"`
	LogLevel           string   `json:"log_level"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	dataDir := filepath.Join(home, ".releasehealth")
	return Config{
		DataDir:           dataDir,
		DBPath:            filepath.Join(dataDir, dbFileName),
		HealthStatsPeriod: "24h",
		Stat:              string(health.StatSessions),
		QueryTimeout:      30 * time.Second,
		WatchDebounce:     500 * time.Millisecond,
		LogLevel:          "info",
	}, nil
}

// Load builds a Config by layering: defaults < config file < env < flags.
// The provided FlagSet must already be parsed by the caller.
// Only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv(dataDirEnv); v != "" {
		cfg.DataDir = v
	}
	cfg.DBPath = filepath.Join(cfg.DataDir, dbFileName)

	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	if err := cfg.loadEnv(); err != nil {
		return cfg, fmt.Errorf("loading environment: %w", err)
	}
	applyFlags(&cfg, fs)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, configFileName)
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file fileConfig
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if file.SummaryStatsPeriod != nil {
		c.SummaryStatsPeriod = *file.SummaryStatsPeriod
	}
	if file.HealthStatsPeriod != nil {
		c.HealthStatsPeriod = *file.HealthStatsPeriod
	}
	if file.Stat != nil {
		c.Stat = *file.Stat
	}
	if len(file.Environments) > 0 {
		c.Environments = file.Environments
	}
	if file.LogLevel != "" {
		c.LogLevel = file.LogLevel
	}
	if file.QueryTimeout != "" {
		if c.QueryTimeout, err = time.ParseDuration(file.QueryTimeout); err != nil {
			return fmt.Errorf("query_timeout: %w", err)
		}
	}
	if file.WatchDebounce != "" {
		if c.WatchDebounce, err = time.ParseDuration(file.WatchDebounce); err != nil {
			return fmt.Errorf("watch_debounce: %w", err)
		}
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv("RELEASEHEALTH_ENVIRONMENTS"); v != "" {
		c.Environments = SplitList(v)
	}
	if v := os.Getenv("RELEASEHEALTH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("RELEASEHEALTH_QUERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RELEASEHEALTH_QUERY_TIMEOUT: %w", err)
		}
		c.QueryTimeout = d
	}
	return nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks periods, stat, log level and durations.
func (c *Config) Validate() error {
	if c.SummaryStatsPeriod != "" {
		if _, err := health.ParsePeriod(c.SummaryStatsPeriod); err != nil {
			return fmt.Errorf("summary stats period: %w", err)
		}
	}
	if c.HealthStatsPeriod != "" {
		if _, err := health.ParsePeriod(c.HealthStatsPeriod); err != nil {
			return fmt.Errorf("health stats period: %w", err)
		}
	}
	if _, err := health.ParseStat(c.Stat); err != nil {
		return err
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive, got %s", c.QueryTimeout)
	}
	if c.WatchDebounce <= 0 {
		return fmt.Errorf("watch debounce must be positive, got %s", c.WatchDebounce)
	}
	return nil
}

// SlogLevel parses LogLevel ("debug", "info", "warn", "error").
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// RegisterBaseFlags registers the flags shared by every command
// that opens the store.
func RegisterBaseFlags(fs *flag.FlagSet) {
	fs.Duration("timeout", 30*time.Second, "Timeout for each query")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
}

// RegisterCommonFlags registers the base flags plus -env, for
// commands whose results can be narrowed by environment.
func RegisterCommonFlags(fs *flag.FlagSet) {
	fs.String("env", "", "Comma-separated environments to restrict to")
	RegisterBaseFlags(fs)
}

// RegisterQueryFlags registers the common flags plus the overview
// defaults. The caller must call fs.Parse before passing fs to
// Load.
func RegisterQueryFlags(fs *flag.FlagSet) {
	fs.String("summary-period", "",
		"Summary stats period (1h, 24h, 1d, 48h, 2d, 7d, 14d, 30d, 90d); empty for the retention window")
	fs.String("health-period", "24h",
		"Health stats series period; empty to omit the series")
	fs.String("stat", "sessions", "Series stat: sessions or users")
	RegisterCommonFlags(fs)
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) {
	if fs == nil {
		return
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "summary-period":
			cfg.SummaryStatsPeriod = f.Value.String()
		case "health-period":
			cfg.HealthStatsPeriod = f.Value.String()
		case "stat":
			cfg.Stat = f.Value.String()
		case "env":
			cfg.Environments = SplitList(f.Value.String())
		case "timeout":
			// flag already validated the duration
			if g, ok := f.Value.(flag.Getter); ok {
				cfg.QueryTimeout, _ = g.Get().(time.Duration)
			}
		case "log-level":
			cfg.LogLevel = f.Value.String()
		}
	})
}

// Values returns the effective settings keyed as in the config
// file, with durations in their string form.
func (c *Config) Values() map[string]any {
	envs := c.Environments
	if envs == nil {
		envs = []string{}
	}
	return map[string]any{
		"data_dir":             c.DataDir,
		"db_path":              c.DBPath,
		"summary_stats_period": c.SummaryStatsPeriod,
		"health_stats_period":  c.HealthStatsPeriod,
		"stat":                 c.Stat,
		"environments":         envs,
		"query_timeout":        c.QueryTimeout.String(),
		"watch_debounce":       c.WatchDebounce.String(),
		"log_level":            c.LogLevel,
	}
}

// Set persists a single key to the config file, keeping every
// other key already there. The value must be valid for the key.
func (c *Config) Set(key, value string) error {
	var v any = value
	next := *c
	switch key {
	case "summary_stats_period":
		next.SummaryStatsPeriod = value
	case "health_stats_period":
		next.HealthStatsPeriod = value
	case "stat":
		next.Stat = value
	case "environments":
		next.Environments = SplitList(value)
		v = next.Environments
	case "log_level":
		next.LogLevel = value
	case "query_timeout", "watch_debounce":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if key == "query_timeout" {
			next.QueryTimeout = d
		} else {
			next.WatchDebounce = d
		}
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if err := c.writeKey(key, v); err != nil {
		return err
	}
	*c = next
	return nil
}

func (c *Config) writeKey(key string, value any) error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	existing := make(map[string]any)
	data, err := os.ReadFile(c.configPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf(
				"existing config is invalid, cannot update: %w",
				err,
			)
		}
	}

	existing[key] = value
	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(c.configPath(), out, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
