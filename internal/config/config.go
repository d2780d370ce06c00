// Package config assembles runtime settings from built-in defaults, an
// optional YAML file, a .env file and ENVBOOK_* environment variables, in
// that order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/envbook/internal/reconcile"
)

const EnvPrefix = "ENVBOOK"

type Config struct {
	Addr     string `yaml:"addr" envconfig:"ADDR"`
	DBPath   string `yaml:"db_path" envconfig:"DB_PATH"`
	KeysFile string `yaml:"keys_file" envconfig:"KEYS_FILE"`

	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT"`

	ConflictSweep  time.Duration `yaml:"conflict_sweep" envconfig:"CONFLICT_SWEEP"`
	StatusSweep    time.Duration `yaml:"status_sweep" envconfig:"STATUS_SWEEP"`
	ReminderSweep  time.Duration `yaml:"reminder_sweep" envconfig:"REMINDER_SWEEP"`
	ReminderWindow time.Duration `yaml:"reminder_window" envconfig:"REMINDER_WINDOW"`
	ReminderDedupe time.Duration `yaml:"reminder_dedupe" envconfig:"REMINDER_DEDUPE"`
	// Resolution is how often the scheduler checks for due sweeps.
	Resolution time.Duration `yaml:"resolution" envconfig:"RESOLUTION"`

	ResolveRequiresManager bool `yaml:"resolve_requires_manager" envconfig:"RESOLVE_REQUIRES_MANAGER"`

	BreakerThreshold int           `yaml:"breaker_threshold" envconfig:"BREAKER_THRESHOLD"`
	BreakerReset     time.Duration `yaml:"breaker_reset" envconfig:"BREAKER_RESET"`
}

func Default() Config {
	iv := reconcile.DefaultIntervals()
	return Config{
		Addr:             "127.0.0.1:7338",
		DBPath:           "envbook.db",
		LogLevel:         "info",
		LogFormat:        "text",
		ConflictSweep:    iv.Conflict,
		StatusSweep:      iv.Status,
		ReminderSweep:    iv.Reminder,
		ReminderWindow:   iv.ReminderWindow,
		ReminderDedupe:   iv.ReminderDedupe,
		Resolution:       time.Second,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

// Load builds a Config. file may be empty; when set it must exist. dotenv
// files that do not exist are skipped; with none given ".env" is tried.
// Variables already present in the process environment are never replaced by
// dotenv values.
func Load(file string, dotenv ...string) (Config, error) {
	cfg := Default()
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", file, err)
		}
	}

	if len(dotenv) == 0 {
		dotenv = []string{".env"}
	}
	for _, path := range dotenv {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if c.Addr == "" {
		problems = append(problems, "addr is required")
	}
	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q must be text or json", c.LogFormat))
	}
	for name, d := range map[string]time.Duration{
		"conflict_sweep":  c.ConflictSweep,
		"status_sweep":    c.StatusSweep,
		"reminder_sweep":  c.ReminderSweep,
		"reminder_window": c.ReminderWindow,
		"reminder_dedupe": c.ReminderDedupe,
		"resolution":      c.Resolution,
		"breaker_reset":   c.BreakerReset,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.BreakerThreshold <= 0 {
		problems = append(problems, "breaker_threshold must be positive")
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Intervals converts the sweep settings for the reconciler.
func (c Config) Intervals() reconcile.Intervals {
	return reconcile.Intervals{
		Conflict:       c.ConflictSweep,
		Status:         c.StatusSweep,
		Reminder:       c.ReminderSweep,
		ReminderWindow: c.ReminderWindow,
		ReminderDedupe: c.ReminderDedupe,
	}
}
