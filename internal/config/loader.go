// Package config loads scheduler settings from a .env file, an optional
// YAML file and SCHEDULER_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/example/recurring-scheduler/internal/logging"
	"github.com/example/recurring-scheduler/internal/schema"
)

// FileEnv names the variable holding the optional YAML file path.
const FileEnv = "SCHEDULER_CONFIG_FILE"

// Config captures the settings shared by the API server and the worker.
type Config struct {
	HTTPPort        int    `yaml:"http_port"`
	SQLiteDSN       string `yaml:"sqlite_dsn"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	DefaultTimezone string `yaml:"default_timezone"`
	// HorizonDays bounds expansion of unterminated series.
	HorizonDays int `yaml:"horizon_days"`
	// MaxOccurrences caps new occurrences per expansion pass.
	MaxOccurrences int    `yaml:"max_occurrences"`
	SweepSchedule  string `yaml:"sweep_schedule"`

	Worker      WorkerConfig       `yaml:"worker"`
	Redis       RedisConfig        `yaml:"redis"`
	AMQP        AMQPConfig         `yaml:"amqp"`
	EntityTypes []EntityTypeConfig `yaml:"entity_types"`

	// Path is the YAML file the configuration was read from, if any.
	Path string `yaml:"-"`
}

// WorkerConfig tunes the job worker.
type WorkerConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Lease         time.Duration `yaml:"lease"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
	// RateLimit is claims per second across the worker; zero is unlimited.
	RateLimit float64 `yaml:"rate_limit"`
}

// RedisConfig enables the shared series lock. An empty Addr selects the
// in-process lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AMQPConfig enables event publishing. An empty URL disables it.
type AMQPConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// EntityTypeConfig declares one entity table series may target.
type EntityTypeConfig struct {
	Table          string   `yaml:"table"`
	RequiredFields []string `yaml:"required_fields"`
	ConflictField  string   `yaml:"conflict_field"`
	AllowOverlap   bool     `yaml:"allow_overlap"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		HTTPPort:        8080,
		SQLiteDSN:       "scheduler.db",
		LogLevel:        "info",
		LogFormat:       "json",
		DefaultTimezone: "UTC",
		HorizonDays:     90,
		MaxOccurrences:  5000,
		SweepSchedule:   "@hourly",
		Worker: WorkerConfig{
			Concurrency:   2,
			PollInterval:  time.Second,
			Lease:         5 * time.Minute,
			MaxAttempts:   5,
			RetryBase:     500 * time.Millisecond,
			RetryMaxDelay: 15 * time.Second,
			RateLimit:     20,
		},
		AMQP: AMQPConfig{Queue: "scheduler.events"},
	}
}

// Load reads .env (a missing file is ignored), then the YAML file named by
// SCHEDULER_CONFIG_FILE, then SCHEDULER_* overrides. Every invalid value is
// reported in one error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
		cfg.Path = path
	}

	invalid := applyEnv(&cfg)
	invalid = append(invalid, cfg.validate()...)
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("config: invalid values: %s", strings.Join(invalid, ", "))
	}
	return cfg, nil
}

// LoadFile reads path over the defaults without consulting the environment.
// The watcher uses it to pick up edits.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := readFile(path, &cfg); err != nil {
		return Config{}, err
	}
	cfg.Path = path
	if invalid := cfg.validate(); len(invalid) > 0 {
		return Config{}, fmt.Errorf("config: invalid values: %s", strings.Join(invalid, ", "))
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) []string {
	var invalid []string
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int, min int) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < min {
			invalid = append(invalid, key)
			return
		}
		*dst = n
	}
	duration := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			invalid = append(invalid, key)
			return
		}
		*dst = d
	}

	integer("SCHEDULER_HTTP_PORT", &cfg.HTTPPort, 1)
	str("SCHEDULER_SQLITE_DSN", &cfg.SQLiteDSN)
	str("SCHEDULER_LOG_LEVEL", &cfg.LogLevel)
	str("SCHEDULER_LOG_FORMAT", &cfg.LogFormat)
	str("SCHEDULER_DEFAULT_TIMEZONE", &cfg.DefaultTimezone)
	integer("SCHEDULER_HORIZON_DAYS", &cfg.HorizonDays, 1)
	integer("SCHEDULER_MAX_OCCURRENCES", &cfg.MaxOccurrences, 1)
	str("SCHEDULER_SWEEP_SCHEDULE", &cfg.SweepSchedule)

	integer("SCHEDULER_WORKER_CONCURRENCY", &cfg.Worker.Concurrency, 1)
	duration("SCHEDULER_WORKER_POLL_INTERVAL", &cfg.Worker.PollInterval)
	duration("SCHEDULER_WORKER_LEASE", &cfg.Worker.Lease)
	integer("SCHEDULER_MAX_JOB_ATTEMPTS", &cfg.Worker.MaxAttempts, 1)
	duration("SCHEDULER_RETRY_BASE", &cfg.Worker.RetryBase)
	duration("SCHEDULER_RETRY_MAX_DELAY", &cfg.Worker.RetryMaxDelay)
	if v := strings.TrimSpace(os.Getenv("SCHEDULER_WORKER_RATE_LIMIT")); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil || rate < 0 {
			invalid = append(invalid, "SCHEDULER_WORKER_RATE_LIMIT")
		} else {
			cfg.Worker.RateLimit = rate
		}
	}

	str("SCHEDULER_REDIS_ADDR", &cfg.Redis.Addr)
	str("SCHEDULER_REDIS_PASSWORD", &cfg.Redis.Password)
	integer("SCHEDULER_REDIS_DB", &cfg.Redis.DB, 0)
	str("SCHEDULER_AMQP_URL", &cfg.AMQP.URL)
	str("SCHEDULER_AMQP_QUEUE", &cfg.AMQP.Queue)
	return invalid
}

func (c Config) validate() []string {
	var invalid []string
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		invalid = append(invalid, "http_port")
	}
	if strings.TrimSpace(c.SQLiteDSN) == "" {
		invalid = append(invalid, "sqlite_dsn")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		invalid = append(invalid, "log_level")
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "console":
	default:
		invalid = append(invalid, "log_format")
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil || c.DefaultTimezone == "" {
		invalid = append(invalid, "default_timezone")
	}
	if c.HorizonDays <= 0 {
		invalid = append(invalid, "horizon_days")
	}
	if c.MaxOccurrences <= 0 {
		invalid = append(invalid, "max_occurrences")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.SweepSchedule); err != nil {
		invalid = append(invalid, "sweep_schedule")
	}
	if c.Worker.Concurrency <= 0 {
		invalid = append(invalid, "worker.concurrency")
	}
	if c.Worker.MaxAttempts <= 0 {
		invalid = append(invalid, "worker.max_attempts")
	}
	if c.Worker.RetryBase > c.Worker.RetryMaxDelay {
		invalid = append(invalid, "worker.retry_base")
	}
	seen := make(map[string]bool, len(c.EntityTypes))
	for i, t := range c.EntityTypes {
		table := strings.TrimSpace(t.Table)
		if table == "" || seen[table] {
			invalid = append(invalid, fmt.Sprintf("entity_types[%d].table", i))
		}
		seen[table] = true
	}
	return invalid
}

// Horizon is HorizonDays as a duration.
func (c Config) Horizon() time.Duration {
	return time.Duration(c.HorizonDays) * 24 * time.Hour
}

// Location loads DefaultTimezone. Load has already validated it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SchemaTypes converts the declared entity types for a schema registry.
func (c Config) SchemaTypes() []schema.EntityType {
	types := make([]schema.EntityType, 0, len(c.EntityTypes))
	for _, t := range c.EntityTypes {
		types = append(types, schema.EntityType{
			Table:          strings.TrimSpace(t.Table),
			RequiredFields: append([]string(nil), t.RequiredFields...),
			ConflictField:  t.ConflictField,
			AllowOverlap:   t.AllowOverlap,
		})
	}
	return types
}
