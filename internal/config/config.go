// Package config loads application configuration from defaults, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by Load.
// Nested keys are separated by a double underscore: JOBWATCH_DATABASE__URL.
const EnvPrefix = "JOBWATCH_"

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Log        LogConfig        `koanf:"log"`
	Auth       AuthConfig       `koanf:"auth"`
	CORS       CORSConfig       `koanf:"cors"`
	Sources    []SourceConfig   `koanf:"sources"`
	Source     FetchConfig      `koanf:"source"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Reconciler ReconcilerConfig `koanf:"reconciler"`
	SLA        SLAConfig        `koanf:"sla"`
	Stats      StatsConfig      `koanf:"stats"`
	Engineers  EngineersConfig  `koanf:"engineers"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL settings. An empty URL selects the in-memory store.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	LockTimeout     time.Duration `koanf:"lock_timeout"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AuthConfig contains settings of the bearer token gate.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// SourceConfig describes one job-status source.
type SourceConfig struct {
	ID      string        `koanf:"id"`
	URL     string        `koanf:"url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout"`
}

// FetchConfig contains settings shared by all source fetches.
type FetchConfig struct {
	Timeout          time.Duration `koanf:"timeout"`
	Workers          int           `koanf:"workers"`
	MinFetchInterval time.Duration `koanf:"min_fetch_interval"`
}

// SchedulerConfig contains reconciliation cycle settings.
type SchedulerConfig struct {
	Enabled                bool          `koanf:"enabled"`
	Interval               time.Duration `koanf:"interval"`
	ManualRefreshPerMinute int           `koanf:"manual_refresh_per_minute"`
}

// ReconcilerConfig contains reconciliation settings.
type ReconcilerConfig struct {
	AbsenceGracePeriod time.Duration `koanf:"absence_grace_period"`
}

// SLAConfig contains breach evaluation settings.
type SLAConfig struct {
	BreachAfter time.Duration `koanf:"breach_after"`
}

// StatsConfig contains weekly statistics settings.
type StatsConfig struct {
	Timezone string `koanf:"timezone"`
}

// EngineersConfig contains roster settings.
type EngineersConfig struct {
	Seed []EngineerSeed `koanf:"seed"`
}

// EngineerSeed is an engineer created when the roster is empty.
type EngineerSeed struct {
	Name  string `koanf:"name"`
	Level string `koanf:"level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			LockTimeout:     5 * time.Second,
			MigrateOnStart:  true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Source: FetchConfig{
			Timeout: 10 * time.Second,
			Workers: 4,
		},
		Scheduler: SchedulerConfig{
			Enabled:                true,
			Interval:               30 * time.Second,
			ManualRefreshPerMinute: 6,
		},
		SLA: SLAConfig{
			BreachAfter: 60 * time.Second,
		},
		Stats: StatsConfig{
			Timezone: "Local",
		},
		Engineers: EngineersConfig{
			Seed: []EngineerSeed{
				{Name: "John Doe", Level: "L1"},
				{Name: "Jane Smith", Level: "L1"},
				{Name: "Peter Jones", Level: "L2"},
				{Name: "Mary Brown", Level: "L2"},
			},
		},
	}
}

// Load reads configuration. A .env file in the working directory is loaded into
// the process environment first; path may be empty to skip the YAML file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applySourceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envKey maps JOBWATCH_SCHEDULER__MANUAL_REFRESH_PER_MINUTE to scheduler.manual_refresh_per_minute.
func envKey(k, v string) (string, any) {
	k = strings.TrimPrefix(k, EnvPrefix)
	k = strings.ToLower(strings.ReplaceAll(k, "__", "."))
	if k == "cors.allowed_origins" {
		return k, strings.Split(v, ",")
	}
	return k, v
}

func (c *Config) applySourceDefaults() {
	for i := range c.Sources {
		if c.Sources[i].Timeout == 0 {
			c.Sources[i].Timeout = c.Source.Timeout
		}
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}

	if c.Source.Workers < 1 {
		errs = append(errs, errors.New("source.workers must be at least 1"))
	}
	if c.Source.MinFetchInterval < 0 {
		errs = append(errs, errors.New("source.min_fetch_interval must not be negative"))
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("sources[%d].id is required", i))
		} else if seen[s.ID] {
			errs = append(errs, fmt.Errorf("sources[%d].id %q is duplicated", i, s.ID))
		}
		seen[s.ID] = true

		if u, err := url.Parse(s.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("sources[%d].url must be an absolute URL", i))
		}
		if s.Timeout < time.Second || s.Timeout > time.Minute {
			errs = append(errs, fmt.Errorf("sources[%d].timeout must be between 1s and 60s, got %s", i, s.Timeout))
		}
	}

	if c.Scheduler.Interval < 5*time.Second || c.Scheduler.Interval > time.Hour {
		errs = append(errs, fmt.Errorf("scheduler.interval must be between 5s and 1h, got %s", c.Scheduler.Interval))
	}
	if c.Scheduler.ManualRefreshPerMinute < 1 {
		errs = append(errs, errors.New("scheduler.manual_refresh_per_minute must be at least 1"))
	}

	if c.Reconciler.AbsenceGracePeriod < 0 {
		errs = append(errs, errors.New("reconciler.absence_grace_period must not be negative"))
	}
	if c.SLA.BreachAfter <= 0 {
		errs = append(errs, errors.New("sla.breach_after must be positive"))
	}

	if _, err := c.Stats.Location(); err != nil {
		errs = append(errs, fmt.Errorf("stats.timezone: %w", err))
	}

	for i, e := range c.Engineers.Seed {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("engineers.seed[%d].name is required", i))
		}
		if e.Level != "L1" && e.Level != "L2" {
			errs = append(errs, fmt.Errorf("engineers.seed[%d].level must be L1 or L2", i))
		}
	}

	return errors.Join(errs...)
}

// Location resolves the configured statistics time zone.
func (c StatsConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// PathFromEnv returns the config file path from CONFIG_PATH, or fallback if unset.
func PathFromEnv(fallback string) string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return fallback
}
