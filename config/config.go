// Package config loads the service configuration from YAML, environment and flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"halbooking-notifier/notify"
)

const (
	maxPathLength = 64

	DefaultConfigPath = "halbooking-notifier.yaml"
)

// PushoverConfig holds the Pushover credentials.
type PushoverConfig struct {
	APIKey    string `yaml:"api_key"`
	GroupKey  string `yaml:"group_key"`
	PerMinute int    `yaml:"per_minute"`
}

// GmailConfig configures the Gmail transport.
type GmailConfig struct {
	To              string `yaml:"to"`
	CredentialsJSON string `yaml:"credentials_json"`
}

// StorageConfig selects the persistence backend. The file and sqlite drivers write to
// EventsFile; the gcs driver uses it as the object name unless Object is set.
type StorageConfig struct {
	Driver          string `yaml:"driver"`
	Bucket          string `yaml:"bucket"`
	Object          string `yaml:"object"`
	CredentialsJSON string `yaml:"credentials_json"`
}

// Config is the top-level application configuration.
type Config struct {
	Pushover PushoverConfig `yaml:"pushover"`
	Gmail    GmailConfig    `yaml:"gmail"`
	Storage  StorageConfig  `yaml:"storage"`

	// Transport is pushover, gmail or log.
	Transport string `yaml:"transport"`
	SourceURL string `yaml:"source_url"`
	Timezone  string `yaml:"timezone"`
	LogLevel  string `yaml:"log_level"`
	// LogDir, when set, receives a copy of the log stream.
	LogDir     string `yaml:"log_dir"`
	EventsFile string `yaml:"events_file"`
	// Listen is the HTTP address for health and metrics. Empty disables the server.
	Listen string `yaml:"listen"`

	// FetchInterval is in seconds.
	FetchInterval   int           `yaml:"fetch_interval"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	PersistTimeout  time.Duration `yaml:"persist_timeout"`
	MaxPages        int           `yaml:"max_pages"`
	FetchAttempts   uint          `yaml:"fetch_attempts"`
	SeedSilently    bool          `yaml:"seed_silently"`

	// Once runs a single cycle and exits. Flag only.
	Once bool `yaml:"-"`
}

// Default returns an in-memory default configuration.
func Default() *Config {
	return &Config{
		Storage:         StorageConfig{Driver: "file"},
		Transport:       "pushover",
		Timezone:        "Europe/Copenhagen",
		LogLevel:        "info",
		EventsFile:      "events.json",
		Listen:          ":8080",
		FetchInterval:   120,
		FetchTimeout:    30 * time.Second,
		DispatchTimeout: 15 * time.Second,
		PersistTimeout:  30 * time.Second,
		MaxPages:        20,
		FetchAttempts:   3,
	}
}

// Interval returns the fetch interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.FetchInterval) * time.Second
}

// Location loads the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Level parses the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

// Load reads the YAML file at path into a default configuration. A missing file is not an
// error unless required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides values from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	set("PUSHOVER_API_KEY", &c.Pushover.APIKey)
	set("PUSHOVER_GROUP_KEY", &c.Pushover.GroupKey)
	set("GMAIL_TO", &c.Gmail.To)
	set("EVENTS_FILE", &c.EventsFile)
	set("LOG_LEVEL", &c.LogLevel)
	set("NOTIFY_TRANSPORT", &c.Transport)
	set("STORAGE_DRIVER", &c.Storage.Driver)

	if v := getenv("STORAGE_BUCKET"); v != "" {
		c.Storage.Bucket = v
		if getenv("STORAGE_DRIVER") == "" {
			c.Storage.Driver = "gcs"
		}
	}
	if v := getenv("GOOGLE_CREDENTIALS_JSON"); v != "" {
		c.Storage.CredentialsJSON = v
		c.Gmail.CredentialsJSON = v
	}
	if v := getenv("PORT"); v != "" {
		c.Listen = ":" + v
	}
	if v := getenv("FETCH_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse FETCH_INTERVAL: %w", err)
		}
		c.FetchInterval = n
	}
	return nil
}

// Parse builds the configuration from the config file, then the environment, then args.
func Parse(args []string, getenv func(string) string, output io.Writer) (*Config, error) {
	fset := flag.NewFlagSet("halbooking-notifier", flag.ContinueOnError)
	fset.SetOutput(output)

	configPath := fset.String("config", "", "path to YAML config file (default "+DefaultConfigPath+" if present)")
	logLevel := fset.String("log-level", "", "log level: debug, info, warn or error")
	logDir := fset.String("log-dir", "", "directory that receives a copy of the log")
	eventsFile := fset.String("events-file", "", "file that stores seen events")
	interval := fset.Int("fetch-interval", 0, "seconds between fetches")
	once := fset.Bool("once", false, "run a single cycle and exit")

	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	path, required := *configPath, true
	if path == "" {
		path, required = DefaultConfigPath, false
	}
	cfg, err := Load(path, required)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}

	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-dir":
			cfg.LogDir = *logDir
		case "events-file":
			cfg.EventsFile = *eventsFile
		case "fetch-interval":
			cfg.FetchInterval = *interval
		case "once":
			cfg.Once = *once
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and normalizes the Pushover keys in place.
func (c *Config) Validate() error {
	var errs []error

	if c.FetchInterval <= 0 {
		errs = append(errs, errors.New("fetch_interval must be positive"))
	}
	if n := len(c.EventsFile); n < 1 || n > maxPathLength {
		errs = append(errs, fmt.Errorf("events_file must be 1-%d characters, got %d", maxPathLength, n))
	}
	if c.LogDir != "" && len(c.LogDir) > maxPathLength {
		errs = append(errs, fmt.Errorf("log_dir must be 1-%d characters, got %d", maxPathLength, len(c.LogDir)))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.FetchTimeout <= 0 || c.DispatchTimeout <= 0 || c.PersistTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case "file", "sqlite":
	case "gcs":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the gcs driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case "pushover":
		key, err := notify.NormalizePushoverKey(c.Pushover.APIKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("pushover.api_key: %w", err))
		}
		c.Pushover.APIKey = key
		group, err := notify.NormalizePushoverKey(c.Pushover.GroupKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("pushover.group_key: %w", err))
		}
		c.Pushover.GroupKey = group
	case "gmail":
		if c.Gmail.To == "" {
			errs = append(errs, errors.New("gmail.to is required for the gmail transport"))
		}
	case "log":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	return errors.Join(errs...)
}
