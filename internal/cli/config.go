package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/screening-queue/internal/controller"
	"github.com/ChuLiYu/screening-queue/internal/report"
)

// Config is the YAML configuration file.
type Config struct {
	Coordinator struct {
		MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
		Workers           int           `yaml:"workers"`
		BatchSize         int           `yaml:"batch_size"`
		MaxRetries        int           `yaml:"max_retries"`
		BaseDelay         time.Duration `yaml:"base_delay"`
		TaskTimeout       time.Duration `yaml:"task_timeout"`
		ClaimLease        time.Duration `yaml:"claim_lease"`
		StatsInterval     time.Duration `yaml:"stats_interval"`
	} `yaml:"coordinator"`

	Store struct {
		Driver     string `yaml:"driver"` // memory | sqlite | postgres | mongo
		Path       string `yaml:"path"`   // sqlite file
		DSN        string `yaml:"dsn"`    // postgres
		URI        string `yaml:"uri"`    // mongo
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
		MaxConns   int32  `yaml:"max_conns"`
	} `yaml:"store"`

	Decider struct {
		Kind        string        `yaml:"kind"` // keyword | http
		Endpoint    string        `yaml:"endpoint"`
		Model       string        `yaml:"model"`
		Temperature float64       `yaml:"temperature"`
		Timeout     time.Duration `yaml:"timeout"`
		APIKeyEnv   string        `yaml:"api_key_env"`
	} `yaml:"decider"`

	Registry struct {
		SnapshotPath     string        `yaml:"snapshot_path"`
		WALPath          string        `yaml:"wal_path"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SnapshotBackups  int           `yaml:"snapshot_backups"`
		SyncOnAppend     bool          `yaml:"sync_on_append"`
	} `yaml:"registry"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"grpc"`

	HTTP struct {
		Enabled        bool     `yaml:"enabled"`
		Port           int      `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	} `yaml:"http"`

	Events struct {
		Enabled  bool   `yaml:"enabled"`
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"events"`

	Cache struct {
		Enabled  bool          `yaml:"enabled"`
		Address  string        `yaml:"address"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Prefix   string        `yaml:"prefix"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Archive struct {
		Enabled      bool   `yaml:"enabled"`
		Bucket       string `yaml:"bucket"`
		Region       string `yaml:"region"`
		Prefix       string `yaml:"prefix"`
		Format       string `yaml:"format"`
		Endpoint     string `yaml:"endpoint"`
		AccessKeyEnv string `yaml:"access_key_env"`
		SecretKeyEnv string `yaml:"secret_key_env"`
	} `yaml:"archive"`

	Logging struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	def := controller.DefaultConfig()
	co := &c.Coordinator
	if co.MaxConcurrentJobs <= 0 {
		co.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if co.Workers <= 0 {
		co.Workers = def.Workers
	}
	if co.BatchSize <= 0 {
		co.BatchSize = def.BatchSize
	}
	if co.MaxRetries <= 0 {
		co.MaxRetries = def.MaxRetries
	}
	if co.BaseDelay <= 0 {
		co.BaseDelay = def.BaseDelay
	}
	if co.TaskTimeout <= 0 {
		co.TaskTimeout = def.TaskTimeout
	}
	if co.ClaimLease <= 0 {
		co.ClaimLease = 5 * time.Minute
	}
	if co.StatsInterval <= 0 {
		co.StatsInterval = def.StatsInterval
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/studies.db"
	}
	if c.Store.Database == "" {
		c.Store.Database = "screenq"
	}
	if c.Store.Collection == "" {
		c.Store.Collection = "studies"
	}

	if c.Decider.Kind == "" {
		c.Decider.Kind = "keyword"
	}
	if c.Decider.Timeout <= 0 {
		c.Decider.Timeout = 45 * time.Second
	}
	if c.Decider.APIKeyEnv == "" {
		c.Decider.APIKeyEnv = "SCREENQ_DECIDER_API_KEY"
	}

	if c.Registry.SnapshotPath == "" {
		c.Registry.SnapshotPath = "data/registry.snapshot.json"
	}
	if c.Registry.WALPath == "" {
		c.Registry.WALPath = "data/registry.wal"
	}
	if c.Registry.SnapshotInterval <= 0 {
		c.Registry.SnapshotInterval = def.SnapshotInterval
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.GRPC.Port == 0 {
		c.GRPC.Port = 50051
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		c.HTTP.MaxUploadBytes = 32 << 20
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "screenq.events"
	}

	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "screenq"
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = time.Hour
	}
	if c.Archive.Region == "" {
		c.Archive.Region = "us-east-1"
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "reports"
	}
	if c.Archive.Format == "" {
		c.Archive.Format = "xlsx"
	}
	if c.Archive.AccessKeyEnv == "" {
		c.Archive.AccessKeyEnv = "AWS_ACCESS_KEY_ID"
	}
	if c.Archive.SecretKeyEnv == "" {
		c.Archive.SecretKeyEnv = "AWS_SECRET_ACCESS_KEY"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate rejects settings the run command cannot honour.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	case "mongo":
		if c.Store.URI == "" {
			errs = append(errs, errors.New("store.uri is required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Decider.Kind {
	case "keyword":
	case "http":
		if c.Decider.Endpoint == "" {
			errs = append(errs, errors.New("decider.endpoint is required for the http decider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown decider.kind %q", c.Decider.Kind))
	}

	if c.Events.Enabled && c.Events.URL == "" {
		errs = append(errs, errors.New("events.url is required when events are enabled"))
	}
	if c.Cache.Enabled && c.Cache.Address == "" {
		errs = append(errs, errors.New("cache.address is required when the cache is enabled"))
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		errs = append(errs, errors.New("archive.bucket is required when the archive is enabled"))
	}
	if _, err := report.ParseFormat(c.Archive.Format); err != nil {
		errs = append(errs, fmt.Errorf("archive.format: %w", err))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Logging.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unknown logging.format %q", f))
	}

	return errors.Join(errs...)
}

// CoordinatorConfig maps the file onto controller.Config.
func (c *Config) CoordinatorConfig() controller.Config {
	return controller.Config{
		MaxConcurrentJobs: c.Coordinator.MaxConcurrentJobs,
		Workers:           c.Coordinator.Workers,
		BatchSize:         c.Coordinator.BatchSize,
		MaxRetries:        c.Coordinator.MaxRetries,
		BaseDelay:         c.Coordinator.BaseDelay,
		TaskTimeout:       c.Coordinator.TaskTimeout,
		SnapshotInterval:  c.Registry.SnapshotInterval,
		SnapshotBackups:   c.Registry.SnapshotBackups,
		StatsInterval:     c.Coordinator.StatsInterval,
	}
}

// LoadConfig reads path, applies defaults and validates. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg *Config, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown logging.level %q", s)
}
