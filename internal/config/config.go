package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Database    DatabaseConfig    `yaml:"database"`
	ColdStorage ColdStorageConfig `yaml:"cold_storage"`
	Directory   DirectoryConfig   `yaml:"directory"`
	Verifier    VerifierConfig    `yaml:"verifier"`
	Flights     FlightsConfig     `yaml:"flights"`
	Routing     RoutingConfig     `yaml:"routing"`
	Audit       AuditConfig       `yaml:"audit"`
	Publisher   PublisherConfig   `yaml:"publisher"`
	Replay      ReplayConfig      `yaml:"replay"`
	Scanner     TaskConfig        `yaml:"scanner"`
	Request     RequestConfig     `yaml:"request"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type DatabaseConfig struct {
	// Backend is "postgres" or "memory".
	Backend  string `yaml:"backend"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type ColdStorageConfig struct {
	// URL is a gocloud blob URL: file:///path, gs://bucket, s3://bucket?region=...
	URL      string `yaml:"url"`
	Prefix   string `yaml:"prefix"`
	PageSize int    `yaml:"page_size"`
}

type DirectoryConfig struct {
	File string `yaml:"file"`
}

type VerifierConfig struct {
	// Endpoint empty means every verifier is accepted.
	Endpoint      string        `yaml:"endpoint"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	CacheSize     int           `yaml:"cache_size"`

	// MaxAttempts and InitialBackoff bound retries while the verifier is unavailable.
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

type FlightsConfig struct {
	File string `yaml:"file"`
}

type RoutingConfig struct {
	Destinations []RoutingDestination `yaml:"destinations"`
}

type RoutingDestination struct {
	Name   string `yaml:"name"`
	Weight int    `yaml:"weight"`
}

type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	BackupDir string `yaml:"backup_dir"`
}

type PublisherConfig struct {
	Queue            string        `yaml:"queue"`
	BatchSize        int           `yaml:"batch_size"`
	ReducedBatchSize int           `yaml:"reduced_batch_size"`
	StaggerWindow    time.Duration `yaml:"stagger_window"`
	MaxMessageBytes  int           `yaml:"max_message_bytes"`
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
}

type ReplayConfig struct {
	ClaimLease     time.Duration `yaml:"claim_lease"`
	NoJobDelay     time.Duration `yaml:"no_job_delay"`
	ClaimSettleMin time.Duration `yaml:"claim_settle_min"`
	ClaimSettleMax time.Duration `yaml:"claim_settle_max"`
	DisabledDelay  time.Duration `yaml:"disabled_delay"`
	MinSleep       time.Duration `yaml:"min_sleep"`
	MaxSleep       time.Duration `yaml:"max_sleep"`
}

// TaskConfig schedules a lease-coordinated periodic task.
type TaskConfig struct {
	Enabled            bool          `yaml:"enabled"`
	MinSleep           time.Duration `yaml:"min_sleep"`
	MaxSleep           time.Duration `yaml:"max_sleep"`
	LeaseDuration      time.Duration `yaml:"lease_duration"`
	ExtensionThreshold time.Duration `yaml:"extension_threshold"`
	BatchSize          int           `yaml:"batch_size"`
}

type RequestConfig struct {
	MaxReplayDays int `yaml:"max_replay_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:      LogConfig{Format: "text", Level: "info"},
		Metrics:  MetricsConfig{Enabled: true, Address: ":9090", Namespace: "privacy_replay"},
		Database: DatabaseConfig{Backend: "postgres", MaxConns: 5},
		ColdStorage: ColdStorageConfig{
			URL:      "file:///var/lib/privacy-replay/cold",
			Prefix:   "commands/",
			PageSize: 1000,
		},
		Verifier: VerifierConfig{
			Timeout:        10 * time.Second,
			RatePerSecond:  50,
			CacheSize:      10000,
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
		},
		Routing: RoutingConfig{
			Destinations: []RoutingDestination{{Name: "document-store", Weight: 1}},
		},
		Audit: AuditConfig{BackupDir: "./audit"},
		Publisher: PublisherConfig{
			Queue:            "replay-commands",
			BatchSize:        50,
			ReducedBatchSize: 10,
			StaggerWindow:    6 * time.Hour,
			MaxMessageBytes:  40000,
			MaxAttempts:      5,
			InitialBackoff:   time.Second,
		},
		Replay: ReplayConfig{
			ClaimLease:     10 * time.Minute,
			NoJobDelay:     600 * time.Second,
			ClaimSettleMin: 3 * time.Second,
			ClaimSettleMax: 10 * time.Second,
			DisabledDelay:  10 * time.Minute,
			MinSleep:       5 * time.Second,
			MaxSleep:       30 * time.Second,
		},
		Scanner: TaskConfig{
			Enabled:            true,
			MinSleep:           30 * time.Second,
			MaxSleep:           90 * time.Second,
			LeaseDuration:      15 * time.Minute,
			ExtensionThreshold: 5 * time.Minute,
			BatchSize:          4,
		},
		Request: RequestConfig{MaxReplayDays: 30},
	}
}

// Load builds a Config from defaults, the optional YAML file at path, then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad loads configuration using REPLAY_CONFIG as the file path and exits on error.
func MustLoad() Config {
	log.Println("[config] loading")

	cfg, err := Load(os.Getenv("REPLAY_CONFIG"))
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Metrics.Address = getenvDefault("METRICS_ADDR", cfg.Metrics.Address)
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
	cfg.Database.Backend = getenvDefault("DATABASE_BACKEND", cfg.Database.Backend)
	cfg.Database.DSN = getenvDefault("DATABASE_DSN", cfg.Database.DSN)
	cfg.ColdStorage.URL = getenvDefault("COLD_STORAGE_URL", cfg.ColdStorage.URL)
	cfg.ColdStorage.Prefix = getenvDefault("COLD_STORAGE_PREFIX", cfg.ColdStorage.Prefix)
	cfg.ColdStorage.PageSize = getenvInt("COLD_STORAGE_PAGE_SIZE", cfg.ColdStorage.PageSize)
	cfg.Directory.File = getenvDefault("DIRECTORY_FILE", cfg.Directory.File)
	cfg.Verifier.Endpoint = getenvDefault("VERIFIER_ENDPOINT", cfg.Verifier.Endpoint)
	cfg.Flights.File = getenvDefault("FLIGHTS_FILE", cfg.Flights.File)
	cfg.Audit.Endpoint = getenvDefault("AUDIT_ENDPOINT", cfg.Audit.Endpoint)
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = v == "true"
	}
	cfg.Publisher.BatchSize = getenvInt("PUBLISH_BATCH_SIZE", cfg.Publisher.BatchSize)
	cfg.Request.MaxReplayDays = getenvInt("MAX_REPLAY_DAYS", cfg.Request.MaxReplayDays)
}

// Validate rejects configurations the worker cannot run with.
func (c Config) Validate() error {
	var errs []error

	switch c.Database.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database backend %q", c.Database.Backend))
	}
	if c.Publisher.BatchSize <= 0 || c.Publisher.ReducedBatchSize <= 0 {
		errs = append(errs, errors.New("publisher batch sizes must be positive"))
	}
	if c.Publisher.MaxAttempts <= 0 {
		errs = append(errs, errors.New("publisher.max_attempts must be positive"))
	}
	if c.Publisher.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("publisher.max_message_bytes must be positive"))
	}
	if c.ColdStorage.PageSize <= 0 {
		errs = append(errs, errors.New("cold_storage.page_size must be positive"))
	}
	if c.Replay.ClaimSettleMin > c.Replay.ClaimSettleMax {
		errs = append(errs, errors.New("replay.claim_settle_min exceeds claim_settle_max"))
	}
	if c.Replay.MinSleep > c.Replay.MaxSleep {
		errs = append(errs, errors.New("replay.min_sleep exceeds max_sleep"))
	}
	if c.Scanner.MinSleep > c.Scanner.MaxSleep {
		errs = append(errs, errors.New("scanner.min_sleep exceeds max_sleep"))
	}
	if c.Scanner.ExtensionThreshold >= c.Scanner.LeaseDuration {
		errs = append(errs, errors.New("scanner.extension_threshold must be shorter than lease_duration"))
	}
	if c.Scanner.BatchSize <= 0 {
		errs = append(errs, errors.New("scanner.batch_size must be positive"))
	}
	if len(c.Routing.Destinations) == 0 {
		errs = append(errs, errors.New("routing.destinations must not be empty"))
	}
	if c.Request.MaxReplayDays <= 0 {
		errs = append(errs, errors.New("request.max_replay_days must be positive"))
	}
	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}
