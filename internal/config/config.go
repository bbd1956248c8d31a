// Package config loads fieldnotesync settings from defaults, an optional
// fieldnotesync.yaml and FIELDNOTESYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "FIELDNOTESYNC"

// Asset backends.
const (
	BackendMultipart = "multipart"
	BackendGCS       = "gcs"
)

// Config is the full runtime configuration.
type Config struct {
	AccountID    string `mapstructure:"account_id"`
	GCPProjectID string `mapstructure:"gcp_project_id"`
	// DryRun swaps the Firestore ledger for an in-memory one.
	DryRun bool `mapstructure:"dry_run"`

	Store     StoreConfig     `mapstructure:"store"`
	Assets    AssetsConfig    `mapstructure:"assets"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Control   ControlConfig   `mapstructure:"control"`
	Log       LogConfig       `mapstructure:"log"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type AssetsConfig struct {
	Backend           string        `mapstructure:"backend"`
	Endpoint          string        `mapstructure:"endpoint"`
	UploadPreset      string        `mapstructure:"upload_preset"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Bucket            string        `mapstructure:"bucket"`
	Prefix            string        `mapstructure:"prefix"`
}

type LedgerConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type SchedulerConfig struct {
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	ExpiryInterval   time.Duration `mapstructure:"expiry_interval"`
	NoteConcurrency  int           `mapstructure:"note_concurrency"`
	ImageConcurrency int           `mapstructure:"image_concurrency"`
}

// WorkflowConfig names the report workflow started for completed projects.
// An empty Name disables the hook.
type WorkflowConfig struct {
	Location string `mapstructure:"location"`
	Name     string `mapstructure:"name"`
}

type ControlConfig struct {
	Port        string `mapstructure:"port"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// New returns a viper instance with defaults, config file search paths and
// environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("fieldnotesync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/fieldnotesync")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("account_id", "")
	v.SetDefault("gcp_project_id", "")
	v.SetDefault("dry_run", false)

	v.SetDefault("store.path", "fieldnotes.db")

	v.SetDefault("assets.backend", BackendMultipart)
	v.SetDefault("assets.endpoint", "")
	v.SetDefault("assets.upload_preset", "")
	v.SetDefault("assets.timeout", 45*time.Second)
	v.SetDefault("assets.requests_per_second", 0.0)
	v.SetDefault("assets.bucket", "")
	v.SetDefault("assets.prefix", "notes")

	v.SetDefault("ledger.cache_ttl", 30*time.Second)

	v.SetDefault("scheduler.refresh_interval", 10*time.Second)
	v.SetDefault("scheduler.expiry_interval", 10*time.Second)
	v.SetDefault("scheduler.note_concurrency", 10)
	v.SetDefault("scheduler.image_concurrency", 4)

	v.SetDefault("workflow.location", "us-central1")
	v.SetDefault("workflow.name", "")

	v.SetDefault("control.port", "8080")
	v.SetDefault("control.metrics_addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads the optional config file, unmarshals and validates.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks required settings. A dry run needs no GCP project and no
// real asset endpoint.
func (c *Config) Validate() error {
	var errs []error
	if c.AccountID == "" {
		errs = append(errs, errors.New("account_id must be set"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path must be set"))
	}
	if c.Scheduler.RefreshInterval <= 0 || c.Scheduler.ExpiryInterval <= 0 {
		errs = append(errs, errors.New("scheduler intervals must be positive"))
	}
	if !c.DryRun {
		if c.GCPProjectID == "" {
			errs = append(errs, errors.New("gcp_project_id must be set"))
		}
		switch c.Assets.Backend {
		case BackendMultipart:
			if c.Assets.Endpoint == "" || c.Assets.UploadPreset == "" {
				errs = append(errs, errors.New("assets.endpoint and assets.upload_preset must be set for the multipart backend"))
			}
		case BackendGCS:
			if c.Assets.Bucket == "" {
				errs = append(errs, errors.New("assets.bucket must be set for the gcs backend"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown assets.backend %q", c.Assets.Backend))
		}
	}
	return errors.Join(errs...)
}
