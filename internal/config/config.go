// Package config loads and validates gridfetch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Jobs    JobsConfig              `mapstructure:"jobs"`
	Archive ArchiveConfig           `mapstructure:"archive"`
	Results ResultsConfig           `mapstructure:"results"`
	Raw     RawConfig               `mapstructure:"raw"`
	History HistoryConfig           `mapstructure:"history"`
	Upload  UploadConfig            `mapstructure:"upload"`
	DB      DBConfig                `mapstructure:"db"`
	PubSub  PubSubConfig            `mapstructure:"pubsub"`
	Metrics MetricsConfig           `mapstructure:"metrics"`
	Logging LoggingConfig           `mapstructure:"logging"`
	Sources map[string]SourceConfig `mapstructure:"sources"`
}

// JobsConfig locates the job list and bounds the worker pool.
type JobsConfig struct {
	File          string        `mapstructure:"file"`
	SourceField   int           `mapstructure:"source_field"`
	CategoryField int           `mapstructure:"category_field"`
	Concurrency   int           `mapstructure:"concurrency"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// ArchiveConfig sets the root under which run archives are partitioned.
type ArchiveConfig struct {
	Dir string `mapstructure:"dir"`
}

// ResultsConfig sets where ledgers go and how their timestamps are displayed.
type ResultsConfig struct {
	Dir      string `mapstructure:"dir"`
	Location string `mapstructure:"location"`
}

// RawConfig toggles persisting each job's payload outside the archive.
type RawConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// HistoryConfig bounds the by-date sweep.
type HistoryConfig struct {
	From string        `mapstructure:"from"`
	To   string        `mapstructure:"to"`
	Step time.Duration `mapstructure:"step"`
}

// UploadConfig mirrors finished archives and ledgers to GCS.
type UploadConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional Postgres ledger store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for run-complete notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig points at the Pushgateway receiving run metrics.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	JobName        string `mapstructure:"job_name"`
}

// LoggingConfig toggles zap development features and the rotating log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// SourceConfig describes one HTTP JSON source. URL may contain {source}
// and {target} placeholders.
type SourceConfig struct {
	URL        string   `mapstructure:"url"`
	Categories []string `mapstructure:"categories"`
}

// legacyEnv maps keys to the environment names older deployments export.
var legacyEnv = map[string]string{
	"jobs.file":   "FETCHERS_FILE",
	"archive.dir": "OUTPUT_ZIP_DIRECTORY",
	"results.dir": "OUTPUT_RESULTS_DIRECTORY",
	"raw.dir":     "OUTPUT_RAW_DIRECTORY",
	"raw.enabled": "OUTPUT_RAW",
}

// Load builds a Config from .env, disk and environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("GRIDFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envName := "GRIDFETCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envName, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("jobs.file", "fetchers.txt")
	v.SetDefault("jobs.source_field", 1)
	v.SetDefault("jobs.category_field", 2)
	v.SetDefault("jobs.concurrency", 8)
	v.SetDefault("jobs.timeout", "5m")
	v.SetDefault("archive.dir", "data/zips")
	v.SetDefault("results.dir", "data/results")
	v.SetDefault("results.location", "UTC")
	v.SetDefault("raw.enabled", false)
	v.SetDefault("raw.dir", "data/raw")
	v.SetDefault("history.from", "")
	v.SetDefault("history.to", "")
	v.SetDefault("history.step", "1h")
	v.SetDefault("upload.gcs_bucket", "")
	v.SetDefault("upload.prefix", "gridfetch")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "run_ledger")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job_name", "gridfetch")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Jobs.File) == "" {
		return fmt.Errorf("jobs.file must be set")
	}
	if c.Jobs.SourceField < 0 || c.Jobs.CategoryField < 0 || c.Jobs.SourceField == c.Jobs.CategoryField {
		return fmt.Errorf("jobs.source_field and jobs.category_field must be distinct positions >= 0")
	}
	if c.Jobs.Concurrency <= 0 {
		return fmt.Errorf("jobs.concurrency must be > 0")
	}
	if c.Jobs.Timeout < 0 {
		return fmt.Errorf("jobs.timeout must be >= 0")
	}
	if strings.TrimSpace(c.Archive.Dir) == "" {
		return fmt.Errorf("archive.dir must be set")
	}
	if strings.TrimSpace(c.Results.Dir) == "" {
		return fmt.Errorf("results.dir must be set")
	}
	if _, err := time.LoadLocation(c.Results.Location); err != nil {
		return fmt.Errorf("results.location: %w", err)
	}
	if c.Raw.Enabled && strings.TrimSpace(c.Raw.Dir) == "" {
		return fmt.Errorf("raw.dir must be set when raw.enabled is true")
	}
	if c.History.Step <= 0 {
		return fmt.Errorf("history.step must be > 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	for id, src := range c.Sources {
		if strings.TrimSpace(src.URL) == "" {
			return fmt.Errorf("sources.%s.url must be set", id)
		}
	}
	return nil
}

// DisplayLocation resolves results.location.
func (c Config) DisplayLocation() *time.Location {
	loc, err := time.LoadLocation(c.Results.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Range parses the by-date sweep bounds.
func (h HistoryConfig) Range() (time.Time, time.Time, error) {
	if h.From == "" || h.To == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("history.from and history.to must be set for by-date runs")
	}
	from, err := time.Parse(time.RFC3339, h.From)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("history.from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, h.To)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("history.to: %w", err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("history.to must not be before history.from")
	}
	return from.UTC(), to.UTC(), nil
}
