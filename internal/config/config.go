package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the YAML file and environment are read.
const (
	DefaultBaseURL      = "https://healthdata.gov"
	DefaultDataset      = "j8mb-icvb"
	DefaultPageSize     = 1000
	DefaultHTTPTimeout  = 60 * time.Second
	DefaultRetries      = 1
	DefaultRetryDelay   = 5 * time.Minute
	DefaultRunAt        = "06:00"
	DefaultDBPort       = 5432
	DefaultConnTimeout  = 10 * time.Second
	DefaultStmtTimeout  = 10 * time.Minute
	DefaultMetricsAddr  = ":9090"
	DefaultStateDir     = "./state"
	DefaultNotifyQueue  = "covid_results_refreshed"
	DefaultAuditDir     = "./state/audit"
	DefaultStoragePrefix = "healthdata/"
)

type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Database DatabaseConfig `yaml:"database"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Storage  StorageConfig  `yaml:"storage"`
	State    StateConfig    `yaml:"state"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// SourceConfig points at the Socrata dataset the extractor pages through.
type SourceConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Dataset  string        `yaml:"dataset"`
	AppToken string        `yaml:"app_token"`
	PageSize int           `yaml:"page_size"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DatabaseConfig holds the Postgres connection parameters. Each stage opens
// and closes its own connection from these.
type DatabaseConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Name             string        `yaml:"name"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	SSLMode          string        `yaml:"sslmode"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

type PipelineConfig struct {
	// Retries is the number of extra attempts a failed stage gets.
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// SkipUnchanged stops the run when the newest report date fetched is not
	// newer than the one already in the fact table.
	SkipUnchanged bool `yaml:"skip_unchanged"`
}

type ScheduleConfig struct {
	// RunAt is the UTC time of day ("HH:MM") of the daily run.
	RunAt string `yaml:"run_at"`
}

// StorageConfig configures where stage handoffs are archived.
type StorageConfig struct {
	Backend   string `yaml:"backend"` // "none" | "local" | "gcs" | "s3" | "minio"
	LocalDir  string `yaml:"local_dir"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type StateConfig struct {
	Backend    string `yaml:"backend"` // "file" | "sqlite" | "memory"
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

type NotifyConfig struct {
	Backend string `yaml:"backend"` // "none" | "amqp" | "webhook" | "file"
	URL     string `yaml:"url"`     // broker URL for amqp, endpoint for webhook
	Queue   string `yaml:"queue"`

	// AuditDir holds the hash-chained event log kept by the webhook and
	// file backends.
	AuditDir string `yaml:"audit_dir"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Load builds the configuration from defaults, the optional YAML file at path
// and ETL_* environment variables, in that order, then validates it.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Source: SourceConfig{
			BaseURL:  DefaultBaseURL,
			Dataset:  DefaultDataset,
			PageSize: DefaultPageSize,
			Timeout:  DefaultHTTPTimeout,
		},
		Database: DatabaseConfig{
			Host:             "localhost",
			Port:             DefaultDBPort,
			SSLMode:          "disable",
			ConnectTimeout:   DefaultConnTimeout,
			StatementTimeout: DefaultStmtTimeout,
		},
		Pipeline: PipelineConfig{
			Retries:    DefaultRetries,
			RetryDelay: DefaultRetryDelay,
		},
		Schedule: ScheduleConfig{
			RunAt: DefaultRunAt,
		},
		Storage: StorageConfig{
			Backend:  "none",
			LocalDir: "./data",
			Prefix:   DefaultStoragePrefix,
		},
		State: StateConfig{
			Backend: "file",
			Dir:     DefaultStateDir,
		},
		Notify: NotifyConfig{
			Backend:  "none",
			Queue:    DefaultNotifyQueue,
			AuditDir: DefaultAuditDir,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address: DefaultMetricsAddr,
		},
	}
}

// applyEnv overrides file values with any ETL_* variables that are set.
// Credentials are expected to arrive this way rather than through the file.
func applyEnv(cfg *Config) error {
	setString(&cfg.Source.BaseURL, "ETL_SOURCE_BASE_URL")
	setString(&cfg.Source.Dataset, "ETL_SOURCE_DATASET")
	setString(&cfg.Source.AppToken, "ETL_SOURCE_APP_TOKEN")

	setString(&cfg.Database.Host, "ETL_DB_HOST")
	setString(&cfg.Database.Name, "ETL_DB_NAME")
	setString(&cfg.Database.User, "ETL_DB_USER")
	setString(&cfg.Database.Password, "ETL_DB_PASSWORD")
	setString(&cfg.Database.SSLMode, "ETL_DB_SSLMODE")
	if err := setInt(&cfg.Database.Port, "ETL_DB_PORT"); err != nil {
		return err
	}

	if err := setInt(&cfg.Pipeline.Retries, "ETL_RETRIES"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Pipeline.RetryDelay, "ETL_RETRY_DELAY"); err != nil {
		return err
	}
	if v := os.Getenv("ETL_SKIP_UNCHANGED"); v != "" {
		cfg.Pipeline.SkipUnchanged = v == "true"
	}

	setString(&cfg.Schedule.RunAt, "ETL_RUN_AT")

	setString(&cfg.Storage.Backend, "ETL_STORAGE_BACKEND")
	setString(&cfg.Storage.LocalDir, "ETL_STORAGE_LOCAL_DIR")
	setString(&cfg.Storage.Bucket, "ETL_STORAGE_BUCKET")
	setString(&cfg.Storage.AccessKey, "ETL_STORAGE_ACCESS_KEY")
	setString(&cfg.Storage.SecretKey, "ETL_STORAGE_SECRET_KEY")

	setString(&cfg.State.Backend, "ETL_STATE_BACKEND")
	setString(&cfg.State.Dir, "ETL_STATE_DIR")
	setString(&cfg.State.SQLitePath, "ETL_STATE_SQLITE_PATH")

	setString(&cfg.Notify.Backend, "ETL_NOTIFY_BACKEND")
	setString(&cfg.Notify.URL, "ETL_NOTIFY_AMQP_URL")
	setString(&cfg.Notify.URL, "ETL_NOTIFY_URL")
	setString(&cfg.Notify.AuditDir, "ETL_NOTIFY_AUDIT_DIR")

	setString(&cfg.Logging.Format, "ETL_LOG_FORMAT")
	setString(&cfg.Logging.Level, "ETL_LOG_LEVEL")

	if v := os.Getenv("ETL_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
	setString(&cfg.Metrics.Address, "ETL_METRICS_ADDR")
	return nil
}

func validate(cfg *Config) error {
	if cfg.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if cfg.Source.Dataset == "" {
		return fmt.Errorf("source.dataset is required")
	}
	if cfg.Source.PageSize <= 0 {
		return fmt.Errorf("source.page_size must be positive")
	}
	if cfg.Source.Timeout <= 0 {
		return fmt.Errorf("source.timeout must be positive")
	}
	if cfg.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if cfg.Pipeline.Retries < 0 {
		return fmt.Errorf("pipeline.retries must not be negative")
	}
	if cfg.Pipeline.RetryDelay < 0 {
		return fmt.Errorf("pipeline.retry_delay must not be negative")
	}
	if _, _, err := ParseClock(cfg.Schedule.RunAt); err != nil {
		return fmt.Errorf("schedule.run_at: %w", err)
	}
	switch cfg.Storage.Backend {
	case "none", "local", "gcs", "s3", "minio":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	switch cfg.State.Backend {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("state.backend: unknown backend %q", cfg.State.Backend)
	}
	switch cfg.Notify.Backend {
	case "none", "file":
	case "amqp", "webhook":
		if cfg.Notify.URL == "" {
			return fmt.Errorf("notify.url is required for %s backend", cfg.Notify.Backend)
		}
	default:
		return fmt.Errorf("notify.backend: unknown backend %q", cfg.Notify.Backend)
	}
	return nil
}

// ParseClock parses an "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}
