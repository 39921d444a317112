// Package config loads copier settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-executions-copier/internal/alert"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/catalog"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/ingest"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/metrics"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/source"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/storage"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Job        JobConfig        `yaml:"job"`
	Engine     EngineConfig     `yaml:"engine"`
	Fetch      RetryConfig      `yaml:"fetch"`
	Store      RetryConfig      `yaml:"store"`
	Source     SourceConfig     `yaml:"source"`
	Storage    StorageConfig    `yaml:"storage"`
	Alert      AlertConfig      `yaml:"alert"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// JobConfig holds the default job. Event input on the command line
// overrides it.
type JobConfig struct {
	Name       string `yaml:"name"`
	Symbol     string `yaml:"symbol"`
	First      uint64 `yaml:"first"`
	Last       uint64 `yaml:"last"`
	InvokeNext string `yaml:"invoke_next"`
}

type EngineConfig struct {
	PageSize    int           `yaml:"page_size"`
	Parallelism int           `yaml:"parallelism"`
	RoundDelay  time.Duration `yaml:"round_delay"`
}

type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	Delay          time.Duration `yaml:"delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

type SourceConfig struct {
	Mode              string        `yaml:"mode"`
	BaseURL           string        `yaml:"base_url"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	UserAgent         string        `yaml:"user_agent"`
	Timeout           time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"`
	LocalDir   string `yaml:"local_dir"`
	GCSBucket  string `yaml:"gcs_bucket"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
	Prefix     string `yaml:"prefix"`
	Encoding   string `yaml:"encoding"`
}

type AlertConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timezone   string        `yaml:"timezone"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	Disabled   bool          `yaml:"disabled"`
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

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxConns    int32  `yaml:"max_conns"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Job: JobConfig{
			Name:   ingest.DefaultName,
			Symbol: "BTC_JPY",
		},
		Engine: EngineConfig{
			PageSize:    source.MaxPageSize,
			Parallelism: 3,
			RoundDelay:  time.Second,
		},
		Fetch: RetryConfig{MaxRetries: 5, Delay: 3 * time.Second, AttemptTimeout: 30 * time.Second},
		Store: RetryConfig{MaxRetries: 5, Delay: 3 * time.Second, AttemptTimeout: 30 * time.Second},
		Source: SourceConfig{
			Mode:              "http",
			BaseURL:           source.DefaultBaseURL,
			RequestsPerSecond: 2,
			Burst:             3,
			UserAgent:         "executions-copier",
			Timeout:           30 * time.Second,
		},
		Storage: StorageConfig{
			Backend:  "local",
			LocalDir: "./data",
			Prefix:   "executions/",
		},
		Alert: AlertConfig{
			Timezone: "Asia/Tokyo",
			Timeout:  10 * time.Second,
			Retries:  2,
		},
		Log: LogConfig{Format: "text", Level: "info"},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: metrics.DefaultNamespace,
		},
		Catalog:    CatalogConfig{MaxConns: 4},
		Checkpoint: CheckpointConfig{Dir: "./checkpoints"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv applies environment overrides. Malformed values are
// collected and returned together.
func (c *Config) LoadFromEnv() error {
	e := &envReader{}

	e.str("JOB_NAME", &c.Job.Name)
	e.str("SYMBOL", &c.Job.Symbol)
	e.uint64("FIRST_ID", &c.Job.First)
	e.uint64("LAST_ID", &c.Job.Last)
	e.str("INVOKE_NEXT", &c.Job.InvokeNext)

	e.int("PAGE_SIZE", &c.Engine.PageSize)
	e.int("PARALLELISM", &c.Engine.Parallelism)
	e.duration("ROUND_DELAY", &c.Engine.RoundDelay)

	e.int("FETCH_MAX_RETRIES", &c.Fetch.MaxRetries)
	e.duration("FETCH_RETRY_DELAY", &c.Fetch.Delay)
	e.duration("FETCH_ATTEMPT_TIMEOUT", &c.Fetch.AttemptTimeout)
	e.int("STORE_MAX_RETRIES", &c.Store.MaxRetries)
	e.duration("STORE_RETRY_DELAY", &c.Store.Delay)
	e.duration("STORE_ATTEMPT_TIMEOUT", &c.Store.AttemptTimeout)

	e.str("SOURCE_MODE", &c.Source.Mode)
	e.str("API_BASE_URL", &c.Source.BaseURL)
	e.float("API_REQUESTS_PER_SECOND", &c.Source.RequestsPerSecond)
	e.int("API_BURST", &c.Source.Burst)
	e.str("API_USER_AGENT", &c.Source.UserAgent)
	e.duration("API_TIMEOUT", &c.Source.Timeout)

	e.str("STORAGE_BACKEND", &c.Storage.Backend)
	e.str("LOCAL_DIR", &c.Storage.LocalDir)
	e.str("GCS_BUCKET", &c.Storage.GCSBucket)
	e.str("S3_BUCKET", &c.Storage.S3Bucket)
	e.str("S3_ENDPOINT", &c.Storage.S3Endpoint)
	e.str("S3_REGION", &c.Storage.S3Region)
	e.str("STORAGE_PREFIX", &c.Storage.Prefix)
	e.str("STORAGE_ENCODING", &c.Storage.Encoding)

	e.str("ALERT_WEBHOOK_URL", &c.Alert.WebhookURL)
	e.str("ALERT_TIMEZONE", &c.Alert.Timezone)
	e.duration("ALERT_TIMEOUT", &c.Alert.Timeout)
	e.int("ALERT_RETRIES", &c.Alert.Retries)
	e.bool("ALERT_DISABLED", &c.Alert.Disabled)

	e.str("LOG_FORMAT", &c.Log.Format)
	e.str("LOG_LEVEL", &c.Log.Level)

	e.bool("METRICS_ENABLED", &c.Metrics.Enabled)
	e.str("METRICS_ADDRESS", &c.Metrics.Address)
	e.str("METRICS_NAMESPACE", &c.Metrics.Namespace)

	e.str("CATALOG_DSN", &c.Catalog.PostgresDSN)
	e.int32("CATALOG_MAX_CONNS", &c.Catalog.MaxConns)

	e.bool("CHECKPOINT_ENABLED", &c.Checkpoint.Enabled)
	e.str("CHECKPOINT_DIR", &c.Checkpoint.Dir)

	return errors.Join(e.errs...)
}

// Validate checks settings that would otherwise fail deep inside a run.
// Job bounds are checked when the job starts since event input may
// replace them.
func (c Config) Validate() error {
	var errs []error
	if err := c.EngineConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			errs = append(errs, fmt.Errorf("%w: LOCAL_DIR required for local backend", ErrInvalid))
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			errs = append(errs, fmt.Errorf("%w: GCS_BUCKET required for gcs backend", ErrInvalid))
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			errs = append(errs, fmt.Errorf("%w: S3_BUCKET required for s3 backend", ErrInvalid))
		}
	case "mem":
	default:
		errs = append(errs, fmt.Errorf("%w: unknown storage backend %q", ErrInvalid, c.Storage.Backend))
	}
	if _, err := storage.ParseEncoding(c.Storage.Encoding); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
	}
	if _, err := alert.LoadLocation(c.Alert.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
	}
	if c.Alert.Retries < 0 {
		errs = append(errs, fmt.Errorf("%w: alert retries %d", ErrInvalid, c.Alert.Retries))
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Dir == "" {
		errs = append(errs, fmt.Errorf("%w: CHECKPOINT_DIR required when checkpoints are enabled", ErrInvalid))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, fmt.Errorf("%w: METRICS_ADDRESS required when metrics are enabled", ErrInvalid))
	}
	return errors.Join(errs...)
}

// EngineConfig converts the engine and retry sections.
func (c Config) EngineConfig() ingest.Config {
	return ingest.Config{
		PageSize:    c.Engine.PageSize,
		Parallelism: c.Engine.Parallelism,
		RoundDelay:  c.Engine.RoundDelay,
		Fetch:       c.Fetch.Policy(),
		Store:       c.Store.Policy(),
	}
}

func (r RetryConfig) Policy() ingest.RetryPolicy {
	return ingest.RetryPolicy{
		MaxRetries:     r.MaxRetries,
		Delay:          r.Delay,
		AttemptTimeout: r.AttemptTimeout,
	}
}

// JobState returns the configured default job.
func (c Config) JobState() ingest.JobState {
	state := ingest.JobState{
		Name:   c.Job.Name,
		Symbol: c.Job.Symbol,
		First:  c.Job.First,
		Last:   c.Job.Last,
	}
	if c.Job.InvokeNext != "" {
		state.InvokeNext = ingest.InvokeNextString(c.Job.InvokeNext)
	}
	return state
}

func (c Config) SourceConfig() source.SourceConfig {
	return source.SourceConfig{
		Mode:              c.Source.Mode,
		BaseURL:           c.Source.BaseURL,
		RequestsPerSecond: c.Source.RequestsPerSecond,
		Burst:             c.Source.Burst,
		UserAgent:         c.Source.UserAgent,
		Timeout:           c.Source.Timeout,
	}
}

// StorageConfig converts the storage section. The symbol is appended to
// the prefix so each product gets its own key space.
func (c Config) StorageConfig(symbol string) storage.StorageConfig {
	prefix := c.Storage.Prefix
	if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		prefix += symbol + "/"
	}
	return storage.StorageConfig{
		Backend:    c.Storage.Backend,
		LocalDir:   c.Storage.LocalDir,
		GCSBucket:  c.Storage.GCSBucket,
		S3Bucket:   c.Storage.S3Bucket,
		S3Endpoint: c.Storage.S3Endpoint,
		S3Region:   c.Storage.S3Region,
		Prefix:     prefix,
		Encoding:   c.Storage.Encoding,
	}
}

func (c Config) AlertConfig() alert.Config {
	return alert.Config{
		WebhookURL: c.Alert.WebhookURL,
		Timezone:   c.Alert.Timezone,
		Timeout:    c.Alert.Timeout,
		Retries:    c.Alert.Retries,
		Disabled:   c.Alert.Disabled,
	}
}

func (c Config) LogConfig() logging.Config {
	return logging.Config{Format: c.Log.Format, Level: c.Log.Level}
}

func (c Config) MetricsConfig() metrics.Config {
	return metrics.Config{Enabled: c.Metrics.Enabled, Address: c.Metrics.Address}
}

func (c Config) CatalogConfig() catalog.Config {
	return catalog.Config{PostgresDSN: c.Catalog.PostgresDSN, MaxConns: c.Catalog.MaxConns}
}

func (c Config) CheckpointConfig() checkpoint.Config {
	return checkpoint.Config{Enabled: c.Checkpoint.Enabled, Dir: c.Checkpoint.Dir}
}

// envReader applies set environment variables and records parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, v, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int32(key string, dst *int32) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = int32(n)
	}
}

func (e *envReader) uint64(key string, dst *uint64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
