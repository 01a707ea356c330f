package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "REPORTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":4010"

	// DefaultBasePath is the default path prefix for all HTTP routes.
	DefaultBasePath = "/api"

	// DefaultMaxUploadSize is the default upper bound for a single artifact.
	DefaultMaxUploadSize = "512MB"

	// DefaultBucket is the default bucket that holds report artifacts.
	DefaultBucket = "artes-reports"

	// DefaultScratchDir is the default root for extracted report previews.
	DefaultScratchDir = "./temp"

	// DefaultCleanupSchedule is the default cron spec for scratch cleanup.
	DefaultCleanupSchedule = "@every 1h"

	// DefaultCleanupMaxAge is the default age after which previews are removed.
	DefaultCleanupMaxAge = "24h"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "reportoor.db"
)

// Config is the root configuration for reportoor.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Preview  PreviewConfig  `yaml:"preview" mapstructure:"preview"`
	UI       UIConfig       `yaml:"ui,omitempty" mapstructure:"ui"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// IngestConfig controls how uploaded reports are normalized.
type IngestConfig struct {
	// AssumePipelineSuccess records pipeline_status=0 when the uploader
	// does not send one. When false the status is stored as NULL.
	AssumePipelineSuccess bool `yaml:"assume_pipeline_success" mapstructure:"assume_pipeline_success"`
}

// PreviewConfig controls where report previews are extracted and how long
// they are kept around.
type PreviewConfig struct {
	ScratchDir string               `yaml:"scratch_dir" mapstructure:"scratch_dir"`
	Owner      string               `yaml:"owner,omitempty" mapstructure:"owner"`
	Cleanup    PreviewCleanupConfig `yaml:"cleanup" mapstructure:"cleanup"`
}

// PreviewCleanupConfig configures the scheduled removal of stale previews.
type PreviewCleanupConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Schedule string `yaml:"schedule" mapstructure:"schedule"`
	MaxAge   string `yaml:"max_age" mapstructure:"max_age"`
}

// UIConfig holds values consumed by the dashboard.
type UIConfig struct {
	LogoURL string `yaml:"logo_url,omitempty" mapstructure:"logo_url"`
}

// Load reads one or more configuration files, merging them in order, and
// applies REPORTOOR_* environment overrides on top.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("at least one config file is required")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	// Bool defaults go in before decoding; afterwards false and unset look alike.
	v.SetDefault("preview.cleanup.enabled", true)

	for i, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if i == 0 {
			err = v.ReadConfig(bytes.NewReader(data))
		} else {
			err = v.MergeConfig(bytes.NewReader(data))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about, so every
	// leaf key is bound explicitly to make env-only values visible.
	for _, key := range leafKeys(reflect.TypeOf(Config{}), "") {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// leafKeys returns the dotted mapstructure keys of all non-struct fields.
func leafKeys(t reflect.Type, prefix string) []string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	keys := make([]string, 0, t.NumField())

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		ft := field.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}

		if ft.Kind() == reflect.Struct {
			keys = append(keys, leafKeys(ft, key)...)

			continue
		}

		keys = append(keys, key)
	}

	return keys
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.BasePath == "" {
		c.Server.BasePath = DefaultBasePath
	}

	c.Server.BasePath = "/" + strings.Trim(c.Server.BasePath, "/")
	if c.Server.BasePath == "/" {
		c.Server.BasePath = ""
	}

	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")

	if c.Server.MaxUploadSize == "" {
		c.Server.MaxUploadSize = DefaultMaxUploadSize
	}

	if c.Server.RateLimit.Upload.RequestsPerMinute == 0 {
		c.Server.RateLimit.Upload.RequestsPerMinute = 30
	}

	if c.Server.RateLimit.Public.RequestsPerMinute == 0 {
		c.Server.RateLimit.Public.RequestsPerMinute = 600
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	if c.Storage.Bucket == "" {
		c.Storage.Bucket = DefaultBucket
	}

	if c.Storage.PublicURL == "" && c.Storage.S3 != nil && c.Storage.S3.Enabled {
		c.Storage.PublicURL = c.Storage.S3.EndpointURL
	}

	if c.Storage.PublicURL == "" && c.Storage.Local != nil && c.Storage.Local.Enabled {
		c.Storage.PublicURL = "file://" + c.Storage.Local.Root
	}

	c.Storage.PublicURL = strings.TrimRight(c.Storage.PublicURL, "/")

	if c.Preview.ScratchDir == "" {
		c.Preview.ScratchDir = DefaultScratchDir
	}

	if c.Preview.Cleanup.Schedule == "" {
		c.Preview.Cleanup.Schedule = DefaultCleanupSchedule
	}

	if c.Preview.Cleanup.MaxAge == "" {
		c.Preview.Cleanup.MaxAge = DefaultCleanupMaxAge
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := c.Server.MaxUploadBytes(); err != nil {
		return err
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.host and database.postgres.database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if err := c.Storage.Validate(); err != nil {
		return err
	}

	if _, err := c.Preview.MaxAge(); err != nil {
		return err
	}

	if _, err := c.Preview.ParsedOwner(); err != nil {
		return err
	}

	return nil
}

// MaxUploadBytes parses the human readable upload limit (e.g. "512MB").
func (s *ServerConfig) MaxUploadBytes() (int64, error) {
	n, err := units.RAMInBytes(s.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("parsing server.max_upload_size %q: %w", s.MaxUploadSize, err)
	}

	if n <= 0 {
		return 0, fmt.Errorf("server.max_upload_size must be positive")
	}

	return n, nil
}

const redacted = "<redacted>"

// Redacted returns a copy of the config with credentials masked, for
// printing.
func (c *Config) Redacted() *Config {
	out := *c

	if out.Database.Postgres.Password != "" {
		out.Database.Postgres.Password = redacted
	}

	if c.Storage.S3 != nil {
		s3 := *c.Storage.S3
		if s3.SecretAccessKey != "" {
			s3.SecretAccessKey = redacted
		}

		out.Storage.S3 = &s3
	}

	return &out
}
