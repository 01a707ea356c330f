package config

import (
	"fmt"
	"time"

	"github.com/ethpandaops/reportoor/pkg/fsutil"
)

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
	// BaseURL is the externally reachable origin (e.g. https://reports.example.com).
	// When empty the origin is derived from each request.
	BaseURL       string          `yaml:"base_url,omitempty" mapstructure:"base_url"`
	BasePath      string          `yaml:"base_path" mapstructure:"base_path"`
	CORSOrigins   []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	MaxUploadSize string          `yaml:"max_upload_size" mapstructure:"max_upload_size"`
	RateLimit     RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Upload  RateLimitTier `yaml:"upload,omitempty" mapstructure:"upload"`
	Public  RateLimitTier `yaml:"public,omitempty" mapstructure:"public"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// DSN returns the libpq connection string for this config.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// StorageConfig contains blob storage settings. Only one backend (S3 or
// local) may be enabled at a time.
type StorageConfig struct {
	Bucket string `yaml:"bucket" mapstructure:"bucket"`
	// PublicURL is the base used to build the externally visible object URL
	// ({public_url}/{bucket}/{key}). Defaults to the S3 endpoint.
	PublicURL string              `yaml:"public_url,omitempty" mapstructure:"public_url"`
	S3        *S3Config           `yaml:"s3,omitempty" mapstructure:"s3"`
	Local     *LocalStorageConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// S3Config contains settings for S3-compatible storage (AWS S3, MinIO).
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	CreateBucket    bool   `yaml:"create_bucket" mapstructure:"create_bucket"`
	PresignExpiry   string `yaml:"presign_expiry,omitempty" mapstructure:"presign_expiry"`
}

// LocalStorageConfig stores artifacts on the local filesystem under
// {root}/{bucket}/{key}.
type LocalStorageConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Root    string `yaml:"root" mapstructure:"root"`
}

// Validate checks that exactly one storage backend is configured.
func (s *StorageConfig) Validate() error {
	s3Enabled := s.S3 != nil && s.S3.Enabled
	localEnabled := s.Local != nil && s.Local.Enabled

	switch {
	case s3Enabled && localEnabled:
		return fmt.Errorf("only one of storage.s3 and storage.local may be enabled")
	case !s3Enabled && !localEnabled:
		return fmt.Errorf("a storage backend (storage.s3 or storage.local) must be enabled")
	case localEnabled && s.Local.Root == "":
		return fmt.Errorf("storage.local.root is required")
	case s3Enabled && s.S3.PresignExpiry != "":
		if _, err := time.ParseDuration(s.S3.PresignExpiry); err != nil {
			return fmt.Errorf("parsing storage.s3.presign_expiry: %w", err)
		}
	}

	if s.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}

	return nil
}

// MaxAge parses the preview cleanup max age.
func (p *PreviewConfig) MaxAge() (time.Duration, error) {
	d, err := time.ParseDuration(p.Cleanup.MaxAge)
	if err != nil {
		return 0, fmt.Errorf("parsing preview.cleanup.max_age: %w", err)
	}

	return d, nil
}

// ParsedOwner returns the UID:GID that extracted previews are chowned to,
// or nil when unset.
func (p *PreviewConfig) ParsedOwner() (*fsutil.OwnerConfig, error) {
	owner, err := fsutil.ParseOwner(p.Owner)
	if err != nil {
		return nil, fmt.Errorf("parsing preview.owner: %w", err)
	}

	return owner, nil
}
