package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override, e.g.
// REPORTVAULT_DATABASE_DRIVER overrides database.driver.
const EnvPrefix = "REPORTVAULT"

const (
	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultMaxBodySize caps request bodies.
	DefaultMaxBodySize = "10MB"

	// DefaultListLimit is the page size used when a list request has none.
	DefaultListLimit = 50

	// DefaultMaxListLimit caps client-supplied list limits.
	DefaultMaxListLimit = 1000

	// DefaultAnalyticsScanLimit bounds how many reports analytics reads.
	DefaultAnalyticsScanLimit = 1000

	// DefaultRecentReports is how many reports analytics returns in full.
	DefaultRecentReports = 10

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "reportvault.db"

	// DefaultPipelineTimeout bounds one upstream analysis run.
	DefaultPipelineTimeout = "30m"
)

// Config is the root configuration for reportvault.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Reports  ReportsConfig  `yaml:"reports" mapstructure:"reports"`
	Archive  ArchiveConfig  `yaml:"archive,omitempty" mapstructure:"archive"`
	Events   EventsConfig   `yaml:"events,omitempty" mapstructure:"events"`
	Pipeline PipelineConfig `yaml:"pipeline,omitempty" mapstructure:"pipeline"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	MaxBodySize string          `yaml:"max_body_size,omitempty" mapstructure:"max_body_size"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Metrics     bool            `yaml:"metrics" mapstructure:"metrics"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// AuthConfig contains bearer token settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	// UserIDClaim names the token claim carrying the caller's user id.
	UserIDClaim string `yaml:"user_id_claim,omitempty" mapstructure:"user_id_claim"`
	// HideForeignReports answers 404 instead of 403 when a report exists
	// but belongs to somebody else.
	HideForeignReports bool `yaml:"hide_foreign_reports" mapstructure:"hide_foreign_reports"`
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

// DSN renders the libpq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// ReportsConfig tunes listing, analytics and export behaviour.
type ReportsConfig struct {
	DefaultListLimit     int  `yaml:"default_list_limit" mapstructure:"default_list_limit"`
	MaxListLimit         int  `yaml:"max_list_limit" mapstructure:"max_list_limit"`
	AnalyticsScanLimit   int  `yaml:"analytics_scan_limit" mapstructure:"analytics_scan_limit"`
	RecentReports        int  `yaml:"recent_reports" mapstructure:"recent_reports"`
	CSVSkipSeparatorRows bool `yaml:"csv_skip_separator_rows" mapstructure:"csv_skip_separator_rows"`
}

// ArchiveConfig selects where a copy of every report body is kept.
// At most one backend may be enabled.
type ArchiveConfig struct {
	S3    S3ArchiveConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
	Local LocalArchiveConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// S3ArchiveConfig contains S3 settings for the report archive.
type S3ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	PresignExpiry   string `yaml:"presign_expiry,omitempty" mapstructure:"presign_expiry"`
}

// LocalArchiveConfig writes report copies below a local directory.
type LocalArchiveConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
	// Owner is an optional "UID:GID" applied to written files.
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	AMQP AMQPConfig `yaml:"amqp,omitempty" mapstructure:"amqp"`
}

// AMQPConfig contains RabbitMQ publisher settings.
type AMQPConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	URL        string `yaml:"url" mapstructure:"url"`
	Exchange   string `yaml:"exchange" mapstructure:"exchange"`
	RoutingKey string `yaml:"routing_key,omitempty" mapstructure:"routing_key"`
}

// PipelineConfig describes the external analysis command.
type PipelineConfig struct {
	Command []string          `yaml:"command,omitempty" mapstructure:"command"`
	Timeout string            `yaml:"timeout,omitempty" mapstructure:"timeout"`
	Env     map[string]string `yaml:"env,omitempty" mapstructure:"env"`
}

// Load reads the configuration file at path (optional), applies
// REPORTVAULT_* environment overrides and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so that environment overrides are
// honoured even when the config file does not mention the key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_body_size", DefaultMaxBodySize)
	v.SetDefault("server.metrics", true)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests_per_minute", 120)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.user_id_claim", "id")
	v.SetDefault("auth.hide_foreign_reports", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "reportvault")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("reports.default_list_limit", DefaultListLimit)
	v.SetDefault("reports.max_list_limit", DefaultMaxListLimit)
	v.SetDefault("reports.analytics_scan_limit", DefaultAnalyticsScanLimit)
	v.SetDefault("reports.recent_reports", DefaultRecentReports)
	v.SetDefault("reports.csv_skip_separator_rows", false)

	v.SetDefault("archive.s3.enabled", false)
	v.SetDefault("archive.s3.endpoint_url", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.prefix", "reports")
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")
	v.SetDefault("archive.s3.force_path_style", false)
	v.SetDefault("archive.s3.storage_class", "")
	v.SetDefault("archive.s3.presign_expiry", "15m")
	v.SetDefault("archive.local.enabled", false)
	v.SetDefault("archive.local.dir", "")
	v.SetDefault("archive.local.owner", "")

	v.SetDefault("events.amqp.enabled", false)
	v.SetDefault("events.amqp.url", "")
	v.SetDefault("events.amqp.exchange", "reportvault")
	v.SetDefault("events.amqp.routing_key", "")

	v.SetDefault("pipeline.command", []string{})
	v.SetDefault("pipeline.timeout", DefaultPipelineTimeout)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	if _, err := c.MaxBodyBytes(); err != nil {
		return err
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if err := c.Database.Validate(); err != nil {
		return err
	}

	if err := c.Reports.Validate(); err != nil {
		return err
	}

	if err := c.Archive.Validate(); err != nil {
		return err
	}

	if c.Events.AMQP.Enabled {
		if c.Events.AMQP.URL == "" {
			return fmt.Errorf("events.amqp.url is required when amqp is enabled")
		}

		if c.Events.AMQP.Exchange == "" {
			return fmt.Errorf("events.amqp.exchange is required when amqp is enabled")
		}
	}

	if _, err := c.Pipeline.TimeoutDuration(); err != nil {
		return err
	}

	return nil
}

// Validate checks the database section.
func (d *DatabaseConfig) Validate() error {
	switch d.Driver {
	case "sqlite":
		if d.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if d.Postgres.Host == "" || d.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.host and database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", d.Driver)
	}

	return nil
}

// Validate checks the reports section.
func (r *ReportsConfig) Validate() error {
	if r.DefaultListLimit <= 0 || r.MaxListLimit <= 0 {
		return fmt.Errorf("reports list limits must be positive")
	}

	if r.DefaultListLimit > r.MaxListLimit {
		return fmt.Errorf(
			"reports.default_list_limit (%d) exceeds max_list_limit (%d)",
			r.DefaultListLimit, r.MaxListLimit,
		)
	}

	if r.AnalyticsScanLimit <= 0 {
		return fmt.Errorf("reports.analytics_scan_limit must be positive")
	}

	if r.RecentReports < 0 {
		return fmt.Errorf("reports.recent_reports must not be negative")
	}

	return nil
}

// Validate checks the archive section.
func (a *ArchiveConfig) Validate() error {
	if a.S3.Enabled && a.Local.Enabled {
		return fmt.Errorf("only one archive backend (s3 or local) may be enabled")
	}

	if a.S3.Enabled {
		if a.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when s3 is enabled")
		}

		if _, err := time.ParseDuration(a.S3.PresignExpiry); err != nil {
			return fmt.Errorf("parsing archive.s3.presign_expiry: %w", err)
		}
	}

	if a.Local.Enabled && a.Local.Dir == "" {
		return fmt.Errorf("archive.local.dir is required when local is enabled")
	}

	return nil
}

// MaxBodyBytes parses server.max_body_size ("10MB", "512KiB", ...).
func (c *Config) MaxBodyBytes() (int64, error) {
	size := c.Server.MaxBodySize
	if size == "" {
		size = DefaultMaxBodySize
	}

	n, err := units.RAMInBytes(size)
	if err != nil {
		return 0, fmt.Errorf("parsing server.max_body_size: %w", err)
	}

	if n <= 0 {
		return 0, fmt.Errorf("server.max_body_size must be positive")
	}

	return n, nil
}

// TimeoutDuration parses pipeline.timeout. Zero means no timeout.
func (p *PipelineConfig) TimeoutDuration() (time.Duration, error) {
	if p.Timeout == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing pipeline.timeout: %w", err)
	}

	return d, nil
}

// Redacted returns a copy safe to print, with secrets masked.
func (c *Config) Redacted() Config {
	out := *c

	mask := func(s string) string {
		if s == "" {
			return ""
		}

		return "********"
	}

	out.Auth.JWTSecret = mask(out.Auth.JWTSecret)
	out.Database.Postgres.Password = mask(out.Database.Postgres.Password)
	out.Archive.S3.SecretAccessKey = mask(out.Archive.S3.SecretAccessKey)
	out.Events.AMQP.URL = mask(out.Events.AMQP.URL)

	return out
}
