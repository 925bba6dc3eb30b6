package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (PACKAGER_PACKAGING_CONCURRENCY)
const EnvPrefix = "PACKAGER"

// Config holds all configuration for the packager
type Config struct {
	Log       LogConfig
	Packaging PackagingConfig
	Docker    DockerConfig
	State     StateConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Tracing   TracingConfig
	Metrics   MetricsConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
	// Format is "json" or "console"
	Format string
}

// PackagingConfig holds packaging pipeline settings
type PackagingConfig struct {
	// Concurrency of zero uses the number of CPUs
	Concurrency       int
	OutputRoot        string
	SizeLimitMB       int64
	ZippedSizeLimitMB int64
	BuildTimeout      time.Duration
	RespectGitignore  bool
	ExtraIgnores      []string
	CompressionLevel  int
}

// DockerConfig holds container engine settings
type DockerConfig struct {
	// Binary is the docker CLI used for buildx builds
	Binary string
	// Host overrides DOCKER_HOST for the engine API
	Host string
	// Strategy builds container-shape images: "buildx" or "docker"
	Strategy string
	// Builder selects a named buildx builder
	Builder string
}

// StateConfig selects the digest store
type StateConfig struct {
	// Driver is "none", "sqlite", "postgres" or "redis"
	Driver string
}

// DatabaseConfig holds SQL store configuration
type DatabaseConfig struct {
	// DSN overrides the individual fields; for sqlite it is the file path
	DSN             string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// TracingConfig holds distributed tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	Insecure       bool
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled   bool
	Namespace string
	// TextfilePath receives the metrics after each run when set
	TextfilePath string
}

// Load reads configuration from path, or from packager.yaml in "." or
// "./config" when path is empty. Environment variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("packager")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Packaging: PackagingConfig{
			Concurrency:       v.GetInt("packaging.concurrency"),
			OutputRoot:        v.GetString("packaging.output_root"),
			SizeLimitMB:       v.GetInt64("packaging.size_limit_mb"),
			ZippedSizeLimitMB: v.GetInt64("packaging.zipped_size_limit_mb"),
			BuildTimeout:      v.GetDuration("packaging.build_timeout"),
			RespectGitignore:  v.GetBool("packaging.respect_gitignore"),
			ExtraIgnores:      v.GetStringSlice("packaging.extra_ignores"),
			CompressionLevel:  v.GetInt("packaging.compression_level"),
		},
		Docker: DockerConfig{
			Binary:   v.GetString("docker.binary"),
			Host:     v.GetString("docker.host"),
			Strategy: v.GetString("docker.strategy"),
			Builder:  v.GetString("docker.builder"),
		},
		State: StateConfig{
			Driver: v.GetString("state.driver"),
		},
		Database: DatabaseConfig{
			DSN:             v.GetString("database.dsn"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			URL:      v.GetString("redis.url"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Tracing: TracingConfig{
			Enabled:        v.GetBool("tracing.enabled"),
			ServiceName:    v.GetString("tracing.service_name"),
			ServiceVersion: v.GetString("tracing.service_version"),
			Environment:    v.GetString("tracing.environment"),
			OTLPEndpoint:   v.GetString("tracing.otlp_endpoint"),
			SampleRate:     v.GetFloat64("tracing.sample_rate"),
			Insecure:       v.GetBool("tracing.insecure"),
		},
		Metrics: MetricsConfig{
			Enabled:      v.GetBool("metrics.enabled"),
			Namespace:    v.GetString("metrics.namespace"),
			TextfilePath: v.GetString("metrics.textfile_path"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Packaging defaults
	v.SetDefault("packaging.concurrency", 0)
	v.SetDefault("packaging.output_root", ".packager")
	v.SetDefault("packaging.size_limit_mb", 250)
	v.SetDefault("packaging.zipped_size_limit_mb", 50)
	v.SetDefault("packaging.build_timeout", 30*time.Minute)
	v.SetDefault("packaging.respect_gitignore", false)
	v.SetDefault("packaging.extra_ignores", []string{})
	v.SetDefault("packaging.compression_level", 0)

	// Docker defaults
	v.SetDefault("docker.binary", "docker")
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.strategy", "buildx")
	v.SetDefault("docker.builder", "")

	// State defaults
	v.SetDefault("state.driver", "none")

	// Database defaults
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "packager")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "app_packager")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	// Redis defaults
	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "app-packager")
	v.SetDefault("tracing.service_version", "1.0.0")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.insecure", true)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "app_packager")
	v.SetDefault("metrics.textfile_path", "")
}

// Validate rejects settings the packager cannot act on
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	switch c.Docker.Strategy {
	case "buildx", "docker":
	default:
		errs = append(errs, fmt.Errorf("docker.strategy must be buildx or docker, got %q", c.Docker.Strategy))
	}
	switch c.State.Driver {
	case "none", "sqlite", "postgres", "redis":
	default:
		errs = append(errs, fmt.Errorf("state.driver must be none, sqlite, postgres or redis, got %q", c.State.Driver))
	}
	if c.Packaging.Concurrency < 0 {
		errs = append(errs, errors.New("packaging.concurrency must not be negative"))
	}
	if c.Packaging.SizeLimitMB < 0 || c.Packaging.ZippedSizeLimitMB < 0 {
		errs = append(errs, errors.New("packaging size limits must not be negative"))
	}

	return errors.Join(errs...)
}

// GetDatabaseDSN returns the PostgreSQL connection string
func (c *Config) GetDatabaseDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}
