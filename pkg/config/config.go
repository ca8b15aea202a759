// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Server, Source, Export, Storage, Kafka, Redis, Postgres,
// Pipeline, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Source   SourceConfig   `yaml:"source"`
	Export   ExportConfig   `yaml:"export"`
	Storage  StorageConfig  `yaml:"storage"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings for the webhook receiver.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	SharedSecret    string        `yaml:"sharedSecret"`
}

// SourceConfig holds the Entry source API endpoints and OAuth client
// credentials used by the token manager, export client, and status surface.
type SourceConfig struct {
	BaseURL        string        `yaml:"baseUrl"`
	TokenURL       string        `yaml:"tokenUrl"`
	ClientID       string        `yaml:"clientId"`
	ClientSecret   string        `yaml:"clientSecret"`
	Tenant         string        `yaml:"tenant"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	TokenMargin    time.Duration `yaml:"tokenMargin"`
	TokenRetries   int           `yaml:"tokenRetries"`
}

// ExportConfig controls the export polling loop and the archive download.
type ExportConfig struct {
	PollInitialInterval time.Duration `yaml:"pollInitialInterval"`
	PollMaxInterval     time.Duration `yaml:"pollMaxInterval"`
	Deadline            time.Duration `yaml:"deadline"`
	DownloadTimeout     time.Duration `yaml:"downloadTimeout"`
}

// StorageConfig holds object-store connection parameters and the assume-role
// settings for cross-account delegation. An empty RoleARN means the pipeline
// writes with the ambient AccessKey/SecretKey identity.
type StorageConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Region          string        `yaml:"region"`
	UseSSL          bool          `yaml:"useSsl"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	AccessKey       string        `yaml:"accessKey"`
	SecretKey       string        `yaml:"secretKey"`
	RoleARN         string        `yaml:"roleArn"`
	STSEndpoint     string        `yaml:"stsEndpoint"`
	SessionName     string        `yaml:"sessionName"`
	SessionDuration time.Duration `yaml:"sessionDuration"`
	RefreshMargin   time.Duration `yaml:"refreshMargin"`
	UploadRetries   int           `yaml:"uploadRetries"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers []string    `yaml:"brokers"`
	Topics  KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	PackageBuild string `yaml:"packageBuild"`
}

// RedisConfig holds Redis connection parameters for the per-document run
// lock. An empty Addr disables the lock.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	LockTTL  time.Duration `yaml:"lockTtl"`
}

// PostgresConfig holds PostgreSQL connection parameters for the run-history
// store. An empty Host disables run history.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// PipelineConfig controls the overall run deadline and the version
// discriminator folded into storage keys.
type PipelineConfig struct {
	RunDeadline time.Duration `yaml:"runDeadline"`
	KeyVersion  int           `yaml:"keyVersion"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			ReadTimeout: 10 * time.Second,
			// Headroom over pipeline.runDeadline so a run that exhausts
			// its deadline still gets its error reply written.
			WriteTimeout:    16 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Source: SourceConfig{
			RequestTimeout: 15 * time.Second,
			TokenMargin:    time.Minute,
			TokenRetries:   2,
		},
		Export: ExportConfig{
			PollInitialInterval: 2 * time.Second,
			PollMaxInterval:     30 * time.Second,
			Deadline:            10 * time.Minute,
			DownloadTimeout:     10 * time.Minute,
		},
		Storage: StorageConfig{
			Region:          "us-east-1",
			UseSSL:          true,
			Prefix:          "exports",
			SessionName:     "entrybridge-upload",
			SessionDuration: time.Hour,
			RefreshMargin:   5 * time.Minute,
			UploadRetries:   3,
		},
		Redis: RedisConfig{
			PoolSize: 10,
			LockTTL:  15 * time.Minute,
		},
		Postgres: PostgresConfig{
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			RunDeadline: 15 * time.Minute,
			KeyVersion:  1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate checks that the fields the pipeline cannot run without are set.
func (c *Config) Validate() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.baseUrl is required")
	}
	if c.Source.TokenURL == "" {
		return fmt.Errorf("source.tokenUrl is required")
	}
	if c.Source.ClientID == "" || c.Source.ClientSecret == "" {
		return fmt.Errorf("source.clientId and source.clientSecret are required")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	if c.Storage.Endpoint == "" {
		return fmt.Errorf("storage.endpoint is required")
	}
	if c.Storage.RoleARN != "" && c.Storage.STSEndpoint == "" {
		return fmt.Errorf("storage.stsEndpoint is required when storage.roleArn is set")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.Kafka.Topics.PackageBuild == "" {
		return fmt.Errorf("kafka.topics.packageBuild is required")
	}
	return nil
}

// applyEnvOverrides lets deployment environments override the settings that
// commonly differ per environment, mirroring the EB_* container variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EB_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("EB_SERVER_SHARED_SECRET"); v != "" {
		cfg.Server.SharedSecret = v
	}
	if v := os.Getenv("EB_SOURCE_BASE_URL"); v != "" {
		cfg.Source.BaseURL = v
	}
	if v := os.Getenv("EB_SOURCE_TOKEN_URL"); v != "" {
		cfg.Source.TokenURL = v
	}
	if v := os.Getenv("EB_SOURCE_CLIENT_ID"); v != "" {
		cfg.Source.ClientID = v
	}
	if v := os.Getenv("EB_SOURCE_CLIENT_SECRET"); v != "" {
		cfg.Source.ClientSecret = v
	}
	if v := os.Getenv("EB_SOURCE_TENANT"); v != "" {
		cfg.Source.Tenant = v
	}
	if v := os.Getenv("EB_STORAGE_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("EB_STORAGE_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("EB_STORAGE_PREFIX"); v != "" {
		cfg.Storage.Prefix = v
	}
	if v := os.Getenv("EB_STORAGE_ACCESS_KEY"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("EB_STORAGE_SECRET_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
	if v := os.Getenv("EB_STORAGE_ROLE_ARN"); v != "" {
		cfg.Storage.RoleARN = v
	}
	if v := os.Getenv("EB_STORAGE_STS_ENDPOINT"); v != "" {
		cfg.Storage.STSEndpoint = v
	}
	if v := os.Getenv("EB_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("EB_KAFKA_TOPIC_PACKAGE_BUILD"); v != "" {
		cfg.Kafka.Topics.PackageBuild = v
	}
	if v := os.Getenv("EB_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("EB_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("EB_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("EB_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("EB_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EB_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
