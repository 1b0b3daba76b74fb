package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rpattn/surveyingest/internal/db"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. SURVEYINGEST_DATABASE_HOST.
const EnvPrefix = "SURVEYINGEST"

// Storage and queue backends.
const (
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendSQS    = "sqs"
	BackendRedis  = "redis"
)

// Config is the full runtime configuration of the intake service and the workers.
type Config struct {
	Database  db.Config       `mapstructure:"database"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type StorageConfig struct {
	Backend         string `mapstructure:"backend"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Prefix          string `mapstructure:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type QueueConfig struct {
	Backend           string        `mapstructure:"backend"`
	URL               string        `mapstructure:"url"`
	Region            string        `mapstructure:"region"`
	Endpoint          string        `mapstructure:"endpoint"`
	RedisAddr         string        `mapstructure:"redis_addr"`
	RedisPassword     string        `mapstructure:"redis_password"`
	RedisDB           int           `mapstructure:"redis_db"`
	Stream            string        `mapstructure:"stream"`
	Group             string        `mapstructure:"group"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

type IngestionConfig struct {
	MaxUploadBytes    int64         `mapstructure:"max_upload_bytes"`
	ChunkSize         int           `mapstructure:"chunk_size"`
	ValidationTimeout time.Duration `mapstructure:"validation_timeout"`
	RecentJobsLimit   int           `mapstructure:"recent_jobs_limit"`
}

type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	Prefetch     int           `mapstructure:"prefetch"`
	ReceiveWait  time.Duration `mapstructure:"receive_wait"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
}

type LogConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Default returns the configuration used when neither a file nor the
// environment says otherwise.
func Default() Config {
	return Config{
		Database: db.DefaultConfig(),
		HTTP: HTTPConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{Issuer: "surveyingest"},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Prefix:  "uploads/",
			Region:  "us-east-1",
		},
		Queue: QueueConfig{
			Backend:           BackendMemory,
			Region:            "us-east-1",
			RedisAddr:         "localhost:6379",
			Stream:            "survey-upload-jobs",
			Group:             "survey-ingest-workers",
			VisibilityTimeout: 5 * time.Minute,
		},
		Ingestion: IngestionConfig{
			MaxUploadBytes:    50 << 20,
			ChunkSize:         1000,
			ValidationTimeout: 30 * time.Second,
			RecentJobsLimit:   10,
		},
		Worker: WorkerConfig{
			Concurrency:  1,
			Prefetch:     1,
			ReceiveWait:  20 * time.Second,
			ErrorBackoff: 5 * time.Second,
			MaxAttempts:  5,
			MetricsAddr:  ":9090",
		},
		Log: LogConfig{Mode: "production", Level: "info"},
	}
}

// Load reads config.yaml from configPath (a directory or a file path), then
// applies SURVEYINGEST_* environment overrides on top of Default.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if strings.HasSuffix(configPath, ".yaml") || strings.HasSuffix(configPath, ".yml") {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if configPath != "" {
			v.AddConfigPath(configPath)
		}
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config %s: %w", filepath.Clean(configPath), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component could run with.
func (c Config) Validate() error {
	var problems []string
	if c.Ingestion.ChunkSize <= 0 {
		problems = append(problems, "ingestion.chunk_size must be positive")
	}
	if c.Ingestion.MaxUploadBytes <= 0 {
		problems = append(problems, "ingestion.max_upload_bytes must be positive")
	}
	if c.Ingestion.ValidationTimeout <= 0 {
		problems = append(problems, "ingestion.validation_timeout must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		problems = append(problems, "worker.concurrency must be positive")
	}
	if c.Worker.Prefetch <= 0 {
		problems = append(problems, "worker.prefetch must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		problems = append(problems, "worker.max_attempts must be positive")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendS3, BackendGCS:
		if c.Storage.Bucket == "" {
			problems = append(problems, "storage.bucket is required for the "+c.Storage.Backend+" backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage.backend %q", c.Storage.Backend))
	}
	switch c.Queue.Backend {
	case BackendMemory, BackendRedis:
	case BackendSQS:
		if c.Queue.URL == "" {
			problems = append(problems, "queue.url is required for the sqs backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown queue.backend %q", c.Queue.Backend))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.dbname", d.Database.DBName)
	v.SetDefault("database.sslmode", d.Database.SSLMode)
	v.SetDefault("database.max_conns", d.Database.MaxConns)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.bucket", d.Storage.Bucket)
	v.SetDefault("storage.region", d.Storage.Region)
	v.SetDefault("storage.endpoint", d.Storage.Endpoint)
	v.SetDefault("storage.prefix", d.Storage.Prefix)
	v.SetDefault("storage.credentials_file", d.Storage.CredentialsFile)

	v.SetDefault("queue.backend", d.Queue.Backend)
	v.SetDefault("queue.url", d.Queue.URL)
	v.SetDefault("queue.region", d.Queue.Region)
	v.SetDefault("queue.endpoint", d.Queue.Endpoint)
	v.SetDefault("queue.redis_addr", d.Queue.RedisAddr)
	v.SetDefault("queue.redis_password", d.Queue.RedisPassword)
	v.SetDefault("queue.redis_db", d.Queue.RedisDB)
	v.SetDefault("queue.stream", d.Queue.Stream)
	v.SetDefault("queue.group", d.Queue.Group)
	v.SetDefault("queue.visibility_timeout", d.Queue.VisibilityTimeout)

	v.SetDefault("ingestion.max_upload_bytes", d.Ingestion.MaxUploadBytes)
	v.SetDefault("ingestion.chunk_size", d.Ingestion.ChunkSize)
	v.SetDefault("ingestion.validation_timeout", d.Ingestion.ValidationTimeout)
	v.SetDefault("ingestion.recent_jobs_limit", d.Ingestion.RecentJobsLimit)

	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.prefetch", d.Worker.Prefetch)
	v.SetDefault("worker.receive_wait", d.Worker.ReceiveWait)
	v.SetDefault("worker.error_backoff", d.Worker.ErrorBackoff)
	v.SetDefault("worker.max_attempts", d.Worker.MaxAttempts)
	v.SetDefault("worker.metrics_addr", d.Worker.MetricsAddr)

	v.SetDefault("log.mode", d.Log.Mode)
	v.SetDefault("log.level", d.Log.Level)
}
