package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Pipeline PipelineConfig
	Queue    QueueConfig
	Blob     BlobConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr string
}

// PipelineConfig holds orchestration knobs.
type PipelineConfig struct {
	Version       string        // pipeline version stamped on new documents
	Workers       int           // worker pool size
	QueueSize     int           // in-memory queue buffer
	JobTimeout    time.Duration // wall-clock cap per stage attempt
	MaxAttempts   int           // retry ceiling per job
	RetryBase     time.Duration // exponential backoff base
	RetryMaxDelay time.Duration // backoff cap
	CacheTTL      time.Duration // result cache lifetime; 0 keeps entries forever
}

// QueueConfig selects and configures the queue driver.
type QueueConfig struct {
	Driver    string // "memory" or "redis"
	RedisAddr string
	RedisKey  string
}

// BlobConfig selects and configures the blob store backing file refs.
type BlobConfig struct {
	Driver         string // "fs" or "minio"
	Dir            string // fs root
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:             getEnv("DB_URL", ""),
			MaxConns:        getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:        getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
		Server: ServerConfig{
			Addr: getEnv("HTTP_ADDR", ":8080"),
		},
		Pipeline: PipelineConfig{
			Version:       getEnv("PIPELINE_VERSION", "v1"),
			Workers:       getEnvAsInt("PIPELINE_WORKERS", 4),
			QueueSize:     getEnvAsInt("PIPELINE_QUEUE_SIZE", 256),
			JobTimeout:    getEnvAsDuration("PIPELINE_JOB_TIMEOUT", 3*time.Minute),
			MaxAttempts:   getEnvAsInt("PIPELINE_MAX_ATTEMPTS", 5),
			RetryBase:     getEnvAsDuration("PIPELINE_RETRY_BASE", 2*time.Second),
			RetryMaxDelay: getEnvAsDuration("PIPELINE_RETRY_MAX_DELAY", 2*time.Minute),
			CacheTTL:      getEnvAsDuration("PIPELINE_CACHE_TTL", 0),
		},
		Queue: QueueConfig{
			Driver:    getEnv("QUEUE_DRIVER", "memory"),
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
			RedisKey:  getEnv("REDIS_QUEUE_KEY", "docpipeline:jobs"),
		},
		Blob: BlobConfig{
			Driver:         getEnv("BLOB_DRIVER", "fs"),
			Dir:            getEnv("BLOB_DIR", "./blobs"),
			MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
			MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
			MinioBucket:    getEnv("MINIO_BUCKET", "documents"),
			MinioUseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
	}
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.Addr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Pipeline.Version == "" {
		return NewAppError("CONFIG_ERROR", "PIPELINE_VERSION is required", ErrInvalidInput)
	}
	if c.Queue.Driver != "memory" && c.Queue.Driver != "redis" {
		return NewAppError("CONFIG_ERROR", "QUEUE_DRIVER must be memory or redis", ErrInvalidInput)
	}
	if c.Blob.Driver != "fs" && c.Blob.Driver != "minio" {
		return NewAppError("CONFIG_ERROR", "BLOB_DRIVER must be fs or minio", ErrInvalidInput)
	}
	if c.Blob.Driver == "minio" && c.Blob.MinioEndpoint == "" {
		return NewAppError("CONFIG_ERROR", "MINIO_ENDPOINT is required for the minio blob driver", ErrInvalidInput)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
