package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ModeSync  = "sync"
	ModeAsync = "async"

	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendS3     = "s3"
)

type Config struct {
	AppEnv string
	Port   int

	// Transport bridge
	BridgeAddr      string        // listen address of the worker process
	WorkerAddr      string        // address the gateway dials for synchronous requests
	BridgeTimeout   time.Duration // upper bound for one synchronous round trip
	MaxPayloadBytes int64
	MaxConns        int

	// Gateway
	GatewayMode string // sync or async for POST /detect

	// Pool
	ProcessingWorkers int // Number of analyzers, each with its own model instance
	PoolQueueSize     int

	// Queue
	InProcessWorkers bool // gateway consumes its own queue
	QueueConsume     bool // worker process consumes the shared queue
	QueueBackend     string
	DatabasePath     string
	PollInterval     time.Duration
	OrphanTimeout    time.Duration

	// Results
	ResultRetention time.Duration
	RetentionSweep  time.Duration
	BlobBackend     string
	ResultDirectory string
	S3              S3Config

	// Events
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string

	// Model
	ModelPath          string
	ConfigPath         string
	DetectionThreshold float64

	LogDirectory string
	AdminToken   string // bearer token for the log endpoints, empty disables them
}

type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		AppEnv: getEnv("APP_ENV", "production"),
		Port:   getEnvAsInt("PORT", 8080),

		BridgeAddr:      getEnv("BRIDGE_ADDR", ":5001"),
		WorkerAddr:      getEnv("WORKER_ADDR", "127.0.0.1:5001"),
		BridgeTimeout:   getEnvAsDuration("BRIDGE_TIMEOUT", 30*time.Second),
		MaxPayloadBytes: getEnvAsInt64("MAX_PAYLOAD_MB", 32) << 20,
		MaxConns:        getEnvAsInt("MAX_CONNS", 64),

		GatewayMode: strings.ToLower(getEnv("GATEWAY_MODE", ModeAsync)),

		ProcessingWorkers: getEnvAsInt("PROCESSING_WORKERS", 3),
		PoolQueueSize:     getEnvAsInt("POOL_QUEUE_SIZE", 100),

		InProcessWorkers: getEnvAsBool("INPROCESS_WORKERS", true),
		QueueConsume:     getEnvAsBool("QUEUE_CONSUME", false),
		QueueBackend:     strings.ToLower(getEnv("QUEUE_BACKEND", BackendSQLite)),
		DatabasePath:     getEnv("DATABASE_PATH", filepath.Join(".", "data", "jobs.db")),
		PollInterval:     getEnvAsDuration("POLL_INTERVAL", time.Second),
		OrphanTimeout:    getEnvAsDuration("ORPHAN_TIMEOUT", 10*time.Minute),

		ResultRetention: getEnvAsDuration("RESULT_RETENTION", time.Hour),
		RetentionSweep:  getEnvAsDuration("RETENTION_SWEEP", time.Minute),
		BlobBackend:     strings.ToLower(getEnv("BLOB_BACKEND", BackendFile)),
		ResultDirectory: getEnv("RESULT_DIR", filepath.Join(".", "data", "results")),
		S3: S3Config{
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Bucket:          getEnv("S3_BUCKET", "visiongate-results"),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		},

		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTTopic:    getEnv("MQTT_TOPIC", "visiongate/jobs"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "visiongate"),

		ModelPath:          getEnv("MODEL_PATH", filepath.Join(".", "models", "frozen_inference_graph.pb")),
		ConfigPath:         getEnv("CONFIG_PATH", filepath.Join(".", "models", "ssd_mobilenet_v1_coco_2017_11_17.pbtxt")),
		DetectionThreshold: getEnvAsFloat("DETECTION_THRESHOLD", 0.5),

		LogDirectory: getEnv("LOG_DIR", filepath.Join(".", "logs")),
		AdminToken:   getEnv("ADMIN_TOKEN", ""),
	}
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.ProcessingWorkers < 1 {
		return fmt.Errorf("PROCESSING_WORKERS must be at least 1, got %d", c.ProcessingWorkers)
	}
	if c.PoolQueueSize < 0 {
		return fmt.Errorf("POOL_QUEUE_SIZE must not be negative, got %d", c.PoolQueueSize)
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("MAX_PAYLOAD_MB must be positive")
	}
	if c.MaxConns < 1 {
		return fmt.Errorf("MAX_CONNS must be at least 1, got %d", c.MaxConns)
	}
	if c.BridgeTimeout <= 0 {
		return fmt.Errorf("BRIDGE_TIMEOUT must be positive")
	}
	if c.PollInterval <= 0 || c.RetentionSweep <= 0 {
		return fmt.Errorf("POLL_INTERVAL and RETENTION_SWEEP must be positive")
	}
	switch c.GatewayMode {
	case ModeSync, ModeAsync:
	default:
		return fmt.Errorf("unknown GATEWAY_MODE %q", c.GatewayMode)
	}
	switch c.QueueBackend {
	case BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	switch c.BlobBackend {
	case BackendMemory, BackendFile, BackendS3:
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
