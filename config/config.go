package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AWS       AWSConfig
	Recording RecordingConfig
	Proxy     ProxyConfig
	Pipeline  PipelineConfig
	Recovery  RecoveryConfig
	Defaults  DefaultsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	ShutdownTimeoutSec int
	CORSAllowedOrigins string // "*" or comma-separated origins
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/streamarchive?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds AWS credentials and the archive bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// RecordingConfig holds capture process settings.
type RecordingConfig struct {
	OutputDir         string // root directory for raw captures and finished files
	CaptureBinary     string // e.g. streamlink
	HeartbeatInterval time.Duration
	MinOutputBytes    int64 // smaller captures count as OutputEmptyOrMissing
	TerminateTimeout  time.Duration
	SnapshotInterval  time.Duration
}

// ProxyConfig controls proxy selection for captures.
type ProxyConfig struct {
	Enabled          bool
	FallbackToDirect bool
	FailureThreshold int // consecutive failures before auto-disable
	RefreshInterval  time.Duration
}

// PipelineConfig controls the post-processing scheduler and its tools.
type PipelineConfig struct {
	Workers        int
	MaxRetries     int
	RetryBaseDelay time.Duration
	FFmpegPath     string
	FFprobePath    string
	ToolTimeout    time.Duration
	CleanupRaw     bool // add the cleanup step that deletes the raw capture
	ArchiveEnabled bool // enqueue S3 upload when a pipeline finishes
}

// RecoveryConfig controls orphan detection.
type RecoveryConfig struct {
	Interval        time.Duration
	StaleHeartbeat  time.Duration
	StuckCeiling    time.Duration
	MinSalvageBytes int64
}

// DefaultsConfig is the hard-coded settings fallback used when the settings store is unavailable.
type DefaultsConfig struct {
	Quality          string
	FilenameTemplate string
	MaxStreams       int
	ConcurrencyCap   int
	SettingsCacheTTL time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			ShutdownTimeoutSec: getEnvInt("SHUTDOWN_TIMEOUT_SEC", 60),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "streamarchive"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", "streamarchive-recordings"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Recording: RecordingConfig{
			OutputDir:         getEnv("RECORDING_OUTPUT_DIR", "/recordings"),
			CaptureBinary:     getEnv("RECORDING_CAPTURE_BINARY", "streamlink"),
			HeartbeatInterval: getEnvDuration("RECORDING_HEARTBEAT_INTERVAL", 30*time.Second),
			MinOutputBytes:    getEnvInt64("RECORDING_MIN_OUTPUT_BYTES", 188*1024),
			TerminateTimeout:  getEnvDuration("RECORDING_TERMINATE_TIMEOUT", 15*time.Second),
			SnapshotInterval:  getEnvDuration("RECORDING_SNAPSHOT_INTERVAL", time.Minute),
		},
		Proxy: ProxyConfig{
			Enabled:          getEnvBool("PROXY_ENABLED", false),
			FallbackToDirect: getEnvBool("PROXY_FALLBACK_TO_DIRECT", true),
			FailureThreshold: getEnvInt("PROXY_FAILURE_THRESHOLD", 3),
			RefreshInterval:  getEnvDuration("PROXY_REFRESH_INTERVAL", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			Workers:        getEnvInt("PIPELINE_WORKERS", 2),
			MaxRetries:     getEnvInt("PIPELINE_MAX_RETRIES", 3),
			RetryBaseDelay: getEnvDuration("PIPELINE_RETRY_BASE_DELAY", 10*time.Second),
			FFmpegPath:     getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:    getEnv("FFPROBE_PATH", "ffprobe"),
			ToolTimeout:    getEnvDuration("PIPELINE_TOOL_TIMEOUT", 2*time.Hour),
			CleanupRaw:     getEnvBool("PIPELINE_CLEANUP_RAW", true),
			ArchiveEnabled: getEnvBool("PIPELINE_ARCHIVE_ENABLED", false),
		},
		Recovery: RecoveryConfig{
			Interval:        getEnvDuration("RECOVERY_INTERVAL", 5*time.Minute),
			StaleHeartbeat:  getEnvDuration("RECOVERY_STALE_HEARTBEAT", 300*time.Second),
			StuckCeiling:    getEnvDuration("RECOVERY_STUCK_CEILING", 24*time.Hour),
			MinSalvageBytes: getEnvInt64("RECOVERY_MIN_SALVAGE_BYTES", 1024*1024),
		},
		Defaults: DefaultsConfig{
			Quality:          getEnv("DEFAULT_QUALITY", "best"),
			FilenameTemplate: getEnv("DEFAULT_FILENAME_TEMPLATE", "{streamer}/{streamer}_{year}-{month}-{day}_{hour}-{minute}_{title}"),
			MaxStreams:       getEnvInt("DEFAULT_MAX_STREAMS", 0),
			ConcurrencyCap:   getEnvInt("DEFAULT_CONCURRENCY_CAP", 10),
			SettingsCacheTTL: getEnvDuration("SETTINGS_CACHE_TTL", 5*time.Minute),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make the recorder misbehave.
func (c *Config) Validate() error {
	if c.Recording.OutputDir == "" {
		return fmt.Errorf("config: RECORDING_OUTPUT_DIR is required")
	}
	if c.Recording.HeartbeatInterval < time.Second {
		return fmt.Errorf("config: RECORDING_HEARTBEAT_INTERVAL must be at least 1s")
	}
	if c.Defaults.ConcurrencyCap <= 0 {
		return fmt.Errorf("config: DEFAULT_CONCURRENCY_CAP must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("config: PIPELINE_WORKERS must be positive")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
