package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddr  string
	DatabaseURL string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	JWTSecret   string
	RedisURL    string
	CORSOrigins []string

	Storage StorageConfig
	Upload  UploadConfig
	Worker  WorkerConfig
	Log     LogConfig
	Limits  RateLimitConfig
}

// StorageConfig selects and configures the blob store backend.
type StorageConfig struct {
	Backend      string // "minio" or "s3"
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	UsePathStyle bool
	CDNDomain    string
}

// UploadConfig holds the lifetimes of upload intents and signed URLs.
type UploadConfig struct {
	UploadURLExpiry   time.Duration
	DownloadURLExpiry time.Duration
	IntentTTL         time.Duration
}

type WorkerConfig struct {
	Concurrency  int
	Attempts     int
	BackoffDelay time.Duration
	MaxBackoff   time.Duration
	JobTimeout   time.Duration
	ScratchDir   string
	FFmpegPath   string
	FFprobePath  string
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type RateLimitConfig struct {
	UploadsPerHour   int
	StreamsPerMinute int
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment
// variables take precedence over it.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerAddr:  getEnvOrDefault("SERVER_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBHost:      getEnvOrDefault("DB_HOST", "localhost"),
		DBPort:      getEnvOrDefault("DB_PORT", "5432"),
		DBUser:      getEnvOrDefault("DB_USER", "omp"),
		DBPassword:  getEnvOrDefault("DB_PASSWORD", "omp_dev_password"),
		DBName:      getEnvOrDefault("DB_NAME", "openmusicplayer"),
		JWTSecret:   getEnvOrDefault("JWT_SECRET", generateDefaultSecret()),
		RedisURL:    getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		CORSOrigins: splitList(getEnvOrDefault("CORS_ORIGINS", "*")),
		Storage: StorageConfig{
			Backend:      strings.ToLower(getEnvOrDefault("BLOB_BACKEND", "minio")),
			Endpoint:     getEnvOrDefault("S3_ENDPOINT", "http://localhost:9000"),
			Region:       getEnvOrDefault("S3_REGION", "us-east-1"),
			Bucket:       getEnvOrDefault("S3_BUCKET", "music-player"),
			AccessKey:    getEnvOrDefault("AWS_ACCESS_KEY_ID", "minioadmin"),
			SecretKey:    getEnvOrDefault("AWS_SECRET_ACCESS_KEY", "minioadmin123"),
			UseSSL:       getBool("S3_USE_SSL", false),
			UsePathStyle: getBool("S3_USE_PATH_STYLE", true),
			CDNDomain:    strings.TrimRight(os.Getenv("CDN_DOMAIN"), "/"),
		},
		Upload: UploadConfig{
			UploadURLExpiry:   getSeconds("PRESIGNED_UPLOAD_EXPIRY", 900),
			DownloadURLExpiry: getSeconds("PRESIGNED_DOWNLOAD_EXPIRY", 300),
			IntentTTL:         getSeconds("UPLOAD_INTENT_TTL", 3600),
		},
		Worker: WorkerConfig{
			Concurrency:  getPositiveInt("WORKER_CONCURRENCY", 2),
			Attempts:     getPositiveInt("JOB_ATTEMPTS", 3),
			BackoffDelay: getDuration("JOB_BACKOFF_DELAY", 5*time.Second),
			MaxBackoff:   getDuration("JOB_MAX_BACKOFF", 5*time.Minute),
			JobTimeout:   getDuration("JOB_TIMEOUT", 30*time.Minute),
			ScratchDir:   getEnvOrDefault("SCRATCH_DIR", filepath.Join(os.TempDir(), "ingestd")),
			FFmpegPath:   getEnvOrDefault("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:  getEnvOrDefault("FFPROBE_PATH", "ffprobe"),
		},
		Log: LogConfig{
			Level:      getEnvOrDefault("LOG_LEVEL", "info"),
			File:       os.Getenv("LOG_FILE"),
			MaxSizeMB:  getPositiveInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getPositiveInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getPositiveInt("LOG_MAX_AGE_DAYS", 30),
		},
		Limits: RateLimitConfig{
			UploadsPerHour:   getPositiveInt("RATE_LIMIT_UPLOADS", 20),
			StreamsPerMinute: getPositiveInt("RATE_LIMIT_STREAMS", 60),
		},
	}
}

// DSN returns the PostgreSQL connection string, preferring DATABASE_URL.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getPositiveInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

// getSeconds reads an integer number of seconds.
func getSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getPositiveInt(key, defaultSeconds)) * time.Second
}

// getDuration accepts Go duration strings ("5s") or bare milliseconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func generateDefaultSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "dev-secret-change-in-production"
	}
	return hex.EncodeToString(bytes)
}
