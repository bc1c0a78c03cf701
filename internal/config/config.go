// Package config loads preferences from a .env file and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

// Config holds the preferences of the CLI and the transfer engine.
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	MetricsAddr string

	// Metadata propagation per direction
	DownloadPermissions bool
	DownloadTimestamps  bool
	UploadPermissions   bool
	UploadTimestamps    bool

	// Existing file action: overwrite, resume or skip
	Action string

	// Queue
	Parallelism   int
	HaltOnError   bool
	SpeedSamples  int
	SpeedInterval time.Duration
	ClockInterval time.Duration
	RetryAttempts int

	// Backends
	MultipartThreshold int64
	PartSize           int64
	SegmentThreshold   int64
	SegmentConcurrency int
	S3Endpoint         string
	S3Region           string
	S3PathStyle        bool
	Insecure           bool

	Password string
}

// Load reads configuration from environment variables with defaults. A .env
// file in the working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:            envOr("FERRY_LOG_LEVEL", "info"),
		LogFormat:           envOr("FERRY_LOG_FORMAT", "console"),
		LogFile:             envOr("FERRY_LOG_FILE", ""),
		MetricsAddr:         envOr("FERRY_METRICS_ADDR", ""),
		DownloadPermissions: envBool("FERRY_DOWNLOAD_PERMISSIONS", false),
		DownloadTimestamps:  envBool("FERRY_DOWNLOAD_TIMESTAMPS", true),
		UploadPermissions:   envBool("FERRY_UPLOAD_PERMISSIONS", false),
		UploadTimestamps:    envBool("FERRY_UPLOAD_TIMESTAMPS", true),
		Action:              envOr("FERRY_ACTION", "overwrite"),
		Parallelism:         envInt("FERRY_PARALLELISM", 1),
		HaltOnError:         envBool("FERRY_HALT_ON_ERROR", false),
		SpeedSamples:        envInt("FERRY_SPEED_SAMPLES", 8),
		SpeedInterval:       envDuration("FERRY_SPEED_INTERVAL", 500*time.Millisecond),
		ClockInterval:       envDuration("FERRY_CLOCK_INTERVAL", time.Second),
		RetryAttempts:       envInt("FERRY_RETRY_ATTEMPTS", 3),
		SegmentConcurrency:  envInt("FERRY_SEGMENT_CONCURRENCY", 4),
		S3Endpoint:          envOr("FERRY_S3_ENDPOINT", ""),
		S3Region:            envOr("FERRY_S3_REGION", "us-east-1"),
		S3PathStyle:         envBool("FERRY_S3_PATH_STYLE", false),
		Insecure:            envBool("FERRY_INSECURE", false),
		Password:            os.Getenv("FERRY_PASSWORD"),
	}

	var err error
	if cfg.MultipartThreshold, err = envBytes("FERRY_MULTIPART_THRESHOLD", "100MB"); err != nil {
		return nil, err
	}
	if cfg.PartSize, err = envBytes("FERRY_PART_SIZE", "10MB"); err != nil {
		return nil, err
	}
	if cfg.SegmentThreshold, err = envBytes("FERRY_SEGMENT_THRESHOLD", "64MB"); err != nil {
		return nil, err
	}

	switch cfg.Action {
	case "overwrite", "resume", "skip":
	default:
		return nil, fmt.Errorf("FERRY_ACTION must be overwrite, resume or skip, got %q", cfg.Action)
	}
	if cfg.SpeedSamples < 1 {
		return nil, fmt.Errorf("FERRY_SPEED_SAMPLES must be positive")
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// ParseBytes parses a human readable size such as "10MB" or "1.5GiB".
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func envBytes(key, fallback string) (int64, error) {
	n, err := ParseBytes(envOr(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return n, nil
}
