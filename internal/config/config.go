package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// Config holds runtime configuration for the edge agent.
type Config struct {
	APIBaseURL   string
	DeviceSecret string
	DeviceID     string

	StorageRoot      string
	MediaRoot        string
	QueuePath        string
	MaxStorageBytes  int64
	MaxFiles         int
	StorageWarnRatio float64

	ProcessInterval    time.Duration
	WorkerPollInterval time.Duration
	VisibilityTimeout  time.Duration
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	UploadTimeout      time.Duration
	HTTPTimeout        time.Duration
	ShutdownTimeout    time.Duration
	ActionTimeout      time.Duration

	HealthAddr string

	CameraSource  string
	InputSource   string
	VoiceCommand  []string
	PhotoMaxWidth int
	JPEGQuality   int

	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	StatusChannel      string
	UploadRateCapacity int
	UploadRateRefill   float64

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

// fileConfig is the on-disk JSON shape. Pointer fields distinguish
// "absent" from an explicit zero.
type fileConfig struct {
	APIBaseURL         string   `json:"api_base_url"`
	DeviceSecret       string   `json:"device_secret"`
	DeviceID           string   `json:"device_id"`
	StorageRoot        string   `json:"storage_root"`
	QueuePath          string   `json:"queue_path"`
	MaxStorageBytes    *int64   `json:"max_storage_bytes"`
	MaxFiles           *int     `json:"max_files"`
	StorageWarnRatio   *float64 `json:"storage_warn_ratio"`
	ProcessInterval    *float64 `json:"process_interval"`
	WorkerPollInterval string   `json:"worker_poll_interval"`
	VisibilityTimeout  string   `json:"visibility_timeout"`
	UploadMaxAttempts  *int     `json:"upload_max_attempts"`
	BackoffInitial     string   `json:"backoff_initial"`
	BackoffMax         string   `json:"backoff_max"`
	UploadTimeout      string   `json:"upload_timeout"`
	HTTPTimeout        string   `json:"http_timeout"`
	ShutdownTimeout    string   `json:"shutdown_timeout"`
	ActionTimeout      string   `json:"action_timeout"`
	HealthAddr         string   `json:"health_addr"`
	CameraSource       string   `json:"camera_source"`
	InputSource        string   `json:"input_source"`
	VoiceCommand       []string `json:"voice_command"`
	PhotoMaxWidth      *int     `json:"photo_max_width"`
	JPEGQuality        *int     `json:"jpeg_quality"`
	RedisAddr          string   `json:"redis_addr"`
	RedisPassword      string   `json:"redis_password"`
	RedisDB            int      `json:"redis_db"`
	StatusChannel      string   `json:"status_channel"`
	UploadRateCapacity int      `json:"upload_rate_capacity"`
	UploadRateRefill   float64  `json:"upload_rate_refill"`
	S3Bucket           string   `json:"s3_bucket"`
	S3Region           string   `json:"s3_region"`
	S3Endpoint         string   `json:"s3_endpoint"`
	S3PathStyle        bool     `json:"s3_path_style"`
}

// Load reads the JSON (or JSONC) config file at path, fills defaults for
// anything unset, and applies EDGE_* environment overrides.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &fc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg, err := fromFile(fc)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func fromFile(fc fileConfig) (Config, error) {
	cfg := Config{
		APIBaseURL:         strings.TrimRight(fc.APIBaseURL, "/"),
		DeviceSecret:       fc.DeviceSecret,
		DeviceID:           fc.DeviceID,
		StorageRoot:        fc.StorageRoot,
		QueuePath:          fc.QueuePath,
		MaxStorageBytes:    derefInt64(fc.MaxStorageBytes, 8<<30),
		MaxFiles:           derefInt(fc.MaxFiles, 20000),
		StorageWarnRatio:   derefFloat(fc.StorageWarnRatio, 0.8),
		ProcessInterval:    2 * time.Second,
		HealthAddr:         defaultString(fc.HealthAddr, "127.0.0.1:8089"),
		CameraSource:       fc.CameraSource,
		InputSource:        defaultString(fc.InputSource, "-"),
		VoiceCommand:       fc.VoiceCommand,
		PhotoMaxWidth:      derefInt(fc.PhotoMaxWidth, 0),
		JPEGQuality:        derefInt(fc.JPEGQuality, 90),
		RedisAddr:          fc.RedisAddr,
		RedisPassword:      fc.RedisPassword,
		RedisDB:            fc.RedisDB,
		StatusChannel:      defaultString(fc.StatusChannel, "edge:status"),
		UploadRateCapacity: fc.UploadRateCapacity,
		UploadRateRefill:   fc.UploadRateRefill,
		S3Bucket:           fc.S3Bucket,
		S3Region:           defaultString(fc.S3Region, "us-east-1"),
		S3Endpoint:         fc.S3Endpoint,
		S3PathStyle:        fc.S3PathStyle,
		MaxAttempts:        derefInt(fc.UploadMaxAttempts, 8),
	}
	if fc.ProcessInterval != nil && *fc.ProcessInterval > 0 {
		cfg.ProcessInterval = time.Duration(*fc.ProcessInterval * float64(time.Second))
	}

	durations := []struct {
		dst *time.Duration
		raw string
		def time.Duration
		key string
	}{
		{&cfg.WorkerPollInterval, fc.WorkerPollInterval, time.Second, "worker_poll_interval"},
		{&cfg.VisibilityTimeout, fc.VisibilityTimeout, 2 * time.Minute, "visibility_timeout"},
		{&cfg.BackoffInitial, fc.BackoffInitial, 2 * time.Second, "backoff_initial"},
		{&cfg.BackoffMax, fc.BackoffMax, 5 * time.Minute, "backoff_max"},
		{&cfg.UploadTimeout, fc.UploadTimeout, time.Minute, "upload_timeout"},
		{&cfg.HTTPTimeout, fc.HTTPTimeout, 10 * time.Second, "http_timeout"},
		{&cfg.ShutdownTimeout, fc.ShutdownTimeout, 5 * time.Second, "shutdown_timeout"},
		{&cfg.ActionTimeout, fc.ActionTimeout, 30 * time.Second, "action_timeout"},
	}
	for _, d := range durations {
		*d.dst = d.def
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.APIBaseURL = strings.TrimRight(getEnv("EDGE_API_BASE_URL", cfg.APIBaseURL), "/")
	cfg.DeviceSecret = getEnv("EDGE_DEVICE_SECRET", cfg.DeviceSecret)
	cfg.StorageRoot = getEnv("EDGE_STORAGE_ROOT", cfg.StorageRoot)
	cfg.HealthAddr = getEnv("EDGE_HEALTH_ADDR", cfg.HealthAddr)
	cfg.RedisAddr = getEnv("EDGE_REDIS_ADDR", cfg.RedisAddr)
	cfg.MaxAttempts = getEnvInt("EDGE_UPLOAD_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.BackoffInitial = getEnvDuration("EDGE_BACKOFF_INITIAL", cfg.BackoffInitial)
	cfg.BackoffMax = getEnvDuration("EDGE_BACKOFF_MAX", cfg.BackoffMax)
	cfg.StorageWarnRatio = getEnvFloat("EDGE_STORAGE_WARN_RATIO", cfg.StorageWarnRatio)

	if cfg.DeviceID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			cfg.DeviceID = hostname
		} else {
			cfg.DeviceID = fmt.Sprintf("device-%d", os.Getpid())
		}
	}
	if cfg.StorageRoot != "" {
		cfg.MediaRoot = filepath.Join(cfg.StorageRoot, "media")
		if cfg.QueuePath == "" {
			cfg.QueuePath = filepath.Join(cfg.StorageRoot, "queue.db")
		}
	}
}

// Validate reports the first missing or out-of-range setting.
func (c Config) Validate() error {
	switch {
	case c.APIBaseURL == "":
		return errors.New("api_base_url is required")
	case c.DeviceSecret == "":
		return errors.New("device_secret is required")
	case c.StorageRoot == "":
		return errors.New("storage_root is required")
	case c.MaxStorageBytes <= 0:
		return errors.New("max_storage_bytes must be positive")
	case c.MaxFiles <= 0:
		return errors.New("max_files must be positive")
	case c.MaxAttempts <= 0:
		return errors.New("upload_max_attempts must be positive")
	case c.StorageWarnRatio <= 0:
		return errors.New("storage_warn_ratio must be positive")
	case c.JPEGQuality < 1 || c.JPEGQuality > 100:
		return errors.New("jpeg_quality must be within 1..100")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func defaultString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func derefInt(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func derefInt64(v *int64, def int64) int64 {
	if v != nil {
		return *v
	}
	return def
}

func derefFloat(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}
