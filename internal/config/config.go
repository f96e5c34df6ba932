package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"possync/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	DBPath           string
	HTTPAddr         string
	RemoteURL        string
	APISecret        string
	MaxQueueSize     int
	MaxSyncAttempts  int
	SyncStartDelay   time.Duration
	BackgroundPeriod time.Duration
	RemoteTimeout    time.Duration
	PeriodRetention  int
	ReportDir        string
	ReportMaxSize    int64
	ReportRetention  time.Duration
}

func Load() (*Config, error) {
	// .env file is optional; env vars may be set by the host system.
	if err := godotenv.Load(); err != nil {
		logger := log.NewLogger()
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	logger := log.NewLogger()
	cfg := &Config{
		DBPath:           os.Getenv("SYNC_DB_PATH"),
		HTTPAddr:         os.Getenv("SYNC_HTTP_ADDR"),
		RemoteURL:        os.Getenv("SYNC_REMOTE_URL"),
		APISecret:        os.Getenv("SYNC_API_SECRET"),
		MaxQueueSize:     500,
		MaxSyncAttempts:  5,
		SyncStartDelay:   5 * time.Second,
		BackgroundPeriod: 30 * time.Second,
		RemoteTimeout:    15 * time.Second,
		PeriodRetention:  50,
		ReportDir:        os.Getenv("SYNC_REPORT_DIR"),
		ReportMaxSize:    10 * 1024 * 1024,
		ReportRetention:  30 * 24 * time.Hour,
	}

	if cfg.DBPath == "" {
		logger.Error("SYNC_DB_PATH is required")
		return nil, fmt.Errorf("SYNC_DB_PATH is required")
	}
	if cfg.RemoteURL == "" {
		logger.Error("SYNC_REMOTE_URL is required")
		return nil, fmt.Errorf("SYNC_REMOTE_URL is required")
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8091"
	}
	if cfg.ReportDir == "" {
		cfg.ReportDir = "sync-reports"
	}
	if cfg.APISecret == "" {
		logger.Warn("SYNC_API_SECRET not set, admin endpoints are unauthenticated")
	}

	if v := os.Getenv("SYNC_MAX_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logger.Error("Invalid SYNC_MAX_QUEUE_SIZE", zap.String("value", v))
			return nil, fmt.Errorf("invalid SYNC_MAX_QUEUE_SIZE: %s", v)
		}
		cfg.MaxQueueSize = n
	}
	if v := os.Getenv("SYNC_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logger.Error("Invalid SYNC_MAX_ATTEMPTS", zap.String("value", v))
			return nil, fmt.Errorf("invalid SYNC_MAX_ATTEMPTS: %s", v)
		}
		cfg.MaxSyncAttempts = n
	}
	if v := os.Getenv("SYNC_START_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("Invalid SYNC_START_DELAY", zap.String("value", v))
			return nil, fmt.Errorf("invalid SYNC_START_DELAY: %s", v)
		}
		cfg.SyncStartDelay = d
	}
	if v := os.Getenv("SYNC_BACKGROUND_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("Invalid SYNC_BACKGROUND_PERIOD", zap.String("value", v))
			return nil, fmt.Errorf("invalid SYNC_BACKGROUND_PERIOD: %s", v)
		}
		cfg.BackgroundPeriod = d
	}
	if v := os.Getenv("SYNC_REMOTE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("Invalid SYNC_REMOTE_TIMEOUT", zap.String("value", v))
			return nil, fmt.Errorf("invalid SYNC_REMOTE_TIMEOUT: %s", v)
		}
		cfg.RemoteTimeout = d
	}
	if v := os.Getenv("SYNC_PERIOD_RETENTION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			logger.Error("Invalid SYNC_PERIOD_RETENTION", zap.String("value", v))
			return nil, fmt.Errorf("invalid SYNC_PERIOD_RETENTION: %s", v)
		}
		cfg.PeriodRetention = n
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}
