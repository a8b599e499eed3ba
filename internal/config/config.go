// Package config loads configuration from an optional yaml file with
// environment-variable overrides for the common deployment knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from yaml strings like "50s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Upstream struct {
		RequestsPerMinute int      `yaml:"requests_per_minute"`
		MaxAttempts       int      `yaml:"max_attempts"`
		RetryDelay        Duration `yaml:"retry_delay"`
	} `yaml:"upstream"`
	Pipeline struct {
		Workers        int      `yaml:"workers"`
		BatchSize      int      `yaml:"batch_size"`
		SyncThreshold  int      `yaml:"sync_threshold"`
		Window         Duration `yaml:"window"`
		SafetyMargin   Duration `yaml:"safety_margin"`
		DelistedSuffix string   `yaml:"delisted_suffix"`
		HistoryYears   int      `yaml:"history_years"`
	} `yaml:"pipeline"`
	Scheduler struct {
		Enabled bool   `yaml:"enabled"`
		Spec    string `yaml:"spec"`
	} `yaml:"scheduler"`
}

// Load reads path (or ./config.yaml when path is empty and the file exists)
// over built-in defaults, then applies env overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Storage.DBPath = getEnv("DB_PATH", cfg.Storage.DBPath)
	cfg.Pipeline.Workers = getEnvInt("WORKERS", cfg.Pipeline.Workers)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)

	return cfg, nil
}

func defaults() Config {
	var cfg Config
	cfg.Server.Port = "8080"
	cfg.Storage.DBPath = "marketcache.db"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Upstream.RequestsPerMinute = 60
	cfg.Upstream.MaxAttempts = 3
	cfg.Upstream.RetryDelay = Duration(500 * time.Millisecond)
	cfg.Pipeline.Workers = 4
	cfg.Pipeline.BatchSize = 50
	cfg.Pipeline.SyncThreshold = 10
	cfg.Pipeline.Window = Duration(50 * time.Second)
	cfg.Pipeline.SafetyMargin = Duration(5 * time.Second)
	cfg.Pipeline.DelistedSuffix = ".DL"
	cfg.Pipeline.HistoryYears = 10
	cfg.Scheduler.Enabled = false
	cfg.Scheduler.Spec = "@every 30s"
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
