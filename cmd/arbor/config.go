package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all arbor configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	PoolSize    int    `json:"pool_size"`
	MaxRounds   int    `json:"max_feedback_rounds"`
	SessionTTL  int64  `json:"session_ttl_seconds"`
	WorkflowDir string `json:"workflow_dir"`
	Scheduler   bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		DBPath:     filepath.Join(arborDir(), "arbor.db"),
		LogLevel:   "info",
		PoolSize:   10,
		MaxRounds:  2,
		SessionTTL: 3600,
		Scheduler:  true,
	}
}

func arborDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arbor"
	}
	return filepath.Join(home, ".arbor")
}

func settingsPath() string {
	return filepath.Join(arborDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("ARBOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ARBOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ARBOR_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("ARBOR_MAX_FEEDBACK_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRounds = n
		}
	}
	if v := os.Getenv("ARBOR_SESSION_TTL_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.SessionTTL = n
		}
	}
	if v := os.Getenv("ARBOR_WORKFLOW_DIR"); v != "" {
		cfg.WorkflowDir = v
	}
	if v := os.Getenv("ARBOR_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}
