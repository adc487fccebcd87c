package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nodelab/conduct/internal/mcptool"
)

// Config holds all conduct daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	PoolSize    int    `json:"pool_size"`
	WorkDir     string `json:"work_dir"` // directory bare resource names resolve against
	OpenAIKey   string `json:"openai_key"`
	OpenAIModel string `json:"openai_model"`

	// MCPServer, when set, replaces the built-in tool executors.
	MCPServer *mcptool.Config `json:"mcp_server,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(conductDir(), "conduct.db"),
		LogLevel: "info",
		PoolSize: 8,
		WorkDir:  filepath.Join(conductDir(), "workspace"),
	}
}

func conductDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conduct"
	}
	return filepath.Join(home, ".conduct")
}

func settingsPath() string {
	return filepath.Join(conductDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONDUCT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONDUCT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONDUCT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CONDUCT_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIKey = v
	}
	if v := os.Getenv("CONDUCT_OPENAI_MODEL"); v != "" {
		cfg.OpenAIModel = v
	}

	return cfg
}
