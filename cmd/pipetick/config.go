package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pipetick/pipetick/pkg/schema"
)

// Config holds all pipetick scheduler configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	CatalogueURL     string `json:"catalogue_url"`
	CatalogueToken   string `json:"catalogue_token"`
	DBPath           string `json:"db_path"`
	DispatchEndpoint string `json:"dispatch_endpoint"`
	DispatchToken    string `json:"dispatch_token"`
	LookbackDays     int    `json:"lookback_days"`
	LogLevel         string `json:"log_level"`

	Locale  string `json:"locale"`
	Persist bool   `json:"persist"`

	DefaultCluster schema.Cluster `json:"default_cluster"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       "file:" + filepath.Join(pipetickDir(), "pipetick.db"),
		LookbackDays: 7,
		LogLevel:     "info",
		Locale:       "en_US",
		Persist:      true,
	}
}

func pipetickDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pipetick"
	}
	return filepath.Join(home, ".pipetick")
}

func settingsPath() string {
	return filepath.Join(pipetickDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PIPETICK_CATALOGUE_URL"); v != "" {
		cfg.CatalogueURL = v
	}
	if v := os.Getenv("PIPETICK_CATALOGUE_TOKEN"); v != "" {
		cfg.CatalogueToken = v
	}
	if v := os.Getenv("PIPETICK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PIPETICK_DISPATCH_ENDPOINT"); v != "" {
		cfg.DispatchEndpoint = v
	}
	if v := os.Getenv("PIPETICK_DISPATCH_TOKEN"); v != "" {
		cfg.DispatchToken = v
	}
	if v := os.Getenv("PIPETICK_LOOKBACK_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LookbackDays = n
		}
	}
	if v := os.Getenv("PIPETICK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PIPETICK_LOCALE"); v != "" {
		cfg.Locale = v
	}
	if v := os.Getenv("PIPETICK_PERSIST"); v != "" {
		cfg.Persist = v == "true" || v == "1"
	}

	return cfg
}
