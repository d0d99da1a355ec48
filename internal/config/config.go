// Package config loads pipeline settings from an optional JSON file
// plus environment variables (a .env file is honoured when present).
// The JSON schema uses pointer fields so absent keys fall back to the
// documented defaults via the getter methods.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Environment variable names. These win over the JSON file so deploys
// can override a checked-in config without editing it.
const (
	EnvProviderURL = "GIGGLES_PROVIDER_URL"
	EnvOracleURL   = "GIGGLES_ORACLE_URL"
	EnvDBPath      = "GIGGLES_DB_PATH"
	EnvClipRoot    = "GIGGLES_CLIP_ROOT"
	EnvAudioRoot   = "GIGGLES_AUDIO_ROOT"
)

// Config is the root pipeline configuration.
type Config struct {
	ProviderURL    *string  `json:"provider_url,omitempty"`
	OracleURL      *string  `json:"oracle_url,omitempty"`
	DBPath         *string  `json:"db_path,omitempty"`
	ClipRoot       *string  `json:"clip_root,omitempty"`
	AudioRoot      *string  `json:"audio_root,omitempty"`
	Listen         *string  `json:"listen,omitempty"`
	Threshold      *float64 `json:"threshold,omitempty"`
	ChunkWindow    *string  `json:"chunk_window,omitempty"`     // duration string like "2h"
	RunTimeout     *string  `json:"run_timeout,omitempty"`      // wall-clock cap for manual runs
	ScheduleAt     *string  `json:"schedule_at,omitempty"`      // local HH:MM for the nightly sweep
	RetryMax       *int     `json:"retry_max,omitempty"`        // provider retry budget
	RetryBaseDelay *string  `json:"retry_base_delay,omitempty"` // duration string like "1s"
}

// Load reads the JSON config at path (missing file yields an empty
// config) and then a .env file, if one exists, into the environment.
func Load(path string) (*Config, error) {
	// Ignore a missing .env: plain environment variables still apply.
	_ = godotenv.Load()

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) GetProviderURL() string {
	if v := os.Getenv(EnvProviderURL); v != "" {
		return v
	}
	if c.ProviderURL != nil {
		return *c.ProviderURL
	}
	return "https://api.recorder.example.com"
}

func (c *Config) GetOracleURL() string {
	if v := os.Getenv(EnvOracleURL); v != "" {
		return v
	}
	if c.OracleURL != nil {
		return *c.OracleURL
	}
	return "http://127.0.0.1:9190"
}

func (c *Config) GetDBPath() string {
	if v := os.Getenv(EnvDBPath); v != "" {
		return v
	}
	if c.DBPath != nil {
		return *c.DBPath
	}
	return "giggles.db"
}

func (c *Config) GetClipRoot() string {
	if v := os.Getenv(EnvClipRoot); v != "" {
		return v
	}
	if c.ClipRoot != nil {
		return *c.ClipRoot
	}
	return "clips"
}

// GetAudioRoot is the scratch directory for downloaded segment audio;
// payloads there are deleted once their segment resolves.
func (c *Config) GetAudioRoot() string {
	if v := os.Getenv(EnvAudioRoot); v != "" {
		return v
	}
	if c.AudioRoot != nil {
		return *c.AudioRoot
	}
	return "audio"
}

func (c *Config) GetListen() string {
	if c.Listen != nil {
		return *c.Listen
	}
	return ":8080"
}

func (c *Config) GetThreshold() float64 {
	if c.Threshold != nil {
		return *c.Threshold
	}
	return 0.1
}

func (c *Config) GetChunkWindow() time.Duration {
	return c.duration(c.ChunkWindow, 2*time.Hour)
}

func (c *Config) GetRunTimeout() time.Duration {
	return c.duration(c.RunTimeout, 2*time.Hour)
}

func (c *Config) GetRetryBaseDelay() time.Duration {
	return c.duration(c.RetryBaseDelay, time.Second)
}

func (c *Config) GetRetryMax() int {
	if c.RetryMax != nil && *c.RetryMax > 0 {
		return *c.RetryMax
	}
	return 3
}

// GetScheduleAt returns the local time of day for the nightly sweep.
func (c *Config) GetScheduleAt() string {
	if c.ScheduleAt != nil {
		return *c.ScheduleAt
	}
	return "02:00"
}

func (c *Config) duration(field *string, fallback time.Duration) time.Duration {
	if field == nil {
		return fallback
	}
	d, err := time.ParseDuration(*field)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
