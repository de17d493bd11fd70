// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// AgentURL is the base URL of the backend agent (ws:// or http://).
	AgentURL string
	// Port is the listen port for the reference agent server.
	Port string
	// FrontendURL is the editor origin allowed to connect cross-origin.
	FrontendURL string

	// ReconnectDelay is the fixed delay before the link redials.
	ReconnectDelay time.Duration
	// DisconnectGrace is how long a raw disconnect may last before the
	// session reports itself disconnected.
	DisconnectGrace time.Duration

	Transcript TranscriptConfig
	Agentd     AgentdConfig
}

// TranscriptConfig controls transcript persistence.
type TranscriptConfig struct {
	Enabled bool
	DBPath  string
	TTL     time.Duration
}

// AgentdConfig tunes the reference agent server.
type AgentdConfig struct {
	// ChunkDelay paces streamed token chunks.
	ChunkDelay time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		AgentURL:        getEnv("AGENT_URL", "ws://localhost:8080"),
		Port:            getEnv("PORT", "8080"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		ReconnectDelay:  getEnvDuration("RECONNECT_DELAY", 3*time.Second),
		DisconnectGrace: getEnvDuration("DISCONNECT_GRACE", 1500*time.Millisecond),
		Transcript: TranscriptConfig{
			Enabled: getEnvBool("TRANSCRIPT_ENABLED", true),
			DBPath:  getEnv("TRANSCRIPT_DB_PATH", "./data/copilot.db"),
			TTL:     getEnvDuration("TRANSCRIPT_TTL", 30*24*time.Hour),
		},
		Agentd: AgentdConfig{
			ChunkDelay: getEnvDuration("AGENTD_CHUNK_DELAY", 40*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.AgentURL == "" {
		return fmt.Errorf("AGENT_URL cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be > 0")
	}
	if c.DisconnectGrace <= 0 {
		return fmt.Errorf("DISCONNECT_GRACE must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.DBPath == "" {
		return fmt.Errorf("TRANSCRIPT_DB_PATH cannot be empty when transcripts are enabled")
	}
	if c.Transcript.TTL <= 0 {
		return fmt.Errorf("TRANSCRIPT_TTL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	// Bare integers are read as milliseconds, matching the frontend's env
	// files which carry plain millisecond values.
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
