// Package config loads the server's runtime configuration from environment
// variables, following the teacher's envOrDefault/envBool idiom
// (internal/config/config.go in the teacher repository) applied to this
// spec's own option table (§6).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds every recognized configuration option from §6.
type ServerConfig struct {
	Host string
	Port int

	BackendURL      string // base URL of the Chat-Completions-speaking upstream
	BackendTimeout  time.Duration
	ConnectTimeout  time.Duration
	ModelsRefresh   time.Duration
	BreakerEnabled  bool
	SSEBufferCap    int
	ChannelCapacity int
	RequestTimeout  time.Duration

	LogLevel string

	DumpEnabled bool
	DumpDir     string
}

// DefaultFromEnv builds a ServerConfig from environment variables, falling
// back to §6's defaults for anything unset.
func DefaultFromEnv() *ServerConfig {
	return &ServerConfig{
		Host: envOrDefault("RESPBRIDGE_HOST", "0.0.0.0"),
		Port: envInt("RESPBRIDGE_PORT", 8282),

		BackendURL:      strings.TrimRight(os.Getenv("RESPBRIDGE_BACKEND_URL"), "/"),
		BackendTimeout:  envSeconds("RESPBRIDGE_BACKEND_TIMEOUT", 600),
		ConnectTimeout:  envSeconds("RESPBRIDGE_CONNECT_TIMEOUT", 10),
		ModelsRefresh:   envSeconds("RESPBRIDGE_MODEL_CACHE_REFRESH", 60),
		BreakerEnabled:  envBoolDefault("RESPBRIDGE_BREAKER_ENABLED", true),
		SSEBufferCap:    envInt("RESPBRIDGE_SSE_BUFFER_CAP", 1<<20),
		ChannelCapacity: envInt("RESPBRIDGE_CLIENT_CHANNEL_CAPACITY", 64),
		RequestTimeout:  envSeconds("RESPBRIDGE_REQUEST_TIMEOUT", 300),

		LogLevel: envOrDefault("RESPBRIDGE_LOG_LEVEL", "info"),

		DumpEnabled: envBool("RESPBRIDGE_ENABLE_DUMPS"),
		DumpDir:     envOrDefault("RESPBRIDGE_DUMP_DIR", "logs"),
	}
}

// ChatCompletionsURL returns the upstream endpoint C9 dispatches requests to.
func (c *ServerConfig) ChatCompletionsURL() string {
	return c.BackendURL + "/chat/completions"
}

// ModelsURL returns the upstream endpoint the catalog cache refreshes from.
func (c *ServerConfig) ModelsURL() string {
	return c.BackendURL + "/models"
}

func envOrDefault(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func envBoolDefault(key string, defaultVal bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func envInt(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(envInt(key, defaultSeconds)) * time.Second
}
