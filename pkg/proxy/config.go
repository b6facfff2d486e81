// Package proxy is the Streaming Proxy Pipeline (spec.md §4.5): the HTTP
// front door that authenticates clients, resolves upstream credentials,
// forwards requests, streams responses back byte-for-byte, and schedules
// the post-response bookkeeping tasks.
package proxy

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default timeouts (spec.md §4.5): the server timeout MUST exceed the
// upstream timeout so a slow-but-alive upstream isn't cut off by our own
// listener before it has a chance to time out first.
const (
	DefaultUpstreamTimeout = 10 * time.Minute
	DefaultServerTimeout   = 11 * time.Minute
)

// Config is the subset of spec.md §6's environment variables the Proxy
// Pipeline reads directly.
type Config struct {
	Host string
	Port int

	EnableClientAuth bool
	StorageEnabled   bool

	UpstreamTimeout time.Duration
	ServerTimeout   time.Duration
}

// LoadConfigFromEnv loads the proxy's own configuration, following the
// getEnvOrDefault/strconv/time.ParseDuration idiom of pkg/database/config.go.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("PORT", "8080"))
	if err != nil {
		return Config{}, fmt.Errorf("proxy: invalid PORT: %w", err)
	}

	enableClientAuth, err := strconv.ParseBool(getEnvOrDefault("ENABLE_CLIENT_AUTH", "true"))
	if err != nil {
		return Config{}, fmt.Errorf("proxy: invalid ENABLE_CLIENT_AUTH: %w", err)
	}
	storageEnabled, err := strconv.ParseBool(getEnvOrDefault("STORAGE_ENABLED", "true"))
	if err != nil {
		return Config{}, fmt.Errorf("proxy: invalid STORAGE_ENABLED: %w", err)
	}

	upstreamTimeout, err := time.ParseDuration(getEnvOrDefault("CLAUDE_API_TIMEOUT", DefaultUpstreamTimeout.String()))
	if err != nil {
		return Config{}, fmt.Errorf("proxy: invalid CLAUDE_API_TIMEOUT: %w", err)
	}
	serverTimeout, err := time.ParseDuration(getEnvOrDefault("PROXY_SERVER_TIMEOUT", DefaultServerTimeout.String()))
	if err != nil {
		return Config{}, fmt.Errorf("proxy: invalid PROXY_SERVER_TIMEOUT: %w", err)
	}

	cfg := Config{
		Host:             getEnvOrDefault("HOST", "0.0.0.0"),
		Port:             port,
		EnableClientAuth: enableClientAuth,
		StorageEnabled:   storageEnabled,
		UpstreamTimeout:  upstreamTimeout,
		ServerTimeout:    serverTimeout,
	}
	if cfg.ServerTimeout <= cfg.UpstreamTimeout {
		return Config{}, fmt.Errorf("proxy: PROXY_SERVER_TIMEOUT (%s) must exceed CLAUDE_API_TIMEOUT (%s)",
			cfg.ServerTimeout, cfg.UpstreamTimeout)
	}
	return cfg, nil
}

// Addr is the listen address derived from Host/Port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
