package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv overlays WORDSTREAM_* variables. Unparseable values keep the
// current setting and are recorded in Warnings.
func (c *Config) applyEnv() {
	c.Store.DSN = envOrDefault("WORDSTREAM_STORE_DSN", c.Store.DSN)
	c.Remote.BaseURL = envOrDefault("WORDSTREAM_REMOTE_URL", c.Remote.BaseURL)
	c.Remote.User = envOrDefault("WORDSTREAM_USER", c.Remote.User)
	c.Remote.AccessToken = envOrDefault("WORDSTREAM_ACCESS_TOKEN", c.Remote.AccessToken)
	c.Remote.RefreshToken = envOrDefault("WORDSTREAM_REFRESH_TOKEN", c.Remote.RefreshToken)
	c.Remote.TokenURL = envOrDefault("WORDSTREAM_TOKEN_URL", c.Remote.TokenURL)
	c.Remote.Timeout.Duration = c.durationEnv("WORDSTREAM_REMOTE_TIMEOUT", c.Remote.Timeout.Duration)
	c.Sync.Interval.Duration = c.durationEnv("WORDSTREAM_SYNC_INTERVAL", c.Sync.Interval.Duration)
	c.Sync.IntervalJitter = c.floatEnv("WORDSTREAM_SYNC_INTERVAL_JITTER", c.Sync.IntervalJitter)
	c.Sync.Timeout.Duration = c.durationEnv("WORDSTREAM_SYNC_TIMEOUT", c.Sync.Timeout.Duration)
	c.Bus.Transport = envOrDefault("WORDSTREAM_BUS_TRANSPORT", c.Bus.Transport)
	c.Bus.Origin = envOrDefault("WORDSTREAM_BUS_ORIGIN", c.Bus.Origin)
	c.Bus.HubURL = envOrDefault("WORDSTREAM_HUB_URL", c.Bus.HubURL)
	c.Bus.RedisURL = envOrDefault("WORDSTREAM_REDIS_URL", c.Bus.RedisURL)
	c.Server.JWTSecret = envOrDefault("WORDSTREAM_JWT_SECRET", c.Server.JWTSecret)
	c.Logging.Level = envOrDefault("WORDSTREAM_LOG_LEVEL", c.Logging.Level)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func (c *Config) durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using fallback %s", name, raw, fallback))
		return fallback
	}
	return value
}

func (c *Config) floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using fallback %f", name, raw, fallback))
		return fallback
	}
	return value
}
