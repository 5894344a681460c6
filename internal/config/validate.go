package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return errors.New("store.dsn is required")
	}
	if c.Store.Quota && (c.Store.MaxItemBytes <= 0 || c.Store.MaxTotalBytes <= 0) {
		return errors.New("store.max_item_bytes and store.max_total_bytes must be positive when quota is enabled")
	}
	if c.Remote.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Remote.BaseURL); err != nil {
			return fmt.Errorf("remote.base_url: %w", err)
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelay.Duration <= 0 || c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		return errors.New("retry.base_delay must be positive and not exceed retry.max_delay")
	}
	if c.Sync.Interval.Duration <= 0 || c.Sync.Timeout.Duration <= 0 {
		return errors.New("sync.interval and sync.timeout must be positive")
	}
	switch c.Bus.Transport {
	case TransportNone, TransportWebsocket:
	case TransportRedis:
		if c.Bus.RedisURL == "" {
			return errors.New("bus.redis_url is required for the redis transport")
		}
	default:
		return fmt.Errorf("bus.transport must be one of %s, %s, %s (got %q)", TransportNone, TransportWebsocket, TransportRedis, c.Bus.Transport)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json, logfmt", c.Logging.Format)
	}
	return nil
}
