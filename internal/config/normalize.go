package config

import (
	"strings"
)

func (c *Config) normalize() error {
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
	if c.Store.GroupSize <= 0 {
		c.Store.GroupSize = defaultGroupSize
	}

	c.Remote.BaseURL = strings.TrimRight(strings.TrimSpace(c.Remote.BaseURL), "/")
	c.Remote.User = strings.TrimSpace(c.Remote.User)
	c.Remote.Collection = strings.TrimSpace(c.Remote.Collection)
	if c.Remote.Collection == "" {
		c.Remote.Collection = defaultCollection
	}
	c.Remote.TokenURL = strings.TrimSpace(c.Remote.TokenURL)
	if c.Remote.TokenURL == "" && c.Remote.BaseURL != "" {
		c.Remote.TokenURL = c.Remote.BaseURL + "/v1/token"
	}

	if c.Sync.IntervalJitter < 0 {
		c.Sync.IntervalJitter = 0
	} else if c.Sync.IntervalJitter > 1 {
		c.Sync.IntervalJitter = 1
	}

	c.Bus.Transport = strings.ToLower(strings.TrimSpace(c.Bus.Transport))
	if c.Bus.Transport == "" {
		c.Bus.Transport = TransportNone
	}
	c.Bus.HubURL = strings.TrimSpace(c.Bus.HubURL)
	if c.Bus.HubURL == "" && c.Bus.HubAddr != "" {
		c.Bus.HubURL = "ws://" + c.Bus.HubAddr + "/bus"
	}
	if strings.TrimSpace(c.Bus.RedisChannel) == "" {
		c.Bus.RedisChannel = defaultRedisChannel
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	return nil
}
