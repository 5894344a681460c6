package config

import (
	"path/filepath"
	"time"
)

const (
	defaultRemoteURL    = "http://127.0.0.1:8787"
	defaultCollection   = "vocabulary"
	defaultHubAddr      = "127.0.0.1:8788"
	defaultServerAddr   = "127.0.0.1:8787"
	defaultGroupSize    = 100
	defaultRedisChannel = "wordstream:bus"

	TransportNone      = "none"
	TransportWebsocket = "websocket"
	TransportRedis     = "redis"
)

// Default returns the configuration used when no file or override sets a
// value.
func Default() Config {
	dataDir := DefaultDataDir()
	return Config{
		Store: Store{
			DSN:           "file://" + filepath.Join(dataDir, "store.json"),
			MaxItemBytes:  8192,
			MaxTotalBytes: 102400,
			GroupSize:     defaultGroupSize,
		},
		Remote: Remote{
			BaseURL:    defaultRemoteURL,
			Collection: defaultCollection,
			ClientID:   "wordstream-cli",
			Timeout:    Duration{15 * time.Second},
		},
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   Duration{500 * time.Millisecond},
			MaxDelay:    Duration{10 * time.Second},
		},
		Sync: Sync{
			Interval:       Duration{5 * time.Minute},
			IntervalJitter: 0.2,
			Timeout:        Duration{30 * time.Second},
		},
		Bus: Bus{
			Transport:    TransportNone,
			HubAddr:      defaultHubAddr,
			RedisChannel: defaultRedisChannel,
		},
		Server: Server{
			Addr:            defaultServerAddr,
			StoreDSN:        "file://" + filepath.Join(dataDir, "server.json"),
			RateLimitMax:    120,
			RateLimitWindow: Duration{time.Minute},
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}
