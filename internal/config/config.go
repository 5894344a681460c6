package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

const appName = "wordstream"

// Duration is a time.Duration written as a Go duration string ("2s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Store selects the local store backend.
type Store struct {
	DSN           string `toml:"dsn"`
	Quota         bool   `toml:"quota"`
	MaxItemBytes  int    `toml:"max_item_bytes"`
	MaxTotalBytes int    `toml:"max_total_bytes"`
	GroupSize     int    `toml:"group_size"`
}

// Remote configures the per-user document store and its credentials.
type Remote struct {
	BaseURL      string   `toml:"base_url"`
	User         string   `toml:"user"`
	Collection   string   `toml:"collection"`
	AccessToken  string   `toml:"access_token"`
	RefreshToken string   `toml:"refresh_token"`
	TokenURL     string   `toml:"token_url"`
	ClientID     string   `toml:"client_id"`
	Timeout      Duration `toml:"timeout"`
}

type Retry struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
}

// Sync configures the background reconciliation loop.
type Sync struct {
	Interval       Duration `toml:"interval"`
	IntervalJitter float64  `toml:"interval_jitter"`
	Timeout        Duration `toml:"timeout"`
}

// Bus configures how this process reaches other contexts.
type Bus struct {
	Transport    string `toml:"transport"`
	Origin       string `toml:"origin"`
	HubURL       string `toml:"hub_url"`
	HubAddr      string `toml:"hub_addr"`
	RedisURL     string `toml:"redis_url"`
	RedisChannel string `toml:"redis_channel"`
}

// Server configures the development document server.
type Server struct {
	Addr            string   `toml:"addr"`
	StoreDSN        string   `toml:"store_dsn"`
	JWTSecret       string   `toml:"jwt_secret"`
	RateLimitMax    int      `toml:"rate_limit_max"`
	RateLimitWindow Duration `toml:"rate_limit_window"`
	MetricsAddr     string   `toml:"metrics_addr"`
}

type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config holds every setting of the wordstream binary.
type Config struct {
	Store   Store   `toml:"store"`
	Remote  Remote  `toml:"remote"`
	Retry   Retry   `toml:"retry"`
	Sync    Sync    `toml:"sync"`
	Bus     Bus     `toml:"bus"`
	Server  Server  `toml:"server"`
	Logging Logging `toml:"logging"`

	// Warnings collects environment overrides that were ignored.
	Warnings []string `toml:"-"`
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/wordstream/config.toml.
func DefaultConfigPath() string {
	xdg.Reload()
	return filepath.Join(xdg.ConfigHome, appName, "config.toml")
}

// DefaultDataDir returns $XDG_DATA_HOME/wordstream.
func DefaultDataDir() string {
	xdg.Reload()
	return filepath.Join(xdg.DataHome, appName)
}

// Load reads the configuration at path, or at WORDSTREAM_CONFIG or the
// default location when path is empty. A missing file is not an error; the
// defaults are used. Environment overrides are applied after the file.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolvedPath, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("WORDSTREAM_CONFIG"))
	}
	if path == "" {
		path = DefaultConfigPath()
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

// ExpandPath resolves a leading ~ and returns an absolute path.
func ExpandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// CreateSample writes a commented sample configuration to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// SampleConfig returns the text CreateSample writes.
func SampleConfig() string {
	return sampleConfig
}
