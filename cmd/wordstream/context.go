package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/shavsss/wordstream/internal/auth"
	"github.com/shavsss/wordstream/internal/bus"
	"github.com/shavsss/wordstream/internal/cloudsync"
	"github.com/shavsss/wordstream/internal/config"
	"github.com/shavsss/wordstream/internal/localstore"
	"github.com/shavsss/wordstream/internal/remote"
	"github.com/shavsss/wordstream/internal/retry"
	"github.com/shavsss/wordstream/internal/wordbank"
)

type globalFlags struct {
	config   string
	store    string
	origin   string
	logLevel string
}

// commandContext lazily builds the shared pieces a command needs and closes
// them after the command finishes.
type commandContext struct {
	flags  *globalFlags
	stderr io.Writer

	configOnce sync.Once
	config     *config.Config
	configPath string
	configFile bool
	configErr  error
	logger     *log.Logger

	store   localstore.Store
	bus     *bus.Bus
	closers []func() error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags, stderr: os.Stderr}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, path, exists, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		if dsn := strings.TrimSpace(c.flags.store); dsn != "" {
			cfg.Store.DSN = dsn
		}
		if origin := strings.TrimSpace(c.flags.origin); origin != "" {
			cfg.Bus.Origin = origin
		}
		if level := strings.TrimSpace(c.flags.logLevel); level != "" {
			cfg.Logging.Level = strings.ToLower(level)
			if err := cfg.Validate(); err != nil {
				c.configErr = err
				return
			}
		}
		c.config = cfg
		c.configPath = path
		c.configFile = exists
		c.logger = newLogger(c.stderr, cfg.Logging)
		for _, warning := range cfg.Warnings {
			c.logger.Warn(warning)
		}
	})
	return c.config, c.configErr
}

func newLogger(w io.Writer, cfg config.Logging) *log.Logger {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	formatter := log.TextFormatter
	switch cfg.Format {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		Formatter:       formatter,
		Prefix:          "wordstream",
	})
}

func (c *commandContext) openStore() (localstore.Store, error) {
	if c.store != nil {
		return c.store, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	store, err := localstore.Open(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.DSN, err)
	}
	c.closers = append(c.closers, store.Close)
	if cfg.Store.Quota {
		store = localstore.WithQuota(store, localstore.Quota{
			MaxItemBytes:  cfg.Store.MaxItemBytes,
			MaxTotalBytes: cfg.Store.MaxTotalBytes,
		})
	}
	c.store = store
	return store, nil
}

// openBus connects to the configured transport. The bus is best effort: when
// the transport is unreachable the command still runs and only persists
// snapshots.
func (c *commandContext) openBus(ctx context.Context) (*bus.Bus, error) {
	if c.bus != nil {
		return c.bus, nil
	}
	store, err := c.openStore()
	if err != nil {
		return nil, err
	}
	cfg := c.config
	options := bus.Options{Origin: cfg.Bus.Origin, Store: store, Logger: c.logger}

	switch cfg.Bus.Transport {
	case config.TransportWebsocket:
		origin := cfg.Bus.Origin
		if origin == "" {
			origin = "cli-" + fmt.Sprint(os.Getpid())
			options.Origin = origin
		}
		transport, err := bus.DialWebsocket(ctx, cfg.Bus.HubURL, origin, c.logger)
		if err != nil {
			c.logger.Debug("bus hub unreachable, continuing without broadcast", "hub", cfg.Bus.HubURL, "err", err)
			break
		}
		c.closers = append(c.closers, transport.Close)
		options.Transport = transport
	case config.TransportRedis:
		transport, err := bus.NewRedisTransport(cfg.Bus.RedisURL, cfg.Bus.RedisChannel, c.logger)
		if err != nil {
			c.logger.Warn("redis bus unreachable, continuing without broadcast", "err", err)
			break
		}
		c.closers = append(c.closers, transport.Close)
		options.Transport = transport
	}
	c.bus = bus.New(options)
	return c.bus, nil
}

func (c *commandContext) openBank(ctx context.Context) (*wordbank.Bank, error) {
	store, err := c.openStore()
	if err != nil {
		return nil, err
	}
	b, err := c.openBus(ctx)
	if err != nil {
		return nil, err
	}
	options := wordbank.Options{
		Store:     store,
		Bus:       b,
		Logger:    c.logger,
		GroupSize: c.config.Store.GroupSize,
	}
	if c.config.Store.Quota {
		options.MaxGroupBytes = c.config.Store.MaxItemBytes
	}
	bank, err := wordbank.New(options)
	if err != nil {
		return nil, err
	}
	if err := bank.Load(ctx); err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}
	return bank, nil
}

var errNoRemoteUser = errors.New("remote.user is not configured (set it in the config file or WORDSTREAM_USER)")

func (c *commandContext) remoteConfigured() bool {
	return c.config != nil && c.config.Remote.User != "" && c.config.Remote.BaseURL != ""
}

// openSession restores the persisted credential, falling back to the tokens
// in the configuration.
func (c *commandContext) openSession(ctx context.Context) (*auth.Session, error) {
	store, err := c.openStore()
	if err != nil {
		return nil, err
	}
	b, err := c.openBus(ctx)
	if err != nil {
		return nil, err
	}
	cfg := c.config.Remote

	var refresher auth.Refresher
	if cfg.TokenURL != "" {
		refresher = auth.OAuth2Refresher{Config: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
		}}
	}
	session := auth.NewSession(auth.SessionOptions{
		Refresher: refresher,
		Store:     store,
		Logger:    c.logger,
		OnChange: func(state auth.State) {
			b.Broadcast(context.Background(), bus.EventAuthChanged, map[string]string{"state": state.String()})
		},
	})
	if _, err := session.Restore(ctx); err != nil {
		c.logger.Warn("could not restore saved credential", "err", err)
	}
	if session.Token() == nil && (cfg.AccessToken != "" || cfg.RefreshToken != "") {
		session.SetToken(&oauth2.Token{AccessToken: cfg.AccessToken, RefreshToken: cfg.RefreshToken})
	}
	return session, nil
}

func (c *commandContext) openSyncer(ctx context.Context, bank *wordbank.Bank) (*cloudsync.Syncer, error) {
	if !c.remoteConfigured() {
		return nil, errNoRemoteUser
	}
	session, err := c.openSession(ctx)
	if err != nil {
		return nil, err
	}
	b, err := c.openBus(ctx)
	if err != nil {
		return nil, err
	}
	cfg := c.config
	client := remote.NewHTTPClient(cfg.Remote.BaseURL, session, &http.Client{Timeout: cfg.Remote.Timeout.Duration})
	executor := retry.NewExecutor(session, retry.ExecutorOptions{
		Policy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.Duration,
			MaxDelay:    cfg.Retry.MaxDelay.Duration,
		},
		Logger: c.logger,
	})
	return cloudsync.New(cloudsync.Options{
		Documents:  client,
		Executor:   executor,
		Bank:       bank,
		Bus:        b,
		User:       cfg.Remote.User,
		Collection: cfg.Remote.Collection,
		Logger:     c.logger,
	})
}

func (c *commandContext) close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	c.store = nil
	c.bus = nil
	return errors.Join(errs...)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
