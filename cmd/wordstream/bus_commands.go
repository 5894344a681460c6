package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shavsss/wordstream/internal/bus"
	"github.com/shavsss/wordstream/internal/cloudsync"
	"github.com/shavsss/wordstream/internal/vocab"
)

var knownEvents = []bus.EventType{bus.EventAuthChanged, bus.EventVocabularyChanged, bus.EventSyncCompleted}

func newSnapshotCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot [TYPE...]",
		Short: "Print the latest persisted bus event of each type",
		RunE: func(cmd *cobra.Command, args []string) error {
			types := knownEvents
			if len(args) > 0 {
				types = make([]bus.EventType, 0, len(args))
				for _, arg := range args {
					types = append(types, bus.EventType(strings.TrimSpace(arg)))
				}
			}
			b, err := ctx.openBus(cmd.Context())
			if err != nil {
				return err
			}
			snapshots := map[bus.EventType]bus.Event{}
			for _, eventType := range types {
				event, found, err := b.ReadSnapshot(cmd.Context(), eventType)
				if err != nil {
					return fmt.Errorf("read %s snapshot: %w", eventType, err)
				}
				if found {
					snapshots[eventType] = event
				}
			}
			return writeJSON(cmd.OutOrStdout(), snapshots)
		},
	}
}

func newFollowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "follow",
		Short: "Print the collection size each time another context changes it",
		RunE: func(cmd *cobra.Command, args []string) error {
			bank, err := ctx.openBank(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d words\n", len(bank.Entries()))

			rootCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return bank.Follow(rootCtx, func(entries []vocab.Entry) {
				latest := "-"
				if entry, ok := newestEntry(entries); ok {
					latest = entry.Word
				}
				fmt.Fprintf(out, "%d words (latest: %s)\n", len(entries), latest)
			})
		},
	}
}

func newestEntry(entries []vocab.Entry) (vocab.Entry, bool) {
	if len(entries) == 0 {
		return vocab.Entry{}, false
	}
	newest := entries[0]
	for _, entry := range entries[1:] {
		if entry.Timestamp > newest.Timestamp {
			newest = entry
		}
	}
	return newest, true
}

func newHubCommand(ctx *commandContext) *cobra.Command {
	var addr string
	var withSync bool

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the change bus relay other contexts connect to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			if addr == "" {
				addr = cfg.Bus.HubAddr
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			origin := cfg.Bus.Origin
			if origin == "" {
				origin = "hub"
			}
			relay := bus.NewWebsocketHub(origin, ctx.logger)
			ctx.bus = bus.New(bus.Options{Origin: origin, Transport: relay, Store: store, Logger: ctx.logger})

			var syncer *cloudsync.Syncer
			if withSync {
				bank, err := ctx.openBank(cmd.Context())
				if err != nil {
					return err
				}
				if syncer, err = ctx.openSyncer(cmd.Context(), bank); err != nil {
					return err
				}
			}

			mux := http.NewServeMux()
			mux.Handle("/bus", relay)
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				_ = writeJSON(w, map[string]any{"status": "ok", "clients": relay.Clients()})
			})
			server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			rootCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			group, groupCtx := errgroup.WithContext(rootCtx)
			group.Go(func() error {
				ctx.logger.Info("bus hub listening", "addr", addr, "origin", origin)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			group.Go(func() error {
				<-groupCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			group.Go(func() error {
				return ctx.bus.Listen(groupCtx, func(event bus.Event) {
					ctx.logger.Info("bus event", "type", event.Type, "origin", event.Origin, "id", event.ID)
				})
			})
			if syncer != nil {
				group.Go(func() error {
					runSyncLoop(groupCtx, syncer, cfg.Sync, ctx.logger, nil)
					return nil
				})
			}
			return group.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides bus.hub_addr)")
	cmd.Flags().BoolVar(&withSync, "sync", false, "Also reconcile with the remote store on sync.interval")
	return cmd
}
