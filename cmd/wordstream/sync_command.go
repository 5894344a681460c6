package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/shavsss/wordstream/internal/cloudsync"
	"github.com/shavsss/wordstream/internal/config"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	var watch bool
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local vocabulary with the remote store",
		RunE: func(cmd *cobra.Command, args []string) error {
			bank, err := ctx.openBank(cmd.Context())
			if err != nil {
				return err
			}
			syncer, err := ctx.openSyncer(cmd.Context(), bank)
			if err != nil {
				return err
			}
			settings := ctx.config.Sync
			if interval > 0 {
				settings.Interval = config.Duration{Duration: interval}
			}

			out := cmd.OutOrStdout()
			if !watch {
				result, err := reconcileOnce(cmd.Context(), syncer, settings.Timeout.Duration)
				if err != nil {
					return err
				}
				printSyncResult(out, result)
				return nil
			}

			rootCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			runSyncLoop(rootCtx, syncer, settings, ctx.logger, func(result cloudsync.Result) {
				printSyncResult(out, result)
			})
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep reconciling on an interval until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Interval between passes with --watch (overrides sync.interval)")
	return cmd
}

func reconcileOnce(ctx context.Context, syncer *cloudsync.Syncer, timeout time.Duration) (cloudsync.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return syncer.Reconcile(ctx)
}

// runSyncLoop reconciles immediately and then on a jittered interval until ctx
// is done.
func runSyncLoop(ctx context.Context, syncer *cloudsync.Syncer, settings config.Sync, logger *log.Logger, report func(cloudsync.Result)) {
	run := func() {
		result, err := reconcileOnce(ctx, syncer, settings.Timeout.Duration)
		if err != nil {
			logger.Error("sync pass failed", "err", err)
			return
		}
		if result.Stale {
			logger.Warn("remote unreachable, serving local vocabulary", "words", result.TotalWords)
		} else {
			logger.Debug("sync pass completed", "pulled", result.Pulled, "pushed", result.Pushed)
		}
		if report != nil {
			report(result)
		}
	}

	run()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(settings.Interval.Duration, settings.IntervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("sync stopping", "reason", ctx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(settings.Interval.Duration, settings.IntervalJitter, rng.Float64()))
		}
	}
}

func printSyncResult(w io.Writer, result cloudsync.Result) {
	state := "in sync"
	if result.Stale {
		state = "stale"
	}
	fmt.Fprintf(w, "%s: pulled %d, pushed %d, %d failed, %d words\n",
		state, result.Pulled, result.Pushed, result.PushFailed, result.TotalWords)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by up to ±jitterRatio using a
// sample in [0, 1]. The result is never below one millisecond.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
