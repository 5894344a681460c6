package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shavsss/wordstream/internal/cloudsync"
	"github.com/shavsss/wordstream/internal/layout"
	"github.com/shavsss/wordstream/internal/vocab"
)

func newCaptureCommand(ctx *commandContext) *cobra.Command {
	var entry vocab.Entry
	var localOnly bool

	cmd := &cobra.Command{
		Use:   "capture WORD TRANSLATION",
		Short: "Record a word and its translation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry.Word = args[0]
			entry.Translation = args[1]
			bank, err := ctx.openBank(cmd.Context())
			if err != nil {
				return err
			}

			stored := entry
			if ctx.remoteConfigured() && !localOnly {
				syncer, err := ctx.openSyncer(cmd.Context(), bank)
				if err != nil {
					return err
				}
				stored, err = syncer.Capture(cmd.Context(), entry)
				if err != nil && !errors.Is(err, cloudsync.ErrRemotePending) {
					return err
				}
				if err != nil {
					ctx.logger.Warn("captured locally only", "err", err)
				}
			} else {
				stored, err = bank.Capture(cmd.Context(), entry)
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Captured %s (%d words)\n", stored.Key(), bank.Stats().TotalWords)
			return nil
		},
	}

	cmd.Flags().StringVarP(&entry.SourceLanguage, "from", "f", "", "Source language code")
	cmd.Flags().StringVarP(&entry.TargetLanguage, "to", "t", "", "Target language code")
	cmd.Flags().StringVar(&entry.Context, "context", "", "Sentence or caption the word appeared in")
	cmd.Flags().BoolVar(&localOnly, "local", false, "Do not save to the remote store")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	var from, to string
	var localOnly bool

	cmd := &cobra.Command{
		Use:   "delete KEY|WORD...",
		Short: "Delete entries by key, or by word with --from and --to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([]string, 0, len(args))
			for _, arg := range args {
				if from != "" || to != "" {
					keys = append(keys, vocab.MakeKey(arg, from, to))
				} else {
					keys = append(keys, arg)
				}
			}
			bank, err := ctx.openBank(cmd.Context())
			if err != nil {
				return err
			}

			var removed int
			if ctx.remoteConfigured() && !localOnly {
				syncer, err := ctx.openSyncer(cmd.Context(), bank)
				if err != nil {
					return err
				}
				removed, err = syncer.Delete(cmd.Context(), keys...)
				if err != nil && !errors.Is(err, cloudsync.ErrRemotePending) {
					return err
				}
				if err != nil {
					ctx.logger.Warn("deleted locally only", "err", err)
				}
			} else {
				removed, err = bank.Delete(cmd.Context(), keys...)
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d of %d entries\n", removed, len(keys))
			return nil
		},
	}

	cmd.Flags().StringVarP(&from, "from", "f", "", "Source language, to delete by word")
	cmd.Flags().StringVarP(&to, "to", "t", "", "Target language, to delete by word")
	cmd.Flags().BoolVar(&localOnly, "local", false, "Do not delete from the remote store")
	return cmd
}

type listOptions struct {
	language  string
	date      string
	since     string
	weekStart string
	grouped   bool
	jsonOut   bool
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var opts listOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List captured words",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.dateFilter(time.Now())
			if err != nil {
				return err
			}
			bank, err := ctx.openBank(cmd.Context())
			if err != nil {
				return err
			}
			entries := filter.Apply(vocab.FilterByLanguage(bank.Entries(), opts.language))
			groups := vocab.GroupByLanguage(entries, opts.grouped)

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				if opts.grouped {
					return writeJSON(out, groups)
				}
				return writeJSON(out, groups[vocab.AllGroup])
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No words match")
				return nil
			}
			for _, name := range vocab.GroupNames(groups) {
				if opts.grouped {
					fmt.Fprintf(out, "%s (%d)\n", name, len(groups[name]))
				}
				fmt.Fprintln(out, renderEntries(groups[name]))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.language, "lang", "l", "", "Only words in this source language")
	cmd.Flags().StringVarP(&opts.date, "date", "d", "all", "Date filter: all, today, week, month or custom")
	cmd.Flags().StringVar(&opts.since, "since", "", "Lower bound for --date custom (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&opts.weekStart, "week-start", "sunday", "First day of the week for --date week")
	cmd.Flags().BoolVarP(&opts.grouped, "group", "g", false, "Group words by source language")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print JSON")
	return cmd
}

func (o listOptions) dateFilter(now time.Time) (vocab.DateFilter, error) {
	mode, err := vocab.ParseDateMode(o.date)
	if err != nil {
		return vocab.DateFilter{}, err
	}
	filter := vocab.DateFilter{Mode: mode, Reference: now}
	switch strings.ToLower(strings.TrimSpace(o.weekStart)) {
	case "", "sunday", "sun":
		filter.WeekStart = time.Sunday
	case "monday", "mon":
		filter.WeekStart = time.Monday
	case "saturday", "sat":
		filter.WeekStart = time.Saturday
	default:
		return vocab.DateFilter{}, fmt.Errorf("unsupported --week-start %q", o.weekStart)
	}
	if mode == vocab.DateCustom {
		since, err := parseSince(o.since, now.Location())
		if err != nil {
			return vocab.DateFilter{}, err
		}
		filter.Custom = since
	}
	return filter, nil
}

func parseSince(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("--since is required with --date custom")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid --since %q: use YYYY-MM-DD or RFC3339", raw)
}

func renderEntries(entries []vocab.Entry) string {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []string{
			entry.Word,
			entry.Translation,
			entry.SourceLanguage + "→" + entry.TargetLanguage,
			formatMillis(entry.Timestamp),
			truncate(entry.Context, 40),
		})
	}
	return renderTable([]string{"Word", "Translation", "Languages", "Captured", "Context"}, rows, nil)
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show vocabulary statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			bank, err := ctx.openBank(cmd.Context())
			if err != nil {
				return err
			}
			stats := bank.Stats()
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, stats)
			}
			rows := [][]string{
				{"Total words", strconv.Itoa(stats.TotalWords)},
				{"Captured today", strconv.Itoa(stats.TodayWords)},
				{"Streak (days)", strconv.Itoa(stats.Streak)},
				{"Last active", formatMillis(stats.LastActive)},
			}
			for _, lang := range vocab.Languages(bank.Entries()) {
				count := len(vocab.FilterByLanguage(bank.Entries(), lang))
				rows = append(rows, []string{"Words in " + lang, strconv.Itoa(count)})
			}
			fmt.Fprintln(out, renderTable([]string{"Stat", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	return cmd
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Rewrite a legacy single-key store in the grouped layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			bank, err := ctx.openBank(cmd.Context())
			if err != nil {
				return err
			}
			before, err := bank.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch before {
			case layout.LayoutLegacy:
				fmt.Fprintf(out, "Migrated %d words from the legacy layout\n", len(bank.Entries()))
			case layout.LayoutGrouped:
				fmt.Fprintln(out, "Store already uses the grouped layout")
			default:
				fmt.Fprintln(out, "Store is empty; nothing to migrate")
			}
			return nil
		},
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

func truncate(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max-1]) + "…"
}
