package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"corebus/pkg/config"
	"corebus/pkg/eventlog"

	"github.com/spf13/cobra"
)

// eventsConfig holds flags for the events command.
type eventsConfig struct {
	dbPath   string
	taskID   string
	workerID string
	kind     string
	since    time.Duration
	limit    int
}

// newEventsCmd creates the "corebus events" subcommand.
func newEventsCmd() *cobra.Command {
	var cfg eventsConfig

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the recorded event log",
		Long: `Reads events recorded by "corebus serve" from the SQLite event log.
The most recent --limit matches are printed oldest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.dbPath == "" {
				paths, err := config.ResolvePaths()
				if err != nil {
					return fmt.Errorf("resolve paths: %w", err)
				}
				loaded, err := config.Load(paths)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg.dbPath = loaded.EventLog.Path
			}
			return printEvents(cmd.Context(), cmd.OutOrStdout(), cfg, time.Now())
		},
	}

	cmd.Flags().StringVar(&cfg.dbPath, "db", "", "event log database (default from config)")
	cmd.Flags().StringVar(&cfg.taskID, "task", "", "only events for this task id")
	cmd.Flags().StringVar(&cfg.workerID, "worker", "", "only events for this worker id")
	cmd.Flags().StringVar(&cfg.kind, "kind", "", "only events of this kind")
	cmd.Flags().DurationVar(&cfg.since, "since", 0, "only events newer than this, e.g. 10m")
	cmd.Flags().IntVar(&cfg.limit, "limit", 20, "maximum number of events")

	return cmd
}

func printEvents(ctx context.Context, w io.Writer, cfg eventsConfig, now time.Time) error {
	reader, err := eventlog.NewReader(cfg.dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	opts := eventlog.QueryOpts{
		TaskID:   cfg.taskID,
		WorkerID: cfg.workerID,
		Kind:     cfg.kind,
		Limit:    cfg.limit,
	}
	if cfg.since > 0 {
		after := now.Add(-cfg.since)
		opts.After = &after
	}
	entries, err := reader.Query(ctx, opts)
	if err != nil {
		return err
	}
	slices.Reverse(entries)

	human := isTerminal(w)
	if human && len(entries) == 0 {
		fmt.Fprintln(w, "no events")
		return nil
	}
	for _, e := range entries {
		if !human {
			if err := writeJSONLine(w, e); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(w, "%6d  %s  %s\n", e.Seq, e.At.Local().Format(time.DateOnly), formatEvent(e.Event))
	}
	return nil
}
