package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"corebus/pkg/protocol"
	"corebus/pkg/worker"

	"github.com/spf13/cobra"
)

// workerConfig holds flags for the worker command.
type workerConfig struct {
	id        string
	tasks     []string
	filters   []string
	heartbeat time.Duration
}

// newWorkerCmd creates the "corebus worker" subcommand.
// It runs the built-in handlers as a remote worker: validate_config parses
// YAML documents and every other task name echoes its payload.
func newWorkerCmd(conn *connFlags) *cobra.Command {
	var cfg workerConfig

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker that serves built-in task handlers",
		Long: `Attaches to the server and serves the named tasks until interrupted.
The connection is re-established with jittered backoff when it drops.

--filter restricts the accepted attribute values for every task name, e.g.
  corebus worker --id w-01 --task validate_config --filter config_id=A,C`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.id == "" {
				return fmt.Errorf("--id is required")
			}
			c, err := conn.client()
			if err != nil {
				return err
			}
			filter, err := parseFilter(cfg.filters)
			if err != nil {
				return err
			}

			w := worker.New(cfg.id, c.Network, c.Addr)
			w.SetToken(c.Token)
			w.SetLogger(log.New(cmd.ErrOrStderr(), "corebus worker: ", log.LstdFlags))
			if cfg.heartbeat > 0 {
				w.SetHeartbeatInterval(cfg.heartbeat)
			}
			for _, name := range cfg.tasks {
				w.Handle(protocol.TaskDescription{Name: name, Filter: filter}, builtinHandler(name))
			}
			return runWorker(cmd.Context(), w)
		},
	}

	cmd.Flags().StringVar(&cfg.id, "id", "", "worker ID, e.g. w-01 (required)")
	cmd.Flags().StringSliceVar(&cfg.tasks, "task", []string{protocol.TaskValidateConfig}, "task names to serve")
	cmd.Flags().StringArrayVar(&cfg.filters, "filter", nil, "attribute filter key=v1,v2 (repeatable)")
	cmd.Flags().DurationVar(&cfg.heartbeat, "heartbeat", worker.DefaultHeartbeatInterval, "heartbeat interval")

	return cmd
}

func builtinHandler(name string) worker.Handler {
	if name == protocol.TaskValidateConfig {
		return worker.HandlerFunc(worker.ValidateConfig)
	}
	return worker.HandlerFunc(worker.Echo)
}

// runWorker runs w until ctx is cancelled.
func runWorker(ctx context.Context, w *worker.Worker) error {
	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker %s: %w", w.ID, err)
	}
	return nil
}
