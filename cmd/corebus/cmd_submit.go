package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"corebus/pkg/protocol"

	"github.com/spf13/cobra"
)

// submitConfig holds flags for the submit command.
type submitConfig struct {
	attrs   []string
	payload string
	maxWait time.Duration
}

// newSubmitCmd creates the "corebus submit" subcommand.
func newSubmitCmd(conn *connFlags) *cobra.Command {
	var cfg submitConfig

	cmd := &cobra.Command{
		Use:   "submit <task-name>",
		Short: "Submit a task and wait for its outcome",
		Long: `Submits a task and blocks until a worker acknowledges it, it fails
terminally or --max-wait elapses. The result data is printed on success.

The payload is inline JSON or @path to read it from a file:
  corebus submit validate_config --attr config_id=A --payload @edge.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs, err := parseAttrs(cfg.attrs)
			if err != nil {
				return err
			}
			payload, err := readPayload(cfg.payload)
			if err != nil {
				return err
			}
			c, err := conn.client()
			if err != nil {
				return err
			}

			out, err := c.Submit(cmd.Context(), args[0], attrs, payload, cfg.maxWait)
			if err != nil {
				return describeSubmitError(err)
			}

			w := cmd.OutOrStdout()
			if !isTerminal(w) {
				return writeJSONLine(w, out)
			}
			fmt.Fprintf(w, "task %s done by %s\n", out.TaskID, out.WorkerID)
			if len(out.Data) > 0 {
				var pretty any
				if json.Unmarshal(out.Data, &pretty) == nil {
					data, _ := json.MarshalIndent(pretty, "", "  ")
					fmt.Fprintf(w, "%s\n", data)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&cfg.attrs, "attr", nil, "routing attribute key=value (repeatable)")
	cmd.Flags().StringVar(&cfg.payload, "payload", "", "task payload as JSON, or @file")
	cmd.Flags().DurationVar(&cfg.maxWait, "max-wait", 0, "total time to wait including retries (default from server config)")

	return cmd
}

// describeSubmitError adds a hint for the terminal failure kinds.
func describeSubmitError(err error) error {
	var (
		noWorker  *protocol.NoWorkerAvailableError
		exhausted *protocol.TaskExhaustedError
	)
	switch {
	case errors.As(err, &noWorker):
		return fmt.Errorf("%w (is a worker attached for %q?)", err, noWorker.TaskName)
	case errors.As(err, &exhausted):
		return fmt.Errorf("%w (see `corebus events --task %s`)", err, exhausted.TaskID)
	default:
		return err
	}
}
