package main

import (
	"fmt"

	"corebus/pkg/protocol"

	"github.com/spf13/cobra"
)

// newListenCmd creates the "corebus listen" subcommand.
func newListenCmd(conn *connFlags) *cobra.Command {
	var (
		id    string
		kinds []string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stream events from the bus",
		Long: `Subscribes to the event bus and prints events as they are published.
Events published before the subscription are not replayed; use "corebus events"
for history. Output is one JSON object per line when stdout is not a terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := conn.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sub, err := c.Subscribe(ctx, id, kinds)
			if err != nil {
				return err
			}
			defer sub.Close()

			w := cmd.OutOrStdout()
			human := isTerminal(w)
			if human {
				fmt.Fprintf(cmd.ErrOrStderr(), "listening as %s\n", sub.ID())
			}
			for ev := range sub.Events() {
				if human {
					fmt.Fprintln(w, formatEvent(ev))
					continue
				}
				if err := writeJSONLine(w, ev); err != nil {
					return err
				}
			}
			if ctx.Err() != nil {
				return nil
			}
			if err := sub.Err(); err != nil {
				return fmt.Errorf("event stream: %w", err)
			}
			return fmt.Errorf("event stream: server closed the connection")
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "subscriber id (default: assigned by the server)")
	cmd.Flags().StringSliceVar(&kinds, "kind", []string{protocol.EventAny}, "event kinds to receive")

	return cmd
}
