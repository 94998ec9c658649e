package main

import (
	"fmt"

	"corebus/pkg/protocol"

	"github.com/spf13/cobra"
)

// newPublishCmd creates the "corebus publish" subcommand.
func newPublishCmd(conn *connFlags) *cobra.Command {
	var (
		ev   protocol.Event
		data string
	)

	cmd := &cobra.Command{
		Use:   "publish <kind>",
		Short: "Publish an event onto the bus",
		Long: `Publishes a custom event to every listener subscribed to its kind.
Task and worker lifecycle kinds are reserved for the server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev.Kind = args[0]
			if protocol.ReservedKind(ev.Kind) {
				return fmt.Errorf("event kind %q is reserved", ev.Kind)
			}
			payload, err := readPayload(data)
			if err != nil {
				return err
			}
			ev.Data = payload

			c, err := conn.client()
			if err != nil {
				return err
			}
			return c.Publish(cmd.Context(), ev)
		},
	}

	cmd.Flags().StringVar(&ev.TaskID, "task-id", "", "related task id")
	cmd.Flags().StringVar(&ev.TaskName, "task-name", "", "related task name")
	cmd.Flags().StringVar(&ev.WorkerID, "worker-id", "", "related worker id")
	cmd.Flags().StringVar(&data, "data", "", "event data as JSON, or @file")

	return cmd
}
