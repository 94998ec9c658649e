package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"corebus/pkg/protocol"

	"github.com/spf13/cobra"
)

// newTasksCmd creates the "corebus tasks" subcommand.
func newTasksCmd(conn *connFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List tasks currently assigned to workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := conn.client()
			if err != nil {
				return err
			}
			tasks, err := c.ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			if tasks == nil {
				tasks = []protocol.InFlightInfo{}
			}
			w := cmd.OutOrStdout()
			if !isTerminal(w) {
				return writeJSONLine(w, tasks)
			}
			printTasks(w, tasks, time.Now())
			return nil
		},
	}
}

// printTasks renders the in-flight snapshot as a fixed-width table.
func printTasks(w io.Writer, tasks []protocol.InFlightInfo, now time.Time) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks in flight")
		return
	}
	const (
		idWidth     = 36
		nameWidth   = 18
		workerWidth = 16
	)
	fmt.Fprintf(w, "%-*s  %-*s  %-*s  %5s  %s\n",
		idWidth, "TASK", nameWidth, "NAME", workerWidth, "WORKER", "RETRY", "DEADLINE")
	fmt.Fprintln(w, strings.Repeat("-", idWidth+nameWidth+workerWidth+26))
	for _, t := range tasks {
		remaining := t.Deadline.Sub(now).Round(100 * time.Millisecond)
		deadline := "in " + remaining.String()
		if remaining <= 0 {
			deadline = "overdue"
		}
		fmt.Fprintf(w, "%-*s  %-*s  %-*s  %5d  %s\n",
			idWidth, truncate(t.Task.ID, idWidth),
			nameWidth, truncate(t.Task.Name, nameWidth),
			workerWidth, truncate(t.WorkerID, workerWidth),
			t.RetryCount, deadline)
	}
}
