package main

import (
	"strconv"
	"time"

	"corebus/pkg/protocol"

	"github.com/charmbracelet/bubbles/table"
)

// taskColumns sizes the in-flight columns to width. The name column takes
// whatever the fixed columns leave.
func taskColumns(width int) []table.Column {
	const (
		idWidth       = 10
		workerWidth   = 16
		retryWidth    = 5
		deadlineWidth = 10
	)
	nameWidth := max(width-idWidth-workerWidth-retryWidth-deadlineWidth-10, 10)
	return []table.Column{
		{Title: "Task", Width: idWidth},
		{Title: "Name", Width: nameWidth},
		{Title: "Worker", Width: workerWidth},
		{Title: "Retry", Width: retryWidth},
		{Title: "Deadline", Width: deadlineWidth},
	}
}

// taskRows converts the snapshot to table rows.
func taskRows(tasks []protocol.InFlightInfo, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, table.Row{
			shortID(t.Task.ID),
			t.Task.Name,
			t.WorkerID,
			strconv.Itoa(t.RetryCount),
			formatDeadline(t.Deadline.Sub(now)),
		})
	}
	return rows
}

func formatDeadline(d time.Duration) string {
	if d <= 0 {
		return "overdue"
	}
	return d.Round(100 * time.Millisecond).String()
}

// shortID keeps the first uuid group.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
