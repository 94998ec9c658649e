package main

import (
	"context"
	"time"

	"corebus/pkg/client"
	"corebus/pkg/protocol"

	tea "github.com/charmbracelet/bubbletea"
)

// tickMsg triggers a periodic task refresh.
type tickMsg time.Time

// tasksMsg carries the in-flight snapshot. nil means the server is offline.
type tasksMsg []protocol.InFlightInfo

// subscribedMsg carries a freshly opened event stream.
type subscribedMsg struct{ sub *client.Subscription }

// eventMsg is one event from the stream.
type eventMsg protocol.Event

// streamEndedMsg reports that the event stream closed.
type streamEndedMsg struct{ err error }

// resubscribeMsg asks for a new event stream after a backoff.
type resubscribeMsg struct{}

const resubscribeDelay = 2 * time.Second

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchTasksCmd polls the server's in-flight snapshot.
func fetchTasksCmd(ctx context.Context, c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		tasks, err := c.ListTasks(ctx)
		if err != nil {
			return tasksMsg(nil)
		}
		if tasks == nil {
			tasks = []protocol.InFlightInfo{}
		}
		return tasksMsg(tasks)
	}
}

// subscribeCmd opens an event stream for every kind.
func subscribeCmd(ctx context.Context, c *client.Client) tea.Cmd {
	return func() tea.Msg {
		sub, err := c.Subscribe(ctx, "", []string{protocol.EventAny})
		if err != nil {
			return streamEndedMsg{err: err}
		}
		return subscribedMsg{sub: sub}
	}
}

// nextEventCmd waits for the next event on sub.
func nextEventCmd(sub *client.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Events()
		if !ok {
			return streamEndedMsg{err: sub.Err()}
		}
		return eventMsg(ev)
	}
}

func resubscribeCmd() tea.Cmd {
	return tea.Tick(resubscribeDelay, func(time.Time) tea.Msg { return resubscribeMsg{} })
}
