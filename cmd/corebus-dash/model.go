package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"corebus/pkg/client"
	"corebus/pkg/protocol"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// maxEvents bounds the event pane history.
const maxEvents = 500

type pane int

const (
	tasksPane pane = iota
	eventsPane
)

// Model is the Bubble Tea model for the corebus dashboard.
type Model struct {
	ctx      context.Context
	client   *client.Client
	interval time.Duration

	online bool
	tasks  []protocol.InFlightInfo
	events []protocol.Event
	sub    *client.Subscription
	paused bool
	now    func() time.Time

	focus  pane
	width  int
	height int

	table  table.Model
	log    viewport.Model
	help   help.Model
	keys   keyMap
	styles Styles
}

// newModel creates a dashboard bound to c.
func newModel(ctx context.Context, c *client.Client, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := table.New(
		table.WithColumns(taskColumns(80)),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	return Model{
		ctx:      ctx,
		client:   c,
		interval: interval,
		now:      time.Now,
		table:    t,
		log:      viewport.New(80, 10),
		help:     help.New(),
		keys:     defaultKeyMap(),
		styles:   NewStyles(DefaultTheme()),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchTasksCmd(m.ctx, m.client), subscribeCmd(m.ctx, m.client), tickCmd(m.interval))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()

	case tickMsg:
		return m, tea.Batch(fetchTasksCmd(m.ctx, m.client), tickCmd(m.interval))

	case tasksMsg:
		m.online = msg != nil
		m.tasks = []protocol.InFlightInfo(msg)
		m.table.SetRows(taskRows(m.tasks, m.now()))

	case subscribedMsg:
		m.sub = msg.sub
		return m, nextEventCmd(msg.sub)

	case eventMsg:
		if !m.paused {
			m.appendEvent(protocol.Event(msg))
		}
		if m.sub == nil {
			return m, nil
		}
		return m, nextEventCmd(m.sub)

	case streamEndedMsg:
		m.sub = nil
		if m.ctx.Err() != nil {
			return m, nil
		}
		return m, resubscribeCmd()

	case resubscribeMsg:
		return m, subscribeCmd(m.ctx, m.client)
	}

	return m, nil
}

// handleKeyPress processes keyboard input and returns updated model with optional command.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.sub != nil {
			m.sub.Close()
		}
		return m, tea.Quit
	case key.Matches(msg, m.keys.Focus):
		if m.focus == tasksPane {
			m.focus = eventsPane
			m.table.Blur()
		} else {
			m.focus = tasksPane
			m.table.Focus()
		}
		return m, nil
	case key.Matches(msg, m.keys.Pause):
		m.paused = !m.paused
		return m, nil
	case key.Matches(msg, m.keys.Clear):
		m.events = nil
		m.log.SetContent("")
		return m, nil
	case key.Matches(msg, m.keys.Refresh):
		return m, fetchTasksCmd(m.ctx, m.client)
	}

	var cmd tea.Cmd
	if m.focus == tasksPane {
		m.table, cmd = m.table.Update(msg)
	} else {
		m.log, cmd = m.log.Update(msg)
	}
	return m, cmd
}

// appendEvent adds ev to the bounded history and keeps the pane scrolled to
// the bottom unless the user scrolled up.
func (m *Model) appendEvent(ev protocol.Event) {
	follow := m.log.AtBottom()
	m.events = append(m.events, ev)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	m.log.SetContent(m.renderEvents())
	if follow {
		m.log.GotoBottom()
	}
}

// resize splits the window between the two panes.
func (m *Model) resize() {
	inner := max(m.width-2, 20)
	avail := max(m.height-6, 6) // status bar, help and borders
	tableHeight := max(avail*2/5, 3)

	m.table.SetColumns(taskColumns(inner))
	m.table.SetWidth(inner)
	m.table.SetHeight(tableHeight)

	m.log.Width = inner
	m.log.Height = max(avail-tableHeight-2, 3)
	m.log.SetContent(m.renderEvents())
}

// View implements tea.Model.
func (m Model) View() string {
	tasksStyle, eventsStyle := m.styles.Pane, m.styles.Pane
	if m.focus == tasksPane {
		tasksStyle = m.styles.Focused
	} else {
		eventsStyle = m.styles.Focused
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderStatusBar(),
		tasksStyle.Render(m.table.View()),
		eventsStyle.Render(m.log.View()),
		m.help.View(m.keys),
	)
}

// renderStatusBar renders server health and aggregate counts.
func (m Model) renderStatusBar() string {
	server := m.styles.Offline.Render("server: offline")
	if m.online {
		server = m.styles.Online.Render("server: online")
	}
	stream := m.styles.Muted.Render("events: reconnecting")
	switch {
	case m.sub != nil && m.paused:
		stream = m.styles.Muted.Render("events: paused")
	case m.sub != nil:
		stream = m.styles.Online.Render("events: live")
	}
	return lipgloss.JoinHorizontal(lipgloss.Left,
		m.styles.Title.Render("corebus"),
		"  ", server,
		" | ", stream,
		fmt.Sprintf(" | In flight: %d | Events: %d", len(m.tasks), len(m.events)),
	)
}

// renderEvents renders the event history, oldest first.
func (m Model) renderEvents() string {
	if len(m.events) == 0 {
		return m.styles.Muted.Render("No events yet")
	}
	clip := lipgloss.NewStyle().MaxWidth(max(m.log.Width, 40))
	lines := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		lines = append(lines, clip.Render(m.formatEvent(ev)))
	}
	return strings.Join(lines, "\n")
}

func (m Model) formatEvent(ev protocol.Event) string {
	style := m.styles.KindDefault
	switch ev.Kind {
	case protocol.EventTaskDone:
		style = m.styles.KindDone
	case protocol.EventTaskError, protocol.EventTaskExhausted, protocol.EventTaskExpired:
		style = m.styles.KindFailed
	case protocol.EventTaskRetry, protocol.EventTaskStaleAck, protocol.EventTaskResultConflict:
		style = m.styles.KindRetry
	}
	line := fmt.Sprintf("%s %s", ev.At.Local().Format("15:04:05"), style.Render(fmt.Sprintf("%-16s", ev.Kind)))
	if ev.TaskName != "" {
		line += " " + ev.TaskName
	}
	if ev.TaskID != "" {
		line += " " + shortID(ev.TaskID)
	}
	if ev.WorkerID != "" {
		line += " @" + ev.WorkerID
	}
	return line
}
