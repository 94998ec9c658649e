package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"corebus/pkg/client"
	"corebus/pkg/protocol"

	tea "github.com/charmbracelet/bubbletea"
)

func testModel(t *testing.T) Model {
	t.Helper()
	c := client.New("unix", filepath.Join(t.TempDir(), "none.sock"))
	m := newModel(context.Background(), c, time.Second)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return updated.(Model)
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	updated, cmd := m.Update(msg)
	return updated.(Model), cmd
}

func TestTasksMsg_OnlineAndRows(t *testing.T) {
	m := testModel(t)
	now := time.Now()
	m.now = func() time.Time { return now }

	m, _ = update(t, m, tasksMsg([]protocol.InFlightInfo{
		{Task: protocol.WorkerTask{ID: "1f6c2a90-aaaa", Name: "validate_config"}, WorkerID: "w1", RetryCount: 1, Deadline: now.Add(2 * time.Second)},
		{Task: protocol.WorkerTask{ID: "2", Name: "tag"}, WorkerID: "w2", Deadline: now.Add(-time.Second)},
	}))
	if !m.online {
		t.Fatal("expected online after a snapshot")
	}
	rows := m.table.Rows()
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0][0] != "1f6c2a90" || rows[0][3] != "1" || rows[0][4] != "2s" {
		t.Errorf("row 0 = %v", rows[0])
	}
	if rows[1][4] != "overdue" {
		t.Errorf("row 1 deadline = %s", rows[1][4])
	}
	if !strings.Contains(m.View(), "In flight: 2") {
		t.Errorf("status bar missing count:\n%s", m.View())
	}

	m, _ = update(t, m, tasksMsg(nil))
	if m.online {
		t.Error("nil snapshot should mark the server offline")
	}
	if !strings.Contains(m.renderStatusBar(), "offline") {
		t.Errorf("status bar = %s", m.renderStatusBar())
	}
}

func TestEventMsg_HistoryAndPause(t *testing.T) {
	m := testModel(t)

	m, cmd := update(t, m, eventMsg(protocol.Event{Kind: protocol.EventTaskDone, TaskID: "abc", At: time.Now()}))
	if cmd != nil {
		t.Error("no stream, expected no follow-up command")
	}
	if len(m.events) != 1 || !strings.Contains(m.renderEvents(), protocol.EventTaskDone) {
		t.Fatalf("events = %v", m.events)
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'p'}})
	m, _ = update(t, m, eventMsg(protocol.Event{Kind: protocol.EventTaskRetry}))
	if len(m.events) != 1 {
		t.Errorf("paused dashboard recorded %d events", len(m.events))
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'c'}})
	if len(m.events) != 0 {
		t.Error("clear kept events")
	}
}

func TestEventMsg_BoundedHistory(t *testing.T) {
	m := testModel(t)
	for i := range maxEvents + 10 {
		m, _ = update(t, m, eventMsg(protocol.Event{Kind: "custom", TaskID: fmt.Sprint(i)}))
	}
	if len(m.events) != maxEvents {
		t.Fatalf("events = %d, want %d", len(m.events), maxEvents)
	}
	if m.events[0].TaskID != "10" {
		t.Errorf("oldest kept = %s, want 10", m.events[0].TaskID)
	}
}

func TestStreamEnded_Resubscribes(t *testing.T) {
	m := testModel(t)
	_, cmd := update(t, m, streamEndedMsg{})
	if cmd == nil {
		t.Fatal("expected a resubscribe command")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.ctx = ctx
	if _, cmd := update(t, m, streamEndedMsg{}); cmd != nil {
		t.Error("cancelled dashboard should not resubscribe")
	}
}

func TestKeys_FocusAndQuit(t *testing.T) {
	m := testModel(t)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focus != eventsPane || m.table.Focused() {
		t.Error("tab should move focus to the event pane")
	}
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focus != tasksPane {
		t.Error("tab should move focus back to the task table")
	}

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestRobotMode_Offline(t *testing.T) {
	c := client.New("unix", filepath.Join(t.TempDir(), "none.sock"))
	data, err := robotMode(context.Background(), c)
	if err != nil {
		t.Fatalf("robotMode: %v", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Online || snap.Tasks == nil || len(snap.Tasks) != 0 {
		t.Errorf("snapshot = %+v (%s)", snap, data)
	}
}

func TestTaskColumns_FillWidth(t *testing.T) {
	cols := taskColumns(120)
	total := 0
	for _, c := range cols {
		total += c.Width
	}
	if total > 120 {
		t.Errorf("columns overflow: %d", total)
	}
	if narrow := taskColumns(10); narrow[1].Width != 10 {
		t.Errorf("name column floor = %d", narrow[1].Width)
	}
}
