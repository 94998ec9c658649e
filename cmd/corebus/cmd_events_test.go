package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"corebus/pkg/eventlog"
	"corebus/pkg/protocol"
)

func seedEventLog(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()
	store, err := eventlog.Open(ctx, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	now := time.Now()
	events := []protocol.Event{
		{ID: "e1", Kind: protocol.EventWorkerAttached, WorkerID: "w1", At: now.Add(-time.Hour)},
		{ID: "e2", Kind: protocol.EventTaskAssigned, TaskID: "t1", TaskName: "tag", WorkerID: "w1", At: now.Add(-3 * time.Second)},
		{ID: "e3", Kind: protocol.EventTaskRetry, TaskID: "t1", TaskName: "tag", WorkerID: "w1", At: now.Add(-2 * time.Second)},
		{ID: "e4", Kind: protocol.EventTaskDone, TaskID: "t1", TaskName: "tag", WorkerID: "w2", At: now.Add(-time.Second)},
	}
	for _, ev := range events {
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("append %s: %v", ev.ID, err)
		}
	}
	return path
}

func decodeLines(t *testing.T, out string) []eventlog.Entry {
	t.Helper()
	var entries []eventlog.Entry
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var e eventlog.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestPrintEvents(t *testing.T) {
	t.Parallel()
	path := seedEventLog(t)

	tests := []struct {
		name string
		cfg  eventsConfig
		want []string
	}{
		{"all oldest first", eventsConfig{limit: 20}, []string{"e1", "e2", "e3", "e4"}},
		{"limit keeps newest", eventsConfig{limit: 2}, []string{"e3", "e4"}},
		{"by task", eventsConfig{taskID: "t1", limit: 20}, []string{"e2", "e3", "e4"}},
		{"by worker and kind", eventsConfig{workerID: "w1", kind: protocol.EventTaskRetry, limit: 20}, []string{"e3"}},
		{"since", eventsConfig{since: time.Minute, limit: 20}, []string{"e2", "e3", "e4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.cfg.dbPath = path

			var buf bytes.Buffer
			if err := printEvents(context.Background(), &buf, tt.cfg, time.Now()); err != nil {
				t.Fatalf("printEvents: %v", err)
			}
			entries := decodeLines(t, buf.String())
			var got []string
			for _, e := range entries {
				got = append(got, e.ID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrintEvents_MissingDB(t *testing.T) {
	t.Parallel()

	cfg := eventsConfig{dbPath: filepath.Join(t.TempDir(), "none.db"), limit: 5}
	if err := printEvents(context.Background(), &bytes.Buffer{}, cfg, time.Now()); err == nil {
		t.Fatal("expected error for missing database")
	}
}
