// Package integration runs a real server, workers and clients against each
// other over a Unix domain socket, without mocking the transport.
package integration_test

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"corebus/pkg/client"
	"corebus/pkg/dispatcher"
	"corebus/pkg/eventbus"
	"corebus/pkg/eventlog"
	"corebus/pkg/protocol"
	"corebus/pkg/server"
	"corebus/pkg/worker"
)

// stack is one running core: dispatcher, bus, recorder and socket server.
type stack struct {
	d      *dispatcher.Dispatcher
	bus    *eventbus.Bus
	store  *eventlog.Store
	sock   string
	client *client.Client

	cancelServer context.CancelFunc
	serverDone   chan error
}

func startStack(t *testing.T, cfg dispatcher.Config) *stack {
	t.Helper()

	dir := t.TempDir()
	s := &stack{
		bus:  eventbus.New(256),
		sock: filepath.Join(dir, "corebus.sock"),
	}
	s.d = dispatcher.New(cfg, s.bus)
	s.client = client.New("unix", s.sock)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := eventlog.Open(ctx, filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	s.store = store

	recording := make(chan struct{})
	go func() {
		defer close(recording)
		_ = store.Record(ctx, s.bus, func(err error) { t.Errorf("record: %v", err) })
	}()
	t.Cleanup(func() {
		cancel()
		<-recording
	})
	waitFor(t, func() bool { return s.bus.Active(eventlog.RecorderID) })

	go func() { _ = s.d.Run(ctx) }()
	s.startServer(t)
	return s
}

// startServer (re)starts the socket server on the stack's socket path.
func (s *stack) startServer(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	srv := server.New(server.Config{
		Network: "unix",
		Addr:    s.sock,
		Logger:  log.New(io.Discard, "", 0),
	}, s.d, s.bus)
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	s.cancelServer = cancel
	s.serverDone = done
	t.Cleanup(s.stopServer)

	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("ListenAndServe: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
}

func (s *stack) stopServer() {
	if s.cancelServer == nil {
		return
	}
	s.cancelServer()
	s.cancelServer = nil
	select {
	case <-s.serverDone:
	case <-time.After(2 * time.Second):
	}
}

// runWorker starts w.Run in the background and waits for it to attach.
func (s *stack) runWorker(t *testing.T, w *worker.Worker) {
	t.Helper()

	w.SetLogger(log.New(io.Discard, "", 0))
	w.SetReconnectInterval(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("worker %s: %v", w.ID, err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("worker %s did not stop", w.ID)
		}
	})
	waitFor(t, func() bool { return s.attached(w.ID) })
}

func (s *stack) attached(workerID string) bool {
	for _, info := range s.d.Workers() {
		if info.WorkerID == workerID {
			return true
		}
	}
	return false
}

// recorded returns the kinds the event log holds for taskID, oldest first.
func (s *stack) recorded(t *testing.T, taskID string) []string {
	t.Helper()
	entries, err := s.store.Reader().Query(context.Background(), eventlog.QueryOpts{TaskID: taskID})
	if err != nil {
		t.Fatalf("query event log: %v", err)
	}
	kinds := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		kinds = append(kinds, entries[i].Kind)
	}
	return kinds
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func validateWorker(s *stack, id string, configIDs ...string) *worker.Worker {
	w := worker.New(id, "unix", s.sock)
	desc := protocol.TaskDescription{Name: protocol.TaskValidateConfig}
	if len(configIDs) > 0 {
		desc.Filter = map[string][]string{"config_id": configIDs}
	}
	w.Handle(desc, worker.HandlerFunc(worker.ValidateConfig))
	return w
}
