package dispatcher //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"corebus/pkg/protocol"
)

// waitFor polls condition every tick until it returns true or timeout expires.
// This replaces time.Sleep in tests to provide proper synchronization.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond) // short poll inside helper is OK
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) Publish(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) has(kind string) bool {
	return slices.Contains(r.kinds(), kind)
}

// newTestDispatcher returns a Dispatcher with short timings and a recording
// publisher. The supervisor is not started.
func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *recorder) {
	t.Helper()
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = 2 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Millisecond
	}
	rec := &recorder{}
	return New(cfg, rec), rec
}

// startSupervisor runs d.Run until the test ends.
func startSupervisor(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// attach registers a worker for the duration of the test.
func attach(t *testing.T, d *Dispatcher, id string, descs ...protocol.TaskDescription) *Attachment {
	t.Helper()
	a, err := d.Attach(context.Background(), id, descs)
	if err != nil {
		t.Fatalf("Attach(%s): %v", id, err)
	}
	t.Cleanup(a.Close)
	return a
}

// receive waits for the next task delivered to a.
func receive(t *testing.T, a *Attachment) protocol.WorkerTask {
	t.Helper()
	select {
	case task, ok := <-a.Tasks():
		if !ok {
			t.Fatalf("worker %s: task channel closed", a.WorkerID())
		}
		return task
	case <-time.After(2 * time.Second):
		t.Fatalf("worker %s: no task delivered", a.WorkerID())
		return protocol.WorkerTask{}
	}
}

// receiveAny waits until one of workers receives taskID and returns that
// worker's id.
func receiveAny(t *testing.T, taskID string, workers ...*Attachment) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, a := range workers {
			select {
			case task, ok := <-a.Tasks():
				if !ok {
					t.Fatalf("worker %s: task channel closed", a.WorkerID())
				}
				if task.ID != taskID {
					t.Fatalf("worker %s: got %s, want %s", a.WorkerID(), task.ID, taskID)
				}
				return a.WorkerID()
			default:
			}
		}
		select {
		case <-deadline:
			t.Fatalf("task %s not delivered", taskID)
			return ""
		case <-time.After(time.Millisecond):
		}
	}
}

// expectNone asserts that nothing is delivered to a within d.
func expectNone(t *testing.T, a *Attachment, d time.Duration) {
	t.Helper()
	select {
	case task, ok := <-a.Tasks():
		if ok {
			t.Fatalf("worker %s: unexpected task %s", a.WorkerID(), task.ID)
		}
	case <-time.After(d):
	}
}

func desc(name string, filter map[string][]string) protocol.TaskDescription {
	return protocol.TaskDescription{Name: name, Filter: filter}
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }
