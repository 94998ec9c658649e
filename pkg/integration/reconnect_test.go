package integration_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"corebus/pkg/dispatcher"
	"corebus/pkg/protocol"
	"corebus/pkg/worker"
)

func testDispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		TaskTimeout:   time.Second,
		MaxRetries:    3,
		SweepInterval: 20 * time.Millisecond,
	}
}

func TestReconnect_WorkerReattachesAfterServerRestart(t *testing.T) {
	s := startStack(t, testDispatcherConfig())
	w := worker.New("echo-1", "unix", s.sock)
	w.Handle(protocol.TaskDescription{Name: protocol.TaskTag}, worker.HandlerFunc(worker.Echo))
	s.runWorker(t, w)

	s.stopServer()
	waitFor(t, func() bool { return !s.attached("echo-1") })

	s.startServer(t)
	waitFor(t, func() bool { return s.attached("echo-1") })

	out, err := s.client.Submit(context.Background(), protocol.TaskTag, nil, json.RawMessage(`"after-restart"`), 2*time.Second)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if string(out.Data) != `"after-restart"` {
		t.Errorf("data = %s", out.Data)
	}
}

func TestReconnect_DisconnectedTaskMovesToOtherWorker(t *testing.T) {
	s := startStack(t, testDispatcherConfig())

	// The first worker takes the task and never answers.
	var hung atomic.Int32
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	stuck := worker.New("stuck", "unix", s.sock)
	stuck.Handle(protocol.TaskDescription{Name: protocol.TaskCollect},
		worker.HandlerFunc(func(ctx context.Context, task protocol.WorkerTask, _ worker.ProgressFunc) (json.RawMessage, error) {
			hung.Add(1)
			select {
			case <-ctx.Done():
			case <-block:
			}
			return nil, ctx.Err()
		}))

	stuckCtx, stopStuck := context.WithCancel(context.Background())
	stuckDone := make(chan error, 1)
	go func() { stuckDone <- stuck.Run(stuckCtx) }()
	t.Cleanup(func() {
		stopStuck()
		<-stuckDone
	})
	waitFor(t, func() bool { return s.attached("stuck") })

	type result struct {
		data string
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		out, err := s.client.Submit(context.Background(), protocol.TaskCollect, nil, json.RawMessage(`{"n":1}`), 3*time.Second)
		if err != nil {
			resCh <- result{err: err}
			return
		}
		resCh <- result{data: string(out.Data)}
	}()
	waitFor(t, func() bool { return hung.Load() == 1 })

	healthy := worker.New("healthy", "unix", s.sock)
	healthy.Handle(protocol.TaskDescription{Name: protocol.TaskCollect}, worker.HandlerFunc(worker.Echo))
	s.runWorker(t, healthy)

	// Dropping the stuck worker reconciles its task onto the healthy one.
	stopStuck()

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("Submit: %v", res.err)
		}
		if res.data != `{"n":1}` {
			t.Errorf("data = %s", res.data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("task was not reassigned")
	}
}
