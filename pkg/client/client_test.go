package client_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"corebus/pkg/client"
	"corebus/pkg/dispatcher"
	"corebus/pkg/eventbus"
	"corebus/pkg/protocol"
	"corebus/pkg/server"
)

func startServer(t *testing.T, token string) string {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "cb.sock")
	bus := eventbus.New(16)
	d := dispatcher.New(dispatcher.Config{SweepInterval: 20 * time.Millisecond}, bus)
	srv := server.New(server.Config{Addr: sock, Authorizer: server.TokenAuthorizer(token)}, d, bus)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("ListenAndServe: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	return sock
}

func TestClient_DialFailure(t *testing.T) {
	t.Parallel()

	c := client.New("unix", filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.ListTasks(context.Background())
	if err == nil || !strings.Contains(err.Error(), "dial unix") {
		t.Fatalf("err = %v, want dial error", err)
	}
}

func TestClient_TokenRejected(t *testing.T) {
	t.Parallel()
	sock := startServer(t, "s3cret")

	c := client.New("unix", sock)
	err := c.Publish(context.Background(), protocol.Event{Kind: "deploy_started"})
	var rejected *client.RejectedError
	if !errors.As(err, &rejected) || rejected.Kind != protocol.ErrKindUnauthorized {
		t.Fatalf("err = %v, want unauthorized RejectedError", err)
	}

	c.Token = "s3cret"
	if err := c.Publish(context.Background(), protocol.Event{Kind: "deploy_started"}); err != nil {
		t.Fatalf("Publish with token: %v", err)
	}
}

func TestClient_SubmitCancelled(t *testing.T) {
	t.Parallel()
	sock := startServer(t, "")

	c := client.New("unix", sock)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// No worker and a long max wait: only the context can end the call.
	_, err := c.Submit(ctx, protocol.TaskTag, nil, nil, time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestSubscription_CloseEndsStream(t *testing.T) {
	t.Parallel()
	sock := startServer(t, "")

	c := client.New("unix", sock)
	sub, err := c.Subscribe(context.Background(), "closer", []string{protocol.EventAny})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.ID() != "closer" {
		t.Errorf("id = %s", sub.ID())
	}

	if err := c.Publish(context.Background(), protocol.Event{Kind: "deploy_started"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case ev := <-sub.Events():
		if ev.Kind != "deploy_started" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}

	sub.Close()
	sub.Close()
	select {
	case _, ok := <-sub.Events():
		for ok {
			_, ok = <-sub.Events()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
	if err := sub.Err(); err != nil {
		t.Errorf("Err after Close = %v", err)
	}

	// The id is released once the server notices the hangup.
	deadline := time.Now().Add(2 * time.Second)
	for {
		again, err := c.Subscribe(context.Background(), "closer", []string{protocol.EventAny})
		if err == nil {
			again.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("resubscribe: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
