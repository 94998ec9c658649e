// Package client is the producer and listener side of the corebus wire
// protocol.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"corebus/pkg/protocol"
)

// RejectedError is returned when the server refuses a session.
type RejectedError struct {
	Kind   string // protocol.ErrKind* value
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%s): %s", e.Kind, e.Detail)
}

// Client dials a corebus server for each request.
type Client struct {
	Network string
	Addr    string
	Token   string

	// DialTimeout bounds connection setup (default 5s).
	DialTimeout time.Duration
}

// New returns a client for the server at addr.
func New(network, addr string) *Client {
	return &Client{Network: network, Addr: addr}
}

// session is an open connection whose lifetime is tied to a context.
type session struct {
	conn    net.Conn
	scanner *bufio.Scanner
	stop    func() bool
}

func (c *Client) open(ctx context.Context, first protocol.Message) (*session, error) {
	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	network := c.Network
	if network == "" {
		network = "unix"
	}
	conn, err := dialer.DialContext(ctx, network, c.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, c.Addr, err)
	}
	s := &session{
		conn:    conn,
		scanner: protocol.NewScanner(conn),
		stop:    context.AfterFunc(ctx, func() { _ = conn.Close() }),
	}
	if err := protocol.WriteMessage(conn, first); err != nil {
		s.close()
		return nil, ctxErr(ctx, err)
	}
	return s, nil
}

func (s *session) close() {
	s.stop()
	_ = s.conn.Close()
}

// readACK reads the session ack and converts a refusal to *RejectedError.
func (s *session) readACK(ctx context.Context) (string, error) {
	msg, err := protocol.ReadMessage(s.scanner)
	if err != nil {
		return "", ctxErr(ctx, err)
	}
	if msg.Kind != protocol.MsgACK || msg.ACK == nil {
		return "", fmt.Errorf("expected ack, got %q", msg.Kind)
	}
	if !msg.ACK.OK {
		return "", &RejectedError{Kind: msg.ACK.ErrorKind, Detail: msg.ACK.Detail}
	}
	return msg.ACK.Detail, nil
}

// ctxErr prefers the context error when the connection was closed because
// ctx ended.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("server closed connection: %w", err)
	}
	return err
}

// Submit runs a task and waits for its outcome. A task that did not succeed
// is returned together with its typed error (see protocol.OutcomeError).
func (c *Client) Submit(ctx context.Context, name string, attrs map[string]string, payload json.RawMessage, maxWait time.Duration) (*protocol.OutcomePayload, error) {
	s, err := c.open(ctx, protocol.Message{
		Kind: protocol.MsgSubmit,
		Submit: &protocol.SubmitPayload{
			Name:       name,
			Attributes: attrs,
			Payload:    payload,
			MaxWaitMS:  maxWait.Milliseconds(),
			Token:      c.Token,
		},
	})
	if err != nil {
		return nil, err
	}
	defer s.close()

	if _, err := s.readACK(ctx); err != nil {
		return nil, fmt.Errorf("submit %s: %w", name, err)
	}
	msg, err := protocol.ReadMessage(s.scanner)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", name, ctxErr(ctx, err))
	}
	if msg.Kind != protocol.MsgOutcome || msg.Outcome == nil {
		return nil, fmt.Errorf("submit %s: expected outcome, got %q", name, msg.Kind)
	}
	return msg.Outcome, protocol.OutcomeError(msg.Outcome)
}

// ListTasks returns the server's in-flight snapshot.
func (c *Client) ListTasks(ctx context.Context) ([]protocol.InFlightInfo, error) {
	s, err := c.open(ctx, protocol.Message{Kind: protocol.MsgListTasks, Token: c.Token})
	if err != nil {
		return nil, err
	}
	defer s.close()

	msg, err := protocol.ReadMessage(s.scanner)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", ctxErr(ctx, err))
	}
	switch {
	case msg.Kind == protocol.MsgTasks:
		return msg.Tasks, nil
	case msg.Kind == protocol.MsgACK && msg.ACK != nil && !msg.ACK.OK:
		return nil, fmt.Errorf("list tasks: %w", &RejectedError{Kind: msg.ACK.ErrorKind, Detail: msg.ACK.Detail})
	default:
		return nil, fmt.Errorf("list tasks: unexpected %q", msg.Kind)
	}
}

// Publish puts ev on the server's event bus.
func (c *Client) Publish(ctx context.Context, ev protocol.Event) error {
	s, err := c.open(ctx, protocol.Message{Kind: protocol.MsgPublish, Publish: &ev, Token: c.Token})
	if err != nil {
		return err
	}
	defer s.close()

	if _, err := s.readACK(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Subscription is a live event stream from the server.
type Subscription struct {
	id     string
	s      *session
	events chan protocol.Event

	once   sync.Once
	closed chan struct{}
	mu     sync.Mutex
	err    error
}

// Subscribe opens an event stream for kinds. An empty id asks the server to
// assign one. The stream ends when ctx ends, Close is called or the server
// goes away.
func (c *Client) Subscribe(ctx context.Context, id string, kinds []string) (*Subscription, error) {
	s, err := c.open(ctx, protocol.Message{
		Kind:      protocol.MsgSubscribe,
		Subscribe: &protocol.SubscribePayload{SubscriberID: id, Kinds: kinds, Token: c.Token},
	})
	if err != nil {
		return nil, err
	}
	assigned, err := s.readACK(ctx)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	sub := &Subscription{
		id:     assigned,
		s:      s,
		events: make(chan protocol.Event, 64),
		closed: make(chan struct{}),
	}
	go sub.readLoop(ctx)
	return sub, nil
}

// ID returns the subscriber id the server registered.
func (s *Subscription) ID() string { return s.id }

// Events delivers events in publish order. It is closed when the stream ends.
func (s *Subscription) Events() <-chan protocol.Event { return s.events }

// Err returns why the stream ended, or nil for a clean close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.s.close()
	})
}

func (s *Subscription) readLoop(ctx context.Context) {
	defer close(s.events)
	defer s.Close()
	for {
		msg, err := protocol.ReadMessage(s.s.scanner)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
		if msg.Kind != protocol.MsgEvent || msg.Event == nil {
			continue
		}
		select {
		case s.events <- *msg.Event:
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}
