package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"corebus/pkg/protocol"
)

// reconnectBaseInterval is the base retry interval for reconnection.
const reconnectBaseInterval = 2 * time.Second

// reconnectJitter is the maximum jitter added to the reconnect interval.
const reconnectJitter = 500 * time.Millisecond

// maxBufferedMessages is the maximum number of reports buffered while
// disconnected.
const maxBufferedMessages = 100

// DefaultHeartbeatInterval is a third of the server's default heartbeat
// timeout.
const DefaultHeartbeatInterval = 15 * time.Second

// ErrRejected wraps a permanent attach refusal (unauthorized or invalid).
var ErrRejected = errors.New("attach rejected")

// Handler runs one task. The returned data is reported as a done result; a
// non-nil error is reported as an error result and is never retried.
type Handler interface {
	Handle(ctx context.Context, task protocol.WorkerTask, progress ProgressFunc) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task protocol.WorkerTask, progress ProgressFunc) (json.RawMessage, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task protocol.WorkerTask, progress ProgressFunc) (json.RawMessage, error) {
	return f(ctx, task, progress)
}

// ProgressFunc reports intermediate progress for the running task.
type ProgressFunc func(data any) error

type registration struct {
	desc    protocol.TaskDescription
	handler Handler
}

// Worker is a remote worker. It attaches to a corebus server with its task
// descriptions, runs the matching Handler for every delivered task and
// reconnects when the connection drops.
type Worker struct {
	ID string

	network string
	addr    string
	token   string
	logger  *log.Logger

	mu                sync.Mutex
	conn              net.Conn
	disconnected      bool
	buffer            *MessageBuffer
	handlers          map[string]registration
	order             []string
	heartbeatInterval time.Duration
	reconnectBase     time.Duration

	running sync.WaitGroup
}

// New creates a Worker for the server at addr. Nothing is dialled until Run.
func New(id, network, addr string) *Worker {
	return &Worker{
		ID:                id,
		network:           network,
		addr:              addr,
		logger:            log.Default(),
		buffer:            NewMessageBuffer(maxBufferedMessages),
		handlers:          make(map[string]registration),
		heartbeatInterval: DefaultHeartbeatInterval,
		reconnectBase:     reconnectBaseInterval,
	}
}

// NewWithConn creates a Worker with a pre-established connection (for
// testing). It does not reconnect.
func NewWithConn(id string, conn net.Conn) *Worker {
	w := New(id, "", "")
	w.conn = conn
	return w
}

// Handle registers h for tasks matching desc. Registering the same task
// name twice replaces the earlier registration.
func (w *Worker) Handle(desc protocol.TaskDescription, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.handlers[desc.Name]; !exists {
		w.order = append(w.order, desc.Name)
	}
	w.handlers[desc.Name] = registration{desc: desc, handler: h}
}

// SetToken sets the token presented on attach.
func (w *Worker) SetToken(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.token = token
}

// SetLogger overrides the logger.
func (w *Worker) SetLogger(l *log.Logger) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logger = l
}

// SetHeartbeatInterval overrides the heartbeat period.
func (w *Worker) SetHeartbeatInterval(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.heartbeatInterval = d
}

// SetReconnectInterval overrides the base reconnect delay (for testing).
func (w *Worker) SetReconnectInterval(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reconnectBase = d
}

func (w *Worker) descriptions() []protocol.TaskDescription {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]protocol.TaskDescription, 0, len(w.order))
	for _, name := range w.order {
		out = append(out, w.handlers[name].desc)
	}
	return out
}

func (w *Worker) handler(name string) (Handler, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	reg, ok := w.handlers[name]
	return reg.handler, ok
}

func (w *Worker) logf(format string, args ...any) {
	w.mu.Lock()
	l := w.logger
	w.mu.Unlock()
	l.Printf(format, args...)
}

// Run attaches and serves tasks until ctx is cancelled. It returns nil on
// cancellation and an error wrapping ErrRejected when the server refuses
// the attach permanently. Running handlers are cancelled and awaited
// before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	defer w.running.Wait()

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	for {
		if conn == nil {
			var err error
			conn, err = w.reconnect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil //nolint:nilerr // context cancelled = clean shutdown
				}
				return err
			}
		}

		err := w.session(ctx, conn)
		_ = conn.Close()
		conn = nil

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrRejected):
			return err
		case w.addr == "":
			// No address means we can't reconnect (test with net.Pipe).
			return err
		}
		w.logf("worker %s: connection lost: %v", w.ID, err)
	}
}

// reconnect dials and attaches, retrying every reconnect interval with
// jitter until it succeeds, the attach is refused permanently or ctx ends.
func (w *Worker) reconnect(ctx context.Context) (net.Conn, error) {
	w.mu.Lock()
	w.disconnected = true
	base := w.reconnectBase
	w.mu.Unlock()

	first := true
	for {
		if !first {
			jitter := time.Duration(rand.Int64N(int64(2*reconnectJitter))) - reconnectJitter //nolint:gosec // jitter doesn't need crypto rand
			wait := max(base+jitter, base/2)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("worker reconnect: %w", ctx.Err())
			case <-time.After(wait):
			}
		}
		first = false

		dialer := net.Dialer{Timeout: 5 * time.Second}
		conn, err := dialer.DialContext(ctx, w.network, w.addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("worker reconnect: %w", ctx.Err())
			}
			continue
		}
		return conn, nil
	}
}

// session attaches over conn and serves it until it fails or ctx ends.
func (w *Worker) session(ctx context.Context, conn net.Conn) error {
	scanner := protocol.NewScanner(conn)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	w.mu.Lock()
	token := w.token
	w.mu.Unlock()

	attach := protocol.Message{
		Kind: protocol.MsgAttach,
		Attach: &protocol.AttachPayload{
			WorkerID:     w.ID,
			Descriptions: w.descriptions(),
			Token:        token,
		},
	}
	if err := protocol.WriteMessage(conn, attach); err != nil {
		return err
	}
	ack, err := protocol.ReadMessage(scanner)
	if err != nil {
		return fmt.Errorf("read attach ack: %w", err)
	}
	if ack.Kind != protocol.MsgACK || ack.ACK == nil {
		return fmt.Errorf("expected ack, got %q", ack.Kind)
	}
	if !ack.ACK.OK {
		if ack.ACK.ErrorKind == protocol.ErrKindDuplicate {
			// The previous session may not have been reaped yet.
			return fmt.Errorf("attach: %s", ack.ACK.Detail)
		}
		return fmt.Errorf("%w: %s", ErrRejected, ack.ACK.Detail)
	}

	w.mu.Lock()
	w.conn = conn
	w.disconnected = false
	interval := w.heartbeatInterval
	w.mu.Unlock()

	for _, msg := range w.buffer.Drain() {
		if err := w.sendMessage(msg); err != nil {
			return err
		}
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go w.heartbeatLoop(hbCtx, interval)

	for {
		msg, err := protocol.ReadMessage(scanner)
		if err != nil {
			w.mu.Lock()
			w.disconnected = true
			w.mu.Unlock()
			if errors.Is(err, io.EOF) {
				return errors.New("connection closed")
			}
			return err
		}
		if msg.Kind == protocol.MsgTask && msg.Task != nil {
			w.running.Add(1)
			go func(task protocol.WorkerTask) {
				defer w.running.Done()
				w.runTask(ctx, task)
			}(*msg.Task)
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.sendMessage(protocol.Message{
				Kind:      protocol.MsgHeartbeat,
				Heartbeat: &protocol.HeartbeatPayload{WorkerID: w.ID},
			})
		}
	}
}

// runTask executes one delivered task and reports its result.
func (w *Worker) runTask(ctx context.Context, task protocol.WorkerTask) {
	result := protocol.ResultPayload{WorkerID: w.ID, TaskID: task.ID}

	h, ok := w.handler(task.Name)
	if !ok {
		result.Result = protocol.ResultError
		result.Error = "no handler for task " + task.Name
		_ = w.sendMessage(protocol.Message{Kind: protocol.MsgResult, Result: &result})
		return
	}

	progress := func(data any) error {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal progress: %w", err)
		}
		return w.sendMessage(protocol.Message{
			Kind:     protocol.MsgProgress,
			Progress: &protocol.ProgressPayload{WorkerID: w.ID, TaskID: task.ID, Data: raw},
		})
	}

	data, err := h.Handle(ctx, task, progress)
	if ctx.Err() != nil {
		// Shutting down; the server reassigns the task once we detach.
		return
	}
	if err != nil {
		result.Result = protocol.ResultError
		result.Error = err.Error()
	} else {
		result.Result = protocol.ResultDone
		result.Data = data
	}
	if err := w.sendMessage(protocol.Message{Kind: protocol.MsgResult, Result: &result}); err != nil {
		w.logf("worker %s: report %s: %v", w.ID, task.ID, err)
	}
}

// sendMessage writes msg as line-delimited JSON. While disconnected the
// message is buffered instead and flushed after the next attach.
func (w *Worker) sendMessage(msg protocol.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.disconnected || w.conn == nil {
		if msg.Kind != protocol.MsgHeartbeat {
			w.buffer.Add(msg)
		}
		return nil
	}
	return protocol.WriteMessage(w.conn, msg)
}
