package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"corebus/pkg/dispatcher"
	"corebus/pkg/protocol"
)

// handshakeTimeout bounds the wait for a connection's first message.
const handshakeTimeout = 10 * time.Second

// handleConn reads the session-opening message and runs the session.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	scanner := protocol.NewScanner(conn)

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msg, err := protocol.ReadMessage(scanner)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.logf("server: handshake from %s: %v", conn.RemoteAddr(), err)
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch msg.Kind {
	case protocol.MsgAttach:
		s.serveWorker(ctx, conn, scanner, msg.Attach)
	case protocol.MsgSubscribe:
		s.serveSubscriber(ctx, conn, scanner, msg.Subscribe)
	case protocol.MsgSubmit:
		s.serveSubmit(ctx, conn, scanner, msg.Submit)
	case protocol.MsgPublish:
		s.servePublish(conn, msg.Publish, msg.Token)
	case protocol.MsgListTasks:
		s.serveListTasks(conn, msg.Token)
	default:
		s.reject(conn, protocol.ErrKindInvalid, "unexpected session kind "+string(msg.Kind))
	}
}

// --- Worker sessions ---

// serveWorker attaches a remote worker. Tasks are streamed to the
// connection while results, progress and heartbeats are read from it. A
// read that stalls past HeartbeatTimeout detaches the worker.
func (s *Server) serveWorker(ctx context.Context, conn net.Conn, scanner *bufio.Scanner, p *protocol.AttachPayload) {
	if p == nil || p.WorkerID == "" {
		s.reject(conn, protocol.ErrKindInvalid, "attach: worker_id required")
		return
	}
	if err := s.cfg.Authorizer.Authorize(protocol.MsgAttach, p.WorkerID, p.Token); err != nil {
		s.reject(conn, protocol.ErrKindUnauthorized, err.Error())
		return
	}

	att, err := s.d.Attach(ctx, p.WorkerID, p.Descriptions)
	if err != nil {
		s.reject(conn, protocol.ErrorKind(err), err.Error())
		return
	}
	defer att.Close()

	if err := s.accept(conn, att.WorkerID()); err != nil {
		return
	}

	go s.deliverTasks(conn, att)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
		msg, err := protocol.ReadMessage(scanner)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logf("server: worker %s: %v", att.WorkerID(), err)
			}
			return
		}
		s.handleWorkerMessage(att.WorkerID(), msg)
	}
}

// deliverTasks writes assigned tasks until the attachment closes. A failed
// write closes the connection so the read loop detaches the worker.
func (s *Server) deliverTasks(conn net.Conn, att *dispatcher.Attachment) {
	for task := range att.Tasks() {
		select {
		case <-att.Done():
			// Detached: the task has been handed back to the dispatcher.
			return
		default:
		}
		if err := protocol.WriteMessage(conn, protocol.Message{Kind: protocol.MsgTask, Task: &task}); err != nil {
			s.logf("server: deliver %s to %s: %v", task.ID, att.WorkerID(), err)
			_ = conn.Close()
			return
		}
	}
}

// handleWorkerMessage applies one in-session report. Reports always count
// for the session's worker, whatever worker_id they carry.
func (s *Server) handleWorkerMessage(workerID string, msg protocol.Message) {
	var err error
	switch msg.Kind {
	case protocol.MsgHeartbeat:
	case protocol.MsgResult:
		if msg.Result == nil {
			return
		}
		switch msg.Result.Result {
		case protocol.ResultDone:
			err = s.d.Acknowledge(workerID, msg.Result.TaskID, msg.Result.Data)
		case protocol.ResultError:
			err = s.d.Error(workerID, msg.Result.TaskID, msg.Result.Error)
		default:
			s.logf("server: worker %s: unknown result %q for task %s", workerID, msg.Result.Result, msg.Result.TaskID)
		}
	case protocol.MsgProgress:
		if msg.Progress == nil {
			return
		}
		err = s.d.Progress(workerID, msg.Progress.TaskID, msg.Progress.Data)
	default:
		s.logf("server: worker %s: ignoring %q message", workerID, msg.Kind)
	}

	var stale *protocol.StaleAcknowledgementError
	if errors.As(err, &stale) {
		s.logf("server: %v", stale)
	}
}

// --- Subscriber sessions ---

// serveSubscriber streams matching bus events until the client disconnects.
func (s *Server) serveSubscriber(ctx context.Context, conn net.Conn, scanner *bufio.Scanner, p *protocol.SubscribePayload) {
	if p == nil {
		s.reject(conn, protocol.ErrKindInvalid, "subscribe: payload required")
		return
	}
	if err := s.cfg.Authorizer.Authorize(protocol.MsgSubscribe, p.SubscriberID, p.Token); err != nil {
		s.reject(conn, protocol.ErrKindUnauthorized, err.Error())
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := s.bus.Subscribe(sessCtx, p.SubscriberID, p.Kinds)
	if err != nil {
		kind := protocol.ErrorKind(err)
		if kind == protocol.ErrKindInternal {
			kind = protocol.ErrKindInvalid
		}
		s.reject(conn, kind, err.Error())
		return
	}
	defer sub.Close()

	if err := s.accept(conn, sub.ID()); err != nil {
		return
	}

	go watchHangup(scanner, cancel)

	for ev := range sub.Events() {
		if err := protocol.WriteMessage(conn, protocol.Message{Kind: protocol.MsgEvent, Event: &ev}); err != nil {
			return
		}
	}
}

// watchHangup drains client input and calls cancel once the peer goes away.
func watchHangup(scanner *bufio.Scanner, cancel context.CancelFunc) {
	for scanner.Scan() {
	}
	cancel()
}

// --- One-shot sessions ---

// serveSubmit runs a task on behalf of a remote producer. The ack carries
// the task id; the outcome follows once the task resolves. A producer that
// hangs up detaches its waiter but the task keeps running.
func (s *Server) serveSubmit(ctx context.Context, conn net.Conn, scanner *bufio.Scanner, p *protocol.SubmitPayload) {
	if p == nil || p.Name == "" {
		s.reject(conn, protocol.ErrKindInvalid, "submit: task name required")
		return
	}
	if err := s.cfg.Authorizer.Authorize(protocol.MsgSubmit, p.Name, p.Token); err != nil {
		s.reject(conn, protocol.ErrKindUnauthorized, err.Error())
		return
	}

	ticket, err := s.d.SubmitAsync(p.Name, p.Attributes, p.Payload, p.MaxWait())
	if err != nil {
		s.reject(conn, protocol.ErrKindInvalid, err.Error())
		return
	}
	if err := s.accept(conn, ticket.TaskID); err != nil {
		s.d.Results().Cancel(ticket.TaskID)
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchHangup(scanner, cancel)

	outcome, err := ticket.Wait(sessCtx)
	if sessCtx.Err() != nil && errors.Is(err, sessCtx.Err()) {
		return
	}
	_ = protocol.WriteMessage(conn, protocol.Message{Kind: protocol.MsgOutcome, Outcome: outcomePayload(outcome, err)})
}

// outcomePayload converts a dispatcher outcome for the wire.
func outcomePayload(o dispatcher.Outcome, err error) *protocol.OutcomePayload {
	out := &protocol.OutcomePayload{
		TaskID:   o.TaskID,
		TaskName: o.TaskName,
		WorkerID: o.WorkerID,
		Data:     o.Data,
		OK:       err == nil,
	}
	if err == nil {
		return out
	}
	out.ErrorKind = protocol.ErrorKind(err)
	out.Error = err.Error()

	var (
		reported  *protocol.WorkerReportedError
		exhausted *protocol.TaskExhaustedError
	)
	switch {
	case errors.As(err, &reported):
		out.Error = reported.Message
	case errors.As(err, &exhausted):
		out.Error = exhausted.LastError
	}
	return out
}

// servePublish puts an externally produced event on the bus. Kinds the
// dispatcher derives from its own state are refused.
func (s *Server) servePublish(conn net.Conn, ev *protocol.Event, token string) {
	if ev == nil || ev.Kind == "" {
		s.reject(conn, protocol.ErrKindInvalid, "publish: event kind required")
		return
	}
	if protocol.ReservedKind(ev.Kind) {
		s.reject(conn, protocol.ErrKindReservedEvent, "publish: kind "+ev.Kind+" is reserved")
		return
	}
	if err := s.cfg.Authorizer.Authorize(protocol.MsgPublish, ev.Kind, token); err != nil {
		s.reject(conn, protocol.ErrKindUnauthorized, err.Error())
		return
	}
	// Id and timestamp are always assigned by the bus.
	published := *ev
	published.ID = ""
	published.At = time.Time{}
	s.bus.Publish(published)
	_ = s.accept(conn, "")
}

// serveListTasks replies with the in-flight snapshot.
func (s *Server) serveListTasks(conn net.Conn, token string) {
	if err := s.cfg.Authorizer.Authorize(protocol.MsgListTasks, "", token); err != nil {
		s.reject(conn, protocol.ErrKindUnauthorized, err.Error())
		return
	}
	_ = protocol.WriteMessage(conn, protocol.Message{Kind: protocol.MsgTasks, Tasks: s.d.InFlight()})
}

// --- Acks ---

func (s *Server) accept(conn net.Conn, detail string) error {
	return protocol.WriteMessage(conn, protocol.Message{
		Kind: protocol.MsgACK,
		ACK:  &protocol.ACKPayload{OK: true, Detail: detail},
	})
}

func (s *Server) reject(conn net.Conn, kind, detail string) {
	_ = protocol.WriteMessage(conn, protocol.Message{
		Kind: protocol.MsgACK,
		ACK:  &protocol.ACKPayload{OK: false, Detail: detail, ErrorKind: kind},
	})
}
