// Package server exposes the dispatcher and event bus over a unix or TCP
// socket speaking line-delimited JSON envelopes. The first message on a
// connection selects the session: a worker attach, an event subscription,
// a task submission, an external publish or an in-flight listing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"corebus/pkg/dispatcher"
	"corebus/pkg/eventbus"
	"corebus/pkg/protocol"
)

// Authorizer decides whether a session may open. The server trusts its
// answer; a non-nil error rejects the session with an unauthorized ack.
type Authorizer interface {
	Authorize(kind protocol.MessageKind, principal, token string) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(kind protocol.MessageKind, principal, token string) error

// Authorize calls f.
func (f AuthorizerFunc) Authorize(kind protocol.MessageKind, principal, token string) error {
	return f(kind, principal, token)
}

// TokenAuthorizer accepts sessions presenting token. An empty token allows
// everything.
func TokenAuthorizer(token string) Authorizer {
	return AuthorizerFunc(func(_ protocol.MessageKind, _, presented string) error {
		if token == "" || presented == token {
			return nil
		}
		return errors.New("invalid token")
	})
}

// Config holds Server configuration.
type Config struct {
	Network          string        // "unix" (default) or "tcp"
	Addr             string        // socket path or host:port
	HeartbeatTimeout time.Duration // worker read deadline (default 45s)
	Authorizer       Authorizer    // nil allows every session
	Logger           *log.Logger   // nil uses log.Default()
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Network == "" {
		out.Network = "unix"
	}
	if out.HeartbeatTimeout == 0 {
		out.HeartbeatTimeout = 45 * time.Second
	}
	if out.Authorizer == nil {
		out.Authorizer = TokenAuthorizer("")
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	return out
}

// Server accepts client connections and maps them to dispatcher and bus
// sessions.
type Server struct {
	cfg  Config
	d    *dispatcher.Dispatcher
	bus  *eventbus.Bus
	logf func(format string, args ...any)

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
	ready    chan struct{}
}

// New creates a Server. Nothing listens until ListenAndServe or Serve.
func New(cfg Config, d *dispatcher.Dispatcher, bus *eventbus.Bus) *Server {
	resolved := cfg.withDefaults()
	return &Server{
		cfg:   resolved,
		d:     d,
		bus:   bus,
		logf:  resolved.Logger.Printf,
		conns: make(map[net.Conn]struct{}),
		ready: make(chan struct{}),
	}
}

// ListenAndServe binds the configured address and serves until ctx ends.
// A stale unix socket left by a crashed server is removed first.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.Network == "unix" {
		if err := cleanStaleSocket(s.cfg.Addr); err != nil {
			return err
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, s.cfg.Network, s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", s.cfg.Network, s.cfg.Addr, err)
	}

	if s.cfg.Network == "unix" {
		// Owner-only access to the socket.
		if err := os.Chmod(s.cfg.Addr, 0o600); err != nil {
			_ = ln.Close()
			return fmt.Errorf("chmod socket %s: %w", s.cfg.Addr, err)
		}
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then closes every open
// session and waits for their handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.mu.Lock()
		s.closed = true
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
	}()

	s.acceptLoop(ctx, ln)
	s.wg.Wait()
	return nil
}

// Ready is closed once the server is accepting connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop accepts new client connections.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logf("server: accept: %v", err)
			continue
		}
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// cleanStaleSocket removes a socket file nobody is listening on. It fails
// if another server answers on socketPath.
func cleanStaleSocket(socketPath string) error {
	_, err := os.Stat(socketPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket %s: %w", socketPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	dialer := net.Dialer{}
	conn, dialErr := dialer.DialContext(ctx, "unix", socketPath)
	if dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("another server is already running on %s", socketPath)
	}

	if err := os.Remove(socketPath); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	return nil
}
