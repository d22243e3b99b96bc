package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/tracegate/tracegate/internal/msg"
	"github.com/tracegate/tracegate/internal/session"
)

// Server accepts pusher, observer, and director connections and
// drives each one against a single open session.
type Server struct {
	cfg    Config
	host   *session.Coordinator
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	draining bool
	conns    sync.WaitGroup
	connCtx  context.Context
	connStop context.CancelFunc
	handle   *Handle
}

// Handle is the control surface of a running server. Wait resolves
// only after the accept loop has stopped and every in-flight
// connection has finished.
type Handle struct {
	addr      net.Addr
	cancel    context.CancelFunc
	requested atomic.Bool
	done      chan struct{}
	grace     msg.GraceType
	err       error
}

// Addr returns the bound listen address.
func (h *Handle) Addr() net.Addr { return h.addr }

// TriggerShutdown asks the server to stop. Safe to call repeatedly
// and from any goroutine.
func (h *Handle) TriggerShutdown() {
	h.requested.Store(true)
	h.cancel()
}

// Done is closed once the server has fully drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks for the drained server and reports how it ended.
func (h *Handle) Wait() (msg.GraceType, error) {
	<-h.done
	return h.grace, h.err
}

// Shutdown triggers and waits.
func (h *Handle) Shutdown() (msg.GraceType, error) {
	h.TriggerShutdown()
	return h.Wait()
}

// Start binds the configured address and serves until the context is
// canceled, an OS interrupt arrives (when enabled), TriggerShutdown
// is called, or the listener fails.
func Start(ctx context.Context, host *session.Coordinator, cfg Config) (*Handle, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("ws: listen %s: %w", cfg.Addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopSignals := func() {}
	if cfg.InterruptShutdown {
		runCtx, stopSignals = signal.NotifyContext(runCtx, os.Interrupt)
	}
	connCtx, connStop := context.WithCancel(context.Background())

	h := &Handle{addr: ln.Addr(), cancel: cancel, done: make(chan struct{})}
	s := &Server{
		cfg:    cfg,
		host:   host,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			// Clients are command-line processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		connCtx:  connCtx,
		connStop: connStop,
		handle:   h,
	}

	srv := &http.Server{Handler: http.HandlerFunc(s.route)}
	go s.run(runCtx, srv, ln, stopSignals)

	s.logger.Info("server listening", "addr", ln.Addr().String())
	return h, nil
}

func (s *Server) run(ctx context.Context, srv *http.Server, ln net.Listener, stopSignals func()) {
	h := s.handle
	defer close(h.done)
	defer stopSignals()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			h.err = err
		}
	}

	// Stop accepting. Upgraded connections are hijacked out of the
	// HTTP server, so closing it leaves them running; canceling the
	// connection context winds them down, then the drain completes.
	srv.Close()
	s.connStop()
	s.beginDrain()
	s.conns.Wait()

	h.grace = s.grace()
	s.logger.Info("server stopped", "grace", h.grace.String())
}

// register claims a slot in the connection drain. It holds the same
// lock as beginDrain so a handler can never add to the WaitGroup
// while the drain is waiting on it; once draining it refuses.
func (s *Server) register() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.conns.Add(1)
	return true
}

// beginDrain closes registration before the drain waits.
func (s *Server) beginDrain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
}

// grace maps the shutdown cause to its reported type: an explicit
// trigger is a requested shutdown, everything else an interrupt.
func (s *Server) grace() msg.GraceType {
	if s.handle.requested.Load() {
		return msg.GraceRequested
	}
	return msg.GraceInterrupted
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	var role msg.ClientRole
	switch r.URL.Path {
	case s.cfg.PusherPath:
		role = msg.ClientPusher
	case s.cfg.ObserverPath:
		role = msg.ClientObserver
	case s.cfg.DirectorPath:
		role = msg.ClientDirector
	default:
		http.Error(w, "unknown path", http.StatusNotFound)
		return
	}

	auth, status, err := s.authenticate(role, r)
	if err != nil {
		s.logger.Warn("rejecting connection",
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", status,
			"error", err,
		)
		http.Error(w, err.Error(), status)
		return
	}

	if !s.register() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		s.conns.Done()
		return
	}

	s.logger.Info("client connected",
		"remote", r.RemoteAddr,
		"role", auth.role.String(),
		"format", auth.format.String(),
	)

	go func() {
		defer s.conns.Done()
		s.serveConn(s.connCtx, conn, auth)
	}()
}
