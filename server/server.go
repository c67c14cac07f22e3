// Package server exposes the publication engine over WebSocket sessions
// and the document store over a small REST API.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/batchpub/engine"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/metrics"
	"github.com/teranos/batchpub/store"
	"github.com/teranos/batchpub/transport"
)

// ServerState is the lifecycle phase of a Server.
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

func (st ServerState) String() string {
	switch st {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures a Server.
type Options struct {
	Engine *engine.Engine
	// Store backs the REST API. Without it the API answers 503.
	Store   store.Store
	Logger  *zap.SugaredLogger
	Metrics metrics.Collector
	// Gatherer is served on MetricsPath when set.
	Gatherer    prometheus.Gatherer
	MetricsPath string
	// AllowedOrigins are prefix-matched against the Origin header.
	// Requests without an Origin are always allowed.
	AllowedOrigins []string
	// MaxSessions caps concurrent sessions; 0 is unlimited.
	MaxSessions int
	SendBuffer  int
}

// Server owns the HTTP listener and every live session.
type Server struct {
	opts     Options
	log      *zap.SugaredLogger
	metrics  metrics.Collector
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	httpServer *http.Server

	mu       sync.RWMutex
	sessions map[string]*session

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32
}

// New creates a server. Routes are ready to serve; call Serve or use
// Handler.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.NewInvalidRequestError("server needs an engine")
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = transport.DefaultSendBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		log:      logger.Named(opts.Logger, "server"),
		metrics:  metrics.OrNop(opts.Metrics),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.mux = http.NewServeMux()
	s.setupHTTPRoutes()
	return s, nil
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe binds addr and serves until Stop.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop. It returns nil after a graceful stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.log.Infow("Server listening", logger.FieldAddress, ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve")
	}
	return nil
}

// Stop drains the HTTP listener, closes every session and waits for the
// session goroutines. Subscriptions of closed sessions are detached.
func (s *Server) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(ServerStateRunning), int32(ServerStateDraining)) {
		return nil
	}
	s.log.Infow("Server state changed", "new_state", ServerStateDraining.String())

	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	var shutdownErr error
	if srv != nil {
		shutdownErr = srv.Shutdown(ctx)
	}

	for _, sess := range s.snapshotSessions() {
		sess.conn.Close()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for sessions to close")
	}

	s.state.Store(int32(ServerStateStopped))
	s.log.Infow("Server state changed", "new_state", ServerStateStopped.String())
	if shutdownErr != nil {
		return errors.Wrap(shutdownErr, "http shutdown")
	}
	return nil
}

// State returns the lifecycle phase.
func (s *Server) State() ServerState {
	return ServerState(s.state.Load())
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) snapshotSessions() []*session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// register admits sess unless the server is draining or full.
func (s *Server) register(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != ServerStateRunning {
		return false
	}
	if s.opts.MaxSessions > 0 && len(s.sessions) >= s.opts.MaxSessions {
		s.log.Warnw("Max sessions reached, rejecting connection",
			logger.FieldSessionID, sess.id,
			"max_sessions", s.opts.MaxSessions)
		return false
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	_, ok := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	total := len(s.sessions)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.metrics.SessionClosed()
	s.log.Infow("Session closed", logger.FieldSessionID, sess.id, "total_sessions", total)
	s.wg.Done()
}
