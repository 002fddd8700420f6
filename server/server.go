// Package server exposes a running coordinator over HTTP: a JSON API for
// submitting, inspecting, cancelling and purging transfers, and a websocket
// stream of coordinator events.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/fetchq/am"
	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/logger"
	"github.com/teranos/fetchq/pulse/async"
	"github.com/teranos/fetchq/sym"
)

const (
	// ShutdownTimeout bounds how long Stop waits for clients and requests
	ShutdownTimeout = 10 * time.Second

	// maxRequestBody caps submission bodies
	maxRequestBody = 1 << 20

	readHeaderTimeout = 10 * time.Second
)

// ServerState tracks the server lifecycle
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

// String returns the human-readable state name
func (s ServerState) String() string {
	switch s {
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

// Server serves the transfer API and event stream for one coordinator.
type Server struct {
	coord          *async.Coordinator
	allowedOrigins []string
	logger         *zap.SugaredLogger

	mux        *http.ServeMux
	httpServer *http.Server
	state      atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[*Client]bool
}

// New creates a server for coord. Origins listed in cfg.AllowedOrigins (prefix
// match) may call the API and open the event stream from a browser.
func New(coord *async.Coordinator, cfg am.ServerConfig, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = logger.ComponentLogger("server")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		coord:          coord,
		allowedOrigins: cfg.AllowedOrigins,
		logger:         log,
		mux:            http.NewServeMux(),
		ctx:            ctx,
		cancel:         cancel,
		clients:        make(map[*Client]bool),
	}
	s.setupHTTPRoutes()
	return s
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler { return s.mux }

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	s.mux.HandleFunc("/api/transfers", s.corsMiddleware(s.HandleTransfers)) // List (GET) and submit (POST)
	s.mux.HandleFunc("/api/transfers/", s.corsMiddleware(s.HandleTransfer)) // Get, cancel, purge
	s.mux.HandleFunc("/ws", s.corsMiddleware(s.HandleWebSocket))            // Event stream, ?job=<id> narrows it
	s.mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
}

// corsMiddleware sets CORS headers for allowed origins and answers preflights
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if s.getState() != ServerStateRunning && r.URL.Path != "/health" {
			writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
			return
		}

		next(w, r)
	}
}

// checkOrigin accepts requests without an Origin header (CLI and other
// non-browser clients) and browser origins matching the configured prefixes.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", newState.String())
}

// ListenAndServe listens on addr and serves until Stop is called
func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		addr = am.DefaultServerAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "failed to listen on %s", addr),
			"set server.addr in am.toml or pass --addr to use another address")
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop is called
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Infow(sym.Pulse+" HTTP server listening", logger.FieldAddress, ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Stop drains the server: new requests are refused, websocket clients are
// disconnected and in-flight requests get ShutdownTimeout to finish. The
// coordinator is left running; its owner stops it.
func (s *Server) Stop() error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	s.mu.Lock()
	srv := s.httpServer
	clientsToClose := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clientsToClose = append(clientsToClose, client)
		delete(s.clients, client)
	}
	s.mu.Unlock()

	if len(clientsToClose) > 0 {
		s.logger.Infow("Closing client connections", logger.FieldCount, len(clientsToClose))
		for _, client := range clientsToClose {
			client.close()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	var err error
	if srv != nil {
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			err = errors.Wrap(shutdownErr, "http server shutdown")
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-ctx.Done():
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit", "timeout", ShutdownTimeout)
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete")
	return err
}

func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getState() != ServerStateRunning {
		return false
	}
	s.clients[c] = true
	return true
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
