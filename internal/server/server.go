// Package server exposes the HTTP and WebSocket API.
//
// The layer is deliberately thin: handlers validate input, resolve
// authentication, and delegate to the session manager, the buffer
// aggregator, or the HQ registry. Requests for sessions hosted on a
// federated remote are proxied verbatim.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/vibetunnel/vibetunnel/internal/buffers"
	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/hq"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

const (
	requestTimeout = 30 * time.Second
	drainGrace     = 10 * time.Second
)

// AuthFunc answers whether a request is allowed. The credential scheme
// is supplied by the embedder; the server only asks yes or no.
type AuthFunc func(*http.Request) bool

// AllowAll is the --no-auth predicate.
func AllowAll(*http.Request) bool { return true }

// BearerAuth accepts requests presenting the given bearer token.
func BearerAuth(token string) AuthFunc {
	want := "Bearer " + token
	return func(r *http.Request) bool {
		return r.Header.Get("Authorization") == want
	}
}

// Server is the HTTP/WS front end.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	mgr      *session.Manager
	agg      *buffers.Aggregator
	registry *hq.Registry // non-nil in HQ mode
	hqClient *hq.Client   // non-nil in remote mode
	auth     AuthFunc

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	draining atomic.Bool

	connMu sync.Mutex
	conns  map[*websocket.Conn]bool
}

// Options wires the server's collaborators.
type Options struct {
	Config   *config.Config
	Version  string
	Manager  *session.Manager
	Buffers  *buffers.Aggregator
	Registry *hq.Registry
	HQClient *hq.Client
	Auth     AuthFunc
	Logger   *slog.Logger
}

// New assembles the server and its route table.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := opts.Auth
	if auth == nil {
		auth = AllowAll
	}
	s := &Server{
		cfg:      opts.Config,
		logger:   logger,
		version:  opts.Version,
		mgr:      opts.Manager,
		agg:      opts.Buffers,
		registry: opts.Registry,
		hqClient: opts.HQClient,
		auth:     auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]bool),
	}

	router := httprouter.New()
	router.GET("/api/health", s.wrap(s.handleHealth, false))
	router.GET("/api/sessions", s.wrap(s.handleListSessions, true))
	router.POST("/api/sessions", s.wrap(s.handleCreateSession, true))
	router.GET("/api/sessions/:id", s.wrap(s.handleGetSession, true))
	router.DELETE("/api/sessions/:id", s.wrap(s.handleDeleteSession, true))
	router.POST("/api/sessions/:id/input", s.wrap(s.handleInput, true))
	router.POST("/api/sessions/:id/resize", s.wrap(s.handleResize, true))
	router.POST("/api/sessions/:id/rename", s.wrap(s.handleRename, true))
	router.GET("/api/sessions/:id/stream", s.wrapStream(s.handleStream, true))
	router.GET("/api/config", s.wrap(s.handleGetConfig, true))
	router.PUT("/api/config", s.wrap(s.handlePutConfig, true))
	if s.registry != nil {
		router.GET("/api/remotes", s.wrap(s.handleListRemotes, true))
		router.POST("/api/remotes", s.wrap(s.handleRegisterRemote, true))
		router.DELETE("/api/remotes/:name", s.wrap(s.handleUnregisterRemote, true))
		router.POST("/api/remotes/:name/refresh-sessions", s.wrap(s.handleRefreshRemote, true))
	}
	router.GET("/ws/input/:id", s.wrapStream(s.handleWSInput, true))
	router.GET("/ws/buffers", s.wrapStream(s.handleWSBuffers, true))

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Config.Bind, opts.Config.Port),
		Handler: router,
	}
	return s
}

// wrap applies the drain check, authentication, and the default request
// deadline to a handler.
func (s *Server) wrap(h httprouter.Handle, authed bool) httprouter.Handle {
	return s.wrapStream(func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		h(w, r.WithContext(ctx), ps)
	}, authed)
}

// wrapStream is wrap without the deadline, for WebSocket upgrades and
// live streams that outlast any fixed timeout.
func (s *Server) wrapStream(h httprouter.Handle, authed bool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if s.draining.Load() {
			w.Header().Set("Retry-After", "5")
			writeError(w, session.ErrShuttingDown)
			return
		}
		if authed && !s.auth(r) {
			writeError(w, session.ErrUnauthorized)
			return
		}
		h(w, r, ps)
	}
}

// Run starts serving and blocks until the listener closes.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpSrv.Addr, err)
	}
	s.logger.Info("Server listening", "addr", ln.Addr().String(), "version", s.version)
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpSrv.Addr }

// Handler exposes the route table, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Shutdown drains the server: new requests get 503, in-flight requests
// have 10 s to finish, WebSockets are closed with 1001, and recordings
// are flushed. Child processes are not killed; sessions survive on disk.
func (s *Server) Shutdown(ctx context.Context) {
	s.draining.Store(true)
	if s.hqClient != nil {
		s.hqClient.BeginShutdown()
	}

	s.closeWebsockets()

	drainCtx, cancel := context.WithTimeout(ctx, drainGrace)
	defer cancel()
	if err := s.httpSrv.Shutdown(drainCtx); err != nil {
		s.logger.Warn("HTTP drain incomplete", "error", err)
	}

	s.mgr.Shutdown()
	if s.hqClient != nil {
		unregCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.hqClient.Unregister(unregCtx); err != nil {
			s.logger.Debug("HQ unregister failed", "error", err)
		}
	}
	if s.registry != nil {
		s.registry.Stop()
	}
	s.logger.Info("Server stopped")
}

// trackConn registers a live websocket for shutdown closing.
func (s *Server) trackConn(c *websocket.Conn) {
	s.connMu.Lock()
	s.conns[c] = true
	s.connMu.Unlock()
}

func (s *Server) untrackConn(c *websocket.Conn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

func (s *Server) closeWebsockets() {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	s.connMu.Lock()
	for c := range s.conns {
		c.WriteControl(websocket.CloseMessage, msg, deadline)
		c.Close()
	}
	s.conns = make(map[*websocket.Conn]bool)
	s.connMu.Unlock()
}
