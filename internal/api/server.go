package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/devserver/internal/audit"
	"github.com/nerrad567/devserver/internal/fault"
	"github.com/nerrad567/devserver/internal/infrastructure/config"
	"github.com/nerrad567/devserver/internal/infrastructure/logging"
	"github.com/nerrad567/devserver/internal/transport"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	// AdminDevice is the admin device of the served process. Polling and
	// device listing routes are commands of it.
	AdminDevice string

	// AdvertiseHost replaces a wildcard listen host in published endpoints.
	AdvertiseHost string

	// Audit serves GET /audit. It may be nil.
	Audit audit.Repository

	Version string
}

// Server is the HTTP transport backend of one device server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// Bind starts it; Close stops it.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	admin     string
	advertise string
	version   string
	hub       *Hub
	tickets   *ticketStore
	audit     audit.Repository

	mu        sync.RWMutex
	handler   transport.Handler
	server    *http.Server
	listener  net.Listener
	cancel    context.CancelFunc // cancels background goroutines on Close()
	startTime time.Time
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() or Bind() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.AdminDevice == "" {
		return nil, fmt.Errorf("admin device name is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		admin:     deps.AdminDevice,
		advertise: deps.AdvertiseHost,
		version:   deps.Version,
		tickets:   newTicketStore(),
		audit:     deps.Audit,
	}

	s.hub = NewHub(deps.WS, deps.Logger)

	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Bind implements transport.Binder. It starts the listener on first use
// and returns the RPC endpoint.
func (s *Server) Bind(ctx context.Context, h transport.Handler) ([]string, error) {
	s.mu.Lock()
	s.handler = h
	started := s.server != nil
	s.mu.Unlock()

	if !started {
		if err := s.Start(ctx); err != nil {
			s.mu.Lock()
			s.handler = nil
			s.mu.Unlock()
			return nil, fault.Wrap(err, fault.CommFailure, "cannot start the HTTP transport", "api.Bind")
		}
	}
	return []string{transport.FormatEndpoint(transport.SchemeHTTP, s.endpointAddr())}, nil
}

// Unbind implements transport.Binder. The listener keeps serving /health
// and the event stream; device routes fail until the next Bind.
func (s *Server) Unbind() error {
	s.mu.Lock()
	s.handler = nil
	s.mu.Unlock()
	return nil
}

func (s *Server) boundHandler() transport.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) endpointAddr() string {
	addr := s.Addr()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); (ip == nil || ip.IsUnspecified()) && s.advertise != "" {
		host = s.advertise
	}
	return net.JoinHostPort(host, port)
}

// Start begins listening for HTTP connections.
//
// The listener is opened synchronously so a busy port fails here; serving
// runs in a background goroutine until Close.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)

	s.listener = ln
	s.startTime = time.Now()
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.server, s.listener, s.handler = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	ctx, stop := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer stop()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.Addr() == "" {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// uptime returns the time since Start.
func (s *Server) uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}
