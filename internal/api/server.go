package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/symgrid/iot-cloud-apps/internal/action"
	"github.com/symgrid/iot-cloud-apps/internal/codec"
	"github.com/symgrid/iot-cloud-apps/internal/directory"
	"github.com/symgrid/iot-cloud-apps/internal/fanout"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/config"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Directory resolves users, checks device access and proxies requests.
type Directory interface {
	GetUser(ctx context.Context, auth string) (json.RawMessage, error)
	AccessDevice(ctx context.Context, auth, device string) (bool, error)
	Proxy(ctx context.Context, auth string, req directory.ProxyRequest) (directory.ProxyResponse, error)
}

// StateReader answers snapshot queries.
type StateReader interface {
	Query(ctx context.Context, device string) (map[string]codec.LiveValue, error)
}

// Subscriptions manages device subscriptions of socket clients.
type Subscriptions interface {
	Subscribe(client fanout.Client, device string) error
	Unsubscribe(client fanout.Client, device string)
	UnsubscribeAll(client fanout.Client)
}

// Actions submits client actions.
type Actions interface {
	Submit(ctx context.Context, req action.Request) (string, error)
}

// HealthCheck is one dependency reported by /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
	// Optional checks are reported but never fail the endpoint.
	Optional bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config        config.APIConfig
	WS            config.WebSocketConfig
	Logger        *logging.Logger
	Directory     Directory
	State         StateReader
	Subscriptions Subscriptions
	Actions       Actions
	Checks        []HealthCheck
	Version       string
}

// Server is the HTTP server of the routing core.
//
// It manages the HTTP listener, routes, middleware, and the websocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	logger  *logging.Logger
	dir     Directory
	state   StateReader
	subs    Subscriptions
	actions Actions
	checks  []HealthCheck
	version string
	server  *http.Server
	hub     *Hub
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Directory == nil {
		return nil, fmt.Errorf("directory is required")
	}
	if deps.State == nil {
		return nil, fmt.Errorf("state reader is required")
	}
	if deps.Subscriptions == nil {
		return nil, fmt.Errorf("subscriptions are required")
	}
	if deps.Actions == nil {
		return nil, fmt.Errorf("actions are required")
	}

	s := &Server{
		cfg:     deps.Config,
		wsCfg:   withWebSocketDefaults(deps.WS),
		logger:  deps.Logger,
		dir:     deps.Directory,
		state:   deps.State,
		subs:    deps.Subscriptions,
		actions: deps.Actions,
		checks:  deps.Checks,
		version: deps.Version,
		baseCtx: context.Background(),
	}
	s.hub = NewHub(s.logger, s.subs)
	return s, nil
}

// Start begins listening for HTTP connections.
//
// The listener is bound before Start returns, so a port in use is reported
// here; serving continues in a background goroutine until Close.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	s.baseCtx = srvCtx
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
		BaseContext:       func(net.Listener) context.Context { return srvCtx },
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// Websocket sessions are closed first; it then waits up to 10 seconds for
// in-flight requests to complete.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// Sessions returns the number of connected websocket clients.
func (s *Server) Sessions() int {
	return s.hub.ClientCount()
}

func withWebSocketDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 << 10
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return cfg
}
