package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/aromalink-core/internal/aromalink"
	"github.com/nerrad567/aromalink-core/internal/cloud"
	"github.com/nerrad567/aromalink-core/internal/device"
	"github.com/nerrad567/aromalink-core/internal/infrastructure/config"
	"github.com/nerrad567/aromalink-core/internal/infrastructure/logging"
	"github.com/nerrad567/aromalink-core/internal/push"
)

// shutdownGrace bounds how long Close waits for in-flight requests.
const shutdownGrace = 10 * time.Second

// ErrNotStarted is returned by HealthCheck before Start succeeds.
var ErrNotStarted = errors.New("api server not started")

// Core is the subset of *aromalink.Client the API serves.
type Core interface {
	Devices() []device.State
	GetState(id string) (device.State, bool)
	SendCommand(ctx context.Context, id string, cmd cloud.Command) (cloud.Ack, error)
	ConnectionState() push.State
	Stats() aromalink.Stats
	SubscribeAll(s device.Subscriber) device.Handle
	Unsubscribe(h device.Handle)
}

// Deps holds what New needs. Logger and Core are required.
type Deps struct {
	Config config.APIConfig
	WS     config.WebSocketConfig
	Logger *logging.Logger
	Core   Core

	// Metrics serves /metrics. Optional.
	Metrics http.Handler

	// MQTTConnected reports the bridge's broker connection. Optional.
	MQTTConnected func() bool

	Version string
}

// Server serves the REST API and the WebSocket stream over one listener.
type Server struct {
	cfg           config.APIConfig
	wsCfg         config.WebSocketConfig
	logger        *logging.Logger
	core          Core
	metrics       http.Handler
	mqttConnected func() bool
	version       string
	started       time.Time
	hub           *Hub

	mu      sync.Mutex
	httpSrv *http.Server
	addr    net.Addr
	handle  device.Handle
	cancel  context.CancelFunc
}

// New validates deps and builds an unstarted Server.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("api: logger is required")
	case deps.Core == nil:
		return nil, errors.New("api: core client is required")
	}

	s := &Server{
		cfg:           deps.Config,
		wsCfg:         deps.WS,
		logger:        deps.Logger,
		core:          deps.Core,
		metrics:       deps.Metrics,
		mqttConnected: deps.MQTTConnected,
		version:       deps.Version,
		started:       time.Now(),
		hub:           NewHub(deps.WS, deps.Logger),
	}
	s.hub.snapshot = s.channelSnapshot
	return s, nil
}

// channelSnapshot returns the states a new subscriber to channel starts from.
func (s *Server) channelSnapshot(channel string) []device.State {
	if channel == ChannelDevices {
		return s.core.Devices()
	}
	if id, ok := strings.CutPrefix(channel, deviceChannelPrefix); ok {
		if st, found := s.core.GetState(id); found {
			return []device.State{st}
		}
	}
	return nil
}

// Start binds the listener, starts the hub and serves in the background.
// A bind failure is returned here rather than logged later. The listener
// lives until Close; ctx only scopes the hub.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	hubCtx, cancel := context.WithCancel(ctx)
	srv := &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.ReadTimeout(),
		WriteTimeout:      s.cfg.WriteTimeout(),
		IdleTimeout:       s.cfg.IdleTimeout(),
	}

	s.mu.Lock()
	s.httpSrv, s.addr, s.cancel = srv, ln.Addr(), cancel
	s.handle = s.core.SubscribeAll(device.SubscriberFunc(s.hub.BroadcastState))
	s.mu.Unlock()

	go s.hub.Run(hubCtx)
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("API server stopped", "error", serveErr)
		}
	}()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ConnectionChanged broadcasts a push lifecycle change to WebSocket
// clients. Wire it to push.Hooks.OnStateChange.
func (s *Server) ConnectionChanged(state push.State) {
	s.hub.Broadcast(ChannelConnection, map[string]any{"state": state})
}

// Close drains in-flight requests for up to shutdownGrace and then drops
// what remains. Calling it more than once is safe.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel, handle := s.httpSrv, s.cancel, s.handle
	s.httpSrv, s.cancel = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.core.Unsubscribe(handle)
	cancel()

	ctx, done := context.WithTimeout(context.Background(), shutdownGrace)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports ErrNotStarted until Start has bound the listener.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv == nil {
		return ErrNotStarted
	}
	return nil
}
