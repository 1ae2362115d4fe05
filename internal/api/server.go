package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/homelink-core/internal/audit"
	"github.com/nerrad567/homelink-core/internal/automation"
	"github.com/nerrad567/homelink-core/internal/bridge"
	"github.com/nerrad567/homelink-core/internal/capability"
	"github.com/nerrad567/homelink-core/internal/device"
	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
	"github.com/nerrad567/homelink-core/internal/infrastructure/config"
	"github.com/nerrad567/homelink-core/internal/infrastructure/logging"
	"github.com/nerrad567/homelink-core/internal/infrastructure/mqtt"
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
	Clock    clock.Clock

	Devices      *device.Registry
	Syncer       *device.Synchronizer
	Commander    *device.Commander
	Capabilities *capability.Registry
	History      device.StateHistoryRepository // optional

	Rules       *automation.RuleRegistry
	RuleEngine  *automation.RuleEngine
	Scenes      *automation.SceneRegistry
	SceneEngine *automation.SceneEngine

	Bridges *bridge.Manager
	Audit   audit.Repository // optional
	MQTT    *mqtt.Manager    // optional; connection stats are empty without it

	// Hub is shared with the automation engines so they can broadcast.
	// The server creates its own when nil.
	Hub *Hub

	Version string
}

// Server is the administrative HTTP API for HomeLink Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg    config.APIConfig
	wsCfg  config.WebSocketConfig
	secCfg config.SecurityConfig
	logger *logging.Logger
	clock  clock.Clock

	devices      *device.Registry
	syncer       *device.Synchronizer
	commander    *device.Commander
	capabilities *capability.Registry
	history      device.StateHistoryRepository

	rules       *automation.RuleRegistry
	ruleEngine  *automation.RuleEngine
	scenes      *automation.SceneRegistry
	sceneEngine *automation.SceneEngine

	bridges *bridge.Manager
	mqtt    *mqtt.Manager

	auditRepo audit.Repository
	auditCh   chan *audit.AuditLog

	version   string
	startedAt time.Time

	server *http.Server
	hub    *Hub

	bgCtx   context.Context    // parent of background work; cancelled by Close()
	cancel  context.CancelFunc // cancels background goroutines on Close()
	bgWG    sync.WaitGroup
	unsubFn []func()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Syncer == nil || deps.Commander == nil {
		return nil, fmt.Errorf("device synchronizer and commander are required")
	}
	if deps.Capabilities == nil {
		return nil, fmt.Errorf("capability registry is required")
	}
	if deps.Rules == nil || deps.RuleEngine == nil {
		return nil, fmt.Errorf("rule registry and engine are required")
	}
	if deps.Scenes == nil || deps.SceneEngine == nil {
		return nil, fmt.Errorf("scene registry and engine are required")
	}
	if deps.Bridges == nil {
		return nil, fmt.Errorf("bridge manager is required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}

	s := &Server{
		cfg:          deps.Config,
		wsCfg:        deps.WS,
		secCfg:       deps.Security,
		logger:       deps.Logger,
		clock:        clk,
		devices:      deps.Devices,
		syncer:       deps.Syncer,
		commander:    deps.Commander,
		capabilities: deps.Capabilities,
		history:      deps.History,
		rules:        deps.Rules,
		ruleEngine:   deps.RuleEngine,
		scenes:       deps.Scenes,
		sceneEngine:  deps.SceneEngine,
		bridges:      deps.Bridges,
		mqtt:         deps.MQTT,
		auditRepo:    deps.Audit,
		version:      deps.Version,
		startedAt:    clk.Now(),
		hub:          deps.Hub,
		bgCtx:        context.Background(),
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	if s.auditRepo != nil {
		s.auditCh = make(chan *audit.AuditLog, auditChanSize)
	}

	return s, nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and the audit writer, relays device events to
// WebSocket clients, and launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	s.startBackground(ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// startBackground runs everything Start needs besides the listener.
func (s *Server) startBackground(ctx context.Context) {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	s.bgCtx = srvCtx

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.hub.Run(srvCtx)
	}()

	if s.auditCh != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.drainAuditLog(srvCtx)
		}()
	}

	s.relayDeviceEvents()
}

// backgroundCtx is the context for work that outlives its request.
func (s *Server) backgroundCtx() context.Context {
	return s.bgCtx
}

// relayDeviceEvents forwards synchronizer events to WebSocket clients of the
// device's tenant.
func (s *Server) relayDeviceEvents() {
	s.unsubFn = append(s.unsubFn,
		s.syncer.Subscribe(func(ev device.ChangeEvent) {
			s.hub.Broadcast(ChannelDeviceState, ev)
		}),
		s.syncer.SubscribeLiveness(func(ev device.LivenessEvent) {
			s.hub.Broadcast(ChannelDeviceLiveness, ev)
		}),
	)
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	for _, unsub := range s.unsubFn {
		unsub()
	}
	s.unsubFn = nil

	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		s.logger.Info("API server shutting down")
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("shutting down API server: %w", shutdownErr)
		}
	}

	s.bgWG.Wait()
	return err
}

// HealthCheck verifies the API server is running and responsive.
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
