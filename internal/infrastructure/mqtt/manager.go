package mqtt

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
	"github.com/nerrad567/homelink-core/internal/infrastructure/config"
)

// Manager owns one Session per tenant and routes operations by tenant ID.
// Sessions are created and connected on first use.
type Manager struct {
	cfg     config.MQTTConfig
	factory TransportFactory
	clock   clock.Clock
	logger  Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a manager. factory defaults to PahoFactory(cfg) and clk to the real clock.
func NewManager(cfg config.MQTTConfig, factory TransportFactory, clk clock.Clock) *Manager {
	if factory == nil {
		factory = PahoFactory(cfg)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		clock:    clk,
		logger:   noopLogger{},
		sessions: make(map[string]*Session),
	}
}

// SetLogger sets the logger for the manager and every session it creates.
func (m *Manager) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
	for _, s := range m.sessions {
		s.SetLogger(logger)
	}
}

// Session returns the tenant's session, creating and connecting it on first use.
//
// A broker that is down does not make this fail: the session is returned in
// the reconnecting state and keeps retrying, queueing publishes meanwhile.
func (m *Manager) Session(ctx context.Context, tenantID string) (*Session, error) {
	if !ValidSegment(tenantID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := m.sessions[tenantID]
	if !ok {
		s = NewSession(tenantID, sessionConfigFrom(m.cfg, tenantID), m.factory, m.clock)
		s.SetLogger(m.logger)
		m.sessions[tenantID] = s
	}
	m.mu.Unlock()

	if !ok {
		if err := s.Connect(ctx); err != nil {
			m.logger.Warn("mqtt session started disconnected, retrying in background",
				"tenant", tenantID, "error", err)
		}
	}
	return s, nil
}

// Lookup returns an existing session without creating one.
func (m *Manager) Lookup(tenantID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tenantID]
	return s, ok
}

// Publish sends a message through the tenant's session.
func (m *Manager) Publish(ctx context.Context, tenantID, topic string, payload []byte, qos byte) error {
	s, err := m.Session(ctx, tenantID)
	if err != nil {
		return err
	}
	return s.Publish(ctx, topic, payload, qos)
}

// PublishRetained sends a retained message through the tenant's session.
func (m *Manager) PublishRetained(ctx context.Context, tenantID, topic string, payload []byte) error {
	s, err := m.Session(ctx, tenantID)
	if err != nil {
		return err
	}
	return s.PublishRetained(ctx, topic, payload)
}

// Subscribe adds a reference to a channel in the tenant's session.
func (m *Manager) Subscribe(ctx context.Context, tenantID, filter string, qos byte) error {
	s, err := m.Session(ctx, tenantID)
	if err != nil {
		return err
	}
	return s.Subscribe(ctx, filter, qos)
}

// Unsubscribe drops a reference to a channel in the tenant's session.
func (m *Manager) Unsubscribe(ctx context.Context, tenantID, filter string) error {
	s, ok := m.Lookup(tenantID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, filter)
	}
	return s.Unsubscribe(ctx, filter)
}

// OnMessage registers a handler in the tenant's session.
func (m *Manager) OnMessage(ctx context.Context, tenantID, filter string, handler MessageHandler) error {
	s, err := m.Session(ctx, tenantID)
	if err != nil {
		return err
	}
	return s.OnMessage(filter, handler)
}

// OffMessage removes a handler from the tenant's session.
func (m *Manager) OffMessage(tenantID, filter string) {
	if s, ok := m.Lookup(tenantID); ok {
		s.OffMessage(filter)
	}
}

// Stats returns a snapshot of every session, sorted by tenant.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out
}

// HealthCheck reports an error naming every tenant whose session is not connected.
func (m *Manager) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	var down []string
	for _, st := range m.Stats() {
		if st.State != StateConnected.String() {
			down = append(down, st.Tenant+"="+st.State)
		}
	}
	if len(down) > 0 {
		return fmt.Errorf("%w: %s", ErrNotConnected, strings.Join(down, ", "))
	}
	return nil
}

// StopTenant closes and forgets the tenant's session.
func (m *Manager) StopTenant(tenantID string) {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	delete(m.sessions, tenantID)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Close closes every session. The manager cannot be used afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
	return nil
}
