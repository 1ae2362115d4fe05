package mqtt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MessageHandler is the callback signature for received messages.
//
// Handlers for one concrete topic run one at a time in arrival order.
// Different topics are handled concurrently. A returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// State is the connection state of a Session.
type State int

// Session states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type outbound struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type inbound struct {
	topic   string
	payload []byte
}

type subscription struct {
	qos  byte
	refs int
}

// mailbox serialises delivery for one concrete topic.
type mailbox struct {
	ch chan inbound
}

// Session is one tenant's broker connection.
//
// It moves disconnected → connecting → connected, and on transport loss to
// reconnecting, retrying with exponential backoff forever until Close.
// Reconnection reuses the same transport, client ID and subscription table.
//
// While connecting or reconnecting, publishes wait in a bounded FIFO that is
// flushed in order before the session reports connected.
//
// All methods are safe for concurrent use.
type Session struct {
	tenant    string
	cfg       SessionConfig
	transport Transport
	clock     clock.Clock
	logger    Logger

	mu             sync.Mutex
	state          State
	closed         bool
	queue          []outbound
	subs           map[string]*subscription
	brokerSubs     map[string]bool
	handlers       map[string]MessageHandler
	mailboxes      map[string]*mailbox
	attempt        int
	retryTimer     *clock.Timer
	everConnected  bool
	connectedAt    time.Time
	disconnectedAt time.Time

	workers sync.WaitGroup

	published  atomic.Uint64
	received   atomic.Uint64
	dropped    atomic.Uint64
	queued     atomic.Uint64
	rejected   atomic.Uint64
	reconnects atomic.Uint64
}

// NewSession creates a disconnected session. factory builds its transport.
func NewSession(tenantID string, cfg SessionConfig, factory TransportFactory, clk clock.Clock) *Session {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Session{
		tenant:     tenantID,
		cfg:        cfg.withDefaults(),
		clock:      clk,
		logger:     noopLogger{},
		subs:       make(map[string]*subscription),
		brokerSubs: make(map[string]bool),
		handlers:   make(map[string]MessageHandler),
		mailboxes:  make(map[string]*mailbox),
	}
	s.transport = factory(tenantID, TransportHandlers{
		OnMessage:        s.deliver,
		OnConnectionLost: s.connectionLost,
	})
	return s
}

// SetLogger sets the logger for the session.
func (s *Session) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Tenant returns the tenant ID the session serves.
func (s *Session) Tenant() string { return s.tenant }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the session. It returns once the first attempt has finished.
//
// A failed first attempt returns ErrConnectionFailed but the session stays
// alive in the reconnecting state and keeps retrying in the background.
// Calling Connect on a session that is already active is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	return s.attemptConnect(ctx)
}

// attemptConnect runs one connection attempt from the connecting state.
func (s *Session) attemptConnect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	if err := s.transport.Connect(ctx); err != nil {
		s.mu.Lock()
		if !s.closed {
			s.state = StateReconnecting
			s.scheduleRetryLocked()
		}
		s.mu.Unlock()
		s.logger.Warn("mqtt connection attempt failed", "tenant", s.tenant, "error", err)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	s.onConnected()
	return nil
}

// scheduleRetryLocked arms the next reconnect attempt. Caller holds s.mu.
func (s *Session) scheduleRetryLocked() {
	delay := s.cfg.Backoff.Delay(s.attempt)
	s.attempt++
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = s.clock.AfterFunc(delay, s.retry)
	s.logger.Info("mqtt reconnect scheduled", "tenant", s.tenant, "attempt", s.attempt, "delay", delay)
}

func (s *Session) retry() {
	s.mu.Lock()
	if s.closed || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.mu.Unlock()

	_ = s.attemptConnect(context.Background()) //nolint:errcheck // logged and rescheduled inside
}

// onConnected restores subscriptions and flushes the queue, then reports connected.
// Anything that arrives meanwhile is picked up before the state flips.
func (s *Session) onConnected() {
	s.mu.Lock()
	s.brokerSubs = make(map[string]bool) // clean session: the broker forgot everything
	reconnect := s.everConnected
	s.mu.Unlock()

	s.publishStatus("online", "")

	for {
		s.mu.Lock()
		if s.closed || s.state != StateConnecting {
			s.mu.Unlock()
			return
		}
		toSub, toUnsub := s.reconcileLocked()
		if len(toSub) == 0 && len(toUnsub) == 0 && len(s.queue) == 0 {
			s.state = StateConnected
			s.attempt = 0
			s.everConnected = true
			s.connectedAt = s.clock.Now()
			s.mu.Unlock()
			break
		}
		var next *outbound
		if len(toSub) == 0 && len(toUnsub) == 0 {
			m := s.queue[0]
			s.queue = s.queue[1:]
			next = &m
		}
		s.mu.Unlock()

		if err := s.syncSubscriptions(toSub, toUnsub); err != nil {
			s.connectionLost(err)
			return
		}
		if next == nil {
			continue
		}
		if err := s.publishNow(*next); err != nil {
			s.mu.Lock()
			s.queue = append([]outbound{*next}, s.queue...)
			s.mu.Unlock()
			s.connectionLost(err)
			return
		}
	}

	if reconnect {
		s.reconnects.Add(1)
		s.logger.Info("mqtt reconnected", "tenant", s.tenant)
	} else {
		s.logger.Info("mqtt connected", "tenant", s.tenant)
	}
}

// reconcileLocked returns the filters to subscribe and unsubscribe so the
// broker matches the subscription table.
func (s *Session) reconcileLocked() (toSub map[string]byte, toUnsub []string) {
	toSub = make(map[string]byte)
	for filter, sub := range s.subs {
		if !s.brokerSubs[filter] {
			toSub[filter] = sub.qos
		}
	}
	for filter := range s.brokerSubs {
		if _, ok := s.subs[filter]; !ok {
			toUnsub = append(toUnsub, filter)
		}
	}
	return toSub, toUnsub
}

func (s *Session) syncSubscriptions(toSub map[string]byte, toUnsub []string) error {
	for filter, qos := range toSub {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		err := s.transport.Subscribe(ctx, filter, qos)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, filter, err)
		}
		s.mu.Lock()
		s.brokerSubs[filter] = true
		s.mu.Unlock()
	}
	for _, filter := range toUnsub {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		err := s.transport.Unsubscribe(ctx, filter)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, filter, err)
		}
		s.mu.Lock()
		delete(s.brokerSubs, filter)
		s.mu.Unlock()
	}
	return nil
}

// connectionLost moves a live session to reconnecting and arms the backoff.
func (s *Session) connectionLost(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state == StateDisconnected || s.state == StateReconnecting {
		return
	}
	s.state = StateReconnecting
	s.disconnectedAt = s.clock.Now()
	s.logger.Warn("mqtt connection lost", "tenant", s.tenant, "error", err)
	s.scheduleRetryLocked()
}

// =============================================================================
// Publishing
// =============================================================================

// Publish sends a message to a concrete topic.
//
// Connected: sent immediately, waiting at most the publish timeout for the ack.
// Connecting or reconnecting: queued, or ErrQueueFull / ErrReconnecting.
// Disconnected: ErrNotConnected.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	return s.publish(ctx, outbound{topic: topic, payload: payload, qos: qos})
}

// PublishRetained publishes a retained message with the configured QoS.
func (s *Session) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	return s.publish(ctx, outbound{topic: topic, payload: payload, qos: s.cfg.QoS, retained: true})
}

func (s *Session) publish(ctx context.Context, m outbound) error {
	if err := validateTopic(m.topic); err != nil {
		return err
	}
	if m.qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(m.payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(m.payload), maxPayloadSize)
	}

	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return s.publishCtx(ctx, m)

	case StateConnecting, StateReconnecting:
		defer s.mu.Unlock()
		if s.cfg.PublishQueueSize == 0 {
			s.rejected.Add(1)
			return ErrReconnecting
		}
		if len(s.queue) >= s.cfg.PublishQueueSize {
			s.rejected.Add(1)
			s.logger.Warn("mqtt publish queue full", "tenant", s.tenant, "topic", m.topic, "capacity", s.cfg.PublishQueueSize)
			return fmt.Errorf("%w: %d messages pending", ErrQueueFull, len(s.queue))
		}
		m.payload = append([]byte(nil), m.payload...)
		s.queue = append(s.queue, m)
		s.queued.Add(1)
		return nil

	default:
		s.mu.Unlock()
		return ErrNotConnected
	}
}

func (s *Session) publishCtx(ctx context.Context, m outbound) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()
	if err := s.transport.Publish(ctx, m.topic, m.qos, m.retained, m.payload); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	s.published.Add(1)
	return nil
}

func (s *Session) publishNow(m outbound) error {
	return s.publishCtx(context.Background(), m)
}

// publishStatus writes the retained Core status for this tenant. It is not
// counted as a published message and failures are only logged.
func (s *Session) publishStatus(status, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
	defer cancel()
	payload := []byte(statusPayload(status, s.cfg.ClientID, reason))
	if err := s.transport.Publish(ctx, Topics{}.CoreStatus(s.tenant), 1, true, payload); err != nil {
		s.logger.Warn("mqtt status publish failed", "tenant", s.tenant, "status", status, "error", err)
	}
}

// =============================================================================
// Subscriptions
// =============================================================================

// Subscribe adds a reference to a channel filter. The broker subscription is
// made on the first reference; later calls only count.
//
// While not connected the reference is recorded and the broker subscription
// happens on connect.
func (s *Session) Subscribe(ctx context.Context, filter string, qos byte) error {
	if err := validateFilter(filter); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	sub, ok := s.subs[filter]
	if !ok {
		sub = &subscription{qos: qos}
		s.subs[filter] = sub
	}
	sub.refs++
	first := sub.refs == 1
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !first || !connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()
	if err := s.transport.Subscribe(ctx, filter, qos); err != nil {
		s.mu.Lock()
		if cur, ok := s.subs[filter]; ok {
			cur.refs--
			if cur.refs <= 0 {
				delete(s.subs, filter)
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	s.mu.Lock()
	if _, still := s.subs[filter]; still {
		s.brokerSubs[filter] = true
	}
	s.mu.Unlock()
	return nil
}

// Unsubscribe drops one reference. The broker unsubscribe happens when the
// count reaches zero. Unsubscribing a filter with no references returns
// ErrNotSubscribed and changes nothing.
func (s *Session) Unsubscribe(ctx context.Context, filter string) error {
	s.mu.Lock()
	sub, ok := s.subs[filter]
	if !ok || sub.refs <= 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotSubscribed, filter)
	}
	sub.refs--
	if sub.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, filter)
	// Outside the connected state the reconnect path reconciles the broker.
	if s.state != StateConnected || !s.brokerSubs[filter] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()
	if err := s.transport.Unsubscribe(ctx, filter); err != nil {
		// The broker still holds the subscription; keep it on record.
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}

	s.mu.Lock()
	if _, resubscribed := s.subs[filter]; !resubscribed {
		delete(s.brokerSubs, filter)
	}
	s.mu.Unlock()
	return nil
}

// RefCount returns the number of references held on a filter.
func (s *Session) RefCount(filter string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[filter]; ok {
		return sub.refs
	}
	return 0
}

// OnMessage sets the handler for messages matching filter, replacing any
// previous one. It does not subscribe at the broker.
func (s *Session) OnMessage(filter string, handler MessageHandler) error {
	if err := validateFilter(filter); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	s.mu.Lock()
	s.handlers[filter] = handler
	s.mu.Unlock()
	return nil
}

// OffMessage removes the handler for filter.
func (s *Session) OffMessage(filter string) {
	s.mu.Lock()
	delete(s.handlers, filter)
	s.mu.Unlock()
}

// =============================================================================
// Delivery
// =============================================================================

// deliver is the transport callback. It only enqueues so the transport's
// network loop never waits on a handler.
func (s *Session) deliver(topic string, payload []byte) {
	s.received.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	mb, ok := s.mailboxes[topic]
	if !ok {
		mb = &mailbox{ch: make(chan inbound, s.cfg.ChannelBuffer)}
		s.mailboxes[topic] = mb
		s.workers.Add(1)
		go s.drain(topic, mb)
	}

	select {
	case mb.ch <- inbound{topic: topic, payload: payload}:
	default:
		s.dropped.Add(1)
		s.logger.Warn("mqtt channel buffer full, message dropped",
			"tenant", s.tenant, "topic", topic, "buffer", s.cfg.ChannelBuffer)
	}
}

// drain handles one topic's messages in order and exits once the mailbox is empty.
func (s *Session) drain(topic string, mb *mailbox) {
	defer s.workers.Done()
	for {
		select {
		case msg := <-mb.ch:
			s.handle(msg)
		default:
			s.mu.Lock()
			if len(mb.ch) == 0 {
				if s.mailboxes[topic] == mb {
					delete(s.mailboxes, topic)
				}
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
		}
	}
}

func (s *Session) handle(msg inbound) {
	s.mu.Lock()
	var matched []MessageHandler
	filters := make([]string, 0, len(s.handlers))
	for filter := range s.handlers {
		if MatchTopic(filter, msg.topic) {
			filters = append(filters, filter)
		}
	}
	sort.Strings(filters)
	for _, f := range filters {
		matched = append(matched, s.handlers[f])
	}
	s.mu.Unlock()

	if len(matched) == 0 {
		s.logger.Debug("mqtt message without handler", "tenant", s.tenant, "topic", msg.topic)
		return
	}
	for _, h := range matched {
		s.invoke(h, msg)
	}
}

// invoke runs one handler with panic recovery.
func (s *Session) invoke(h MessageHandler, msg inbound) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("MQTT handler panic recovered", "tenant", s.tenant, "topic", msg.topic, "panic", r)
		}
	}()
	if err := h(msg.topic, msg.payload); err != nil {
		s.logger.Warn("MQTT handler returned error", "tenant", s.tenant, "topic", msg.topic, "error", err)
	}
}

// =============================================================================
// Lifecycle and stats
// =============================================================================

// Close publishes a graceful offline status, disconnects and waits for
// in-flight handlers. Queued publishes that were never sent are logged.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	wasConnected := s.state == StateConnected
	s.closed = true
	s.state = StateDisconnected
	s.disconnectedAt = s.clock.Now()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	discarded := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	if discarded > 0 {
		s.logger.Warn("mqtt session closed with queued publishes", "tenant", s.tenant, "discarded", discarded)
	}
	if wasConnected {
		s.publishStatus("offline", "graceful_shutdown")
	}
	s.transport.Disconnect()
	s.workers.Wait()
}

// Stats is a snapshot of session counters for dashboards.
type Stats struct {
	Tenant         string     `json:"tenant"`
	State          string     `json:"state"`
	Published      uint64     `json:"published"`
	Received       uint64     `json:"received"`
	Dropped        uint64     `json:"dropped"`
	Queued         uint64     `json:"queued"`
	Rejected       uint64     `json:"rejected"`
	Reconnects     uint64     `json:"reconnects"`
	QueueDepth     int        `json:"queue_depth"`
	Subscriptions  int        `json:"subscriptions"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Tenant:        s.tenant,
		State:         s.state.String(),
		Published:     s.published.Load(),
		Received:      s.received.Load(),
		Dropped:       s.dropped.Load(),
		Queued:        s.queued.Load(),
		Rejected:      s.rejected.Load(),
		Reconnects:    s.reconnects.Load(),
		QueueDepth:    len(s.queue),
		Subscriptions: len(s.subs),
	}
	if !s.connectedAt.IsZero() {
		t := s.connectedAt
		st.ConnectedAt = &t
	}
	if !s.disconnectedAt.IsZero() {
		t := s.disconnectedAt
		st.DisconnectedAt = &t
	}
	return st
}
