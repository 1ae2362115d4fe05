package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/homelink-core/internal/adapter"
	"github.com/nerrad567/homelink-core/internal/capability"
	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
	"github.com/nerrad567/homelink-core/internal/infrastructure/mqtt"
)

// Bus is the part of the Connection Manager the device layer uses.
// *mqtt.Manager satisfies it.
type Bus interface {
	Publish(ctx context.Context, tenantID, topic string, payload []byte, qos byte) error
	Subscribe(ctx context.Context, tenantID, filter string, qos byte) error
	Unsubscribe(ctx context.Context, tenantID, filter string) error
	OnMessage(ctx context.Context, tenantID, filter string, handler mqtt.MessageHandler) error
	OffMessage(tenantID, filter string)
}

// TelemetryWriter receives canonical state for time-series storage.
// Writes are fire-and-forget.
type TelemetryWriter interface {
	WriteDeviceState(tenantID, deviceID string, state map[string]any, at time.Time)
}

// SyncConfig tunes the Synchronizer.
type SyncConfig struct {
	// LivenessWindow is how long a device may stay silent before Sweep marks it offline.
	LivenessWindow time.Duration

	// QoS for status and announce subscriptions.
	QoS byte

	// HistoryRetention prunes state history older than this during sweeps. Zero keeps everything.
	HistoryRetention time.Duration
}

const (
	defaultLivenessWindow = 5 * time.Minute
	historyPruneInterval  = time.Hour
)

type channelKind int

const (
	channelStatus channelKind = iota
	channelAnnounce
)

type routeKey struct {
	tenant  string
	channel string
}

// binding is what Activate subscribed for one device.
type binding struct {
	tenant   string
	channels map[string]channelKind
}

// Synchronizer keeps device state in step with what devices report.
//
// Each active device has its status channel and announce channel subscribed
// through the Bus. Several devices may share a status channel; messages on a
// shared channel are routed by adapter.RoutingKey.
//
// Listeners run synchronously on the delivering channel's worker, so they
// observe one channel's events in arrival order and must not block.
type Synchronizer struct {
	devices      *Registry
	capabilities *capability.Registry
	bus          Bus
	clock        clock.Clock
	cfg          SyncConfig
	logger       Logger

	history   StateHistoryRepository
	telemetry TelemetryWriter

	// activation serialises Activate/Deactivate so bus registration
	// happens in the same order as the route table changes.
	activation sync.Mutex

	mu     sync.RWMutex
	active map[string]binding
	routes map[routeKey]map[string]struct{}

	listenersMu       sync.RWMutex
	nextListener      uint64
	changeListeners   map[uint64]func(ChangeEvent)
	livenessListeners map[uint64]func(LivenessEvent)

	lastPrune time.Time
}

// NewSynchronizer wires a synchronizer. clk defaults to the real clock.
func NewSynchronizer(devices *Registry, caps *capability.Registry, bus Bus, clk clock.Clock, cfg SyncConfig) *Synchronizer {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = defaultLivenessWindow
	}
	return &Synchronizer{
		devices:           devices,
		capabilities:      caps,
		bus:               bus,
		clock:             clk,
		cfg:               cfg,
		logger:            noopLogger{},
		active:            make(map[string]binding),
		routes:            make(map[routeKey]map[string]struct{}),
		changeListeners:   make(map[uint64]func(ChangeEvent)),
		livenessListeners: make(map[uint64]func(LivenessEvent)),
	}
}

// SetLogger sets the logger for the synchronizer.
func (s *Synchronizer) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetHistory enables the local state history. Failures to record are logged only.
func (s *Synchronizer) SetHistory(history StateHistoryRepository) {
	s.history = history
}

// SetTelemetry enables time-series export of reported state.
func (s *Synchronizer) SetTelemetry(w TelemetryWriter) {
	s.telemetry = w
}

// =============================================================================
// Activation
// =============================================================================

// Activate subscribes a device's status and announce channels.
// Activating an active device is a no-op.
func (s *Synchronizer) Activate(ctx context.Context, deviceID string) error {
	s.activation.Lock()
	defer s.activation.Unlock()

	s.mu.RLock()
	_, already := s.active[deviceID]
	s.mu.RUnlock()
	if already {
		return nil
	}

	dev, err := s.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	b := binding{
		tenant: dev.TenantID,
		channels: map[string]channelKind{
			dev.StatusChannel: channelStatus,
			mqtt.Topics{}.DeviceAnnounce(dev.TenantID, dev.ID): channelAnnounce,
		},
	}

	var bound []string
	for _, channel := range sortedChannels(b.channels) {
		if err := s.bind(ctx, dev.TenantID, dev.ID, channel, b.channels[channel]); err != nil {
			for _, c := range bound {
				s.unbind(ctx, dev.TenantID, dev.ID, c) //nolint:errcheck // best-effort rollback
			}
			return fmt.Errorf("activating device %s: %w", dev.ID, err)
		}
		bound = append(bound, channel)
	}

	s.mu.Lock()
	s.active[dev.ID] = b
	s.mu.Unlock()

	s.logger.Info("device activated", "device_id", dev.ID, "tenant", dev.TenantID, "status_channel", dev.StatusChannel)
	return nil
}

// Deactivate unsubscribes a device's channels. Deactivating an inactive
// device is a no-op.
func (s *Synchronizer) Deactivate(ctx context.Context, deviceID string) error {
	s.activation.Lock()
	defer s.activation.Unlock()

	s.mu.Lock()
	b, ok := s.active[deviceID]
	delete(s.active, deviceID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	for _, channel := range sortedChannels(b.channels) {
		if err := s.unbind(ctx, b.tenant, deviceID, channel); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("device deactivated", "device_id", deviceID, "tenant", b.tenant)
	return errors.Join(errs...)
}

// IsActive reports whether a device's channels are subscribed.
func (s *Synchronizer) IsActive(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.active[deviceID]
	return ok
}

// ActiveCount returns the number of active devices.
func (s *Synchronizer) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// bind adds deviceID to a channel route. The first device on a channel
// installs the handler; every device holds one subscription reference.
func (s *Synchronizer) bind(ctx context.Context, tenant, deviceID, channel string, kind channelKind) error {
	key := routeKey{tenant: tenant, channel: channel}

	s.mu.Lock()
	ids, exists := s.routes[key]
	if !exists {
		ids = make(map[string]struct{})
		s.routes[key] = ids
	}
	ids[deviceID] = struct{}{}
	s.mu.Unlock()

	if !exists {
		if err := s.bus.OnMessage(ctx, tenant, channel, s.handlerFor(key, kind)); err != nil {
			s.dropRoute(key, deviceID)
			return err
		}
	}
	if err := s.bus.Subscribe(ctx, tenant, channel, s.cfg.QoS); err != nil {
		if s.dropRoute(key, deviceID) {
			s.bus.OffMessage(tenant, channel)
		}
		return err
	}
	return nil
}

func (s *Synchronizer) unbind(ctx context.Context, tenant, deviceID, channel string) error {
	key := routeKey{tenant: tenant, channel: channel}
	err := s.bus.Unsubscribe(ctx, tenant, channel)
	if s.dropRoute(key, deviceID) {
		s.bus.OffMessage(tenant, channel)
	}
	if err != nil && !errors.Is(err, mqtt.ErrNotSubscribed) {
		return fmt.Errorf("unsubscribing %s: %w", channel, err)
	}
	return nil
}

// dropRoute removes deviceID from a route and reports whether the route is now empty.
func (s *Synchronizer) dropRoute(key routeKey, deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.routes[key]
	if !ok {
		return false
	}
	delete(ids, deviceID)
	if len(ids) == 0 {
		delete(s.routes, key)
		return true
	}
	return false
}

func (s *Synchronizer) handlerFor(key routeKey, kind channelKind) mqtt.MessageHandler {
	return func(_ string, payload []byte) error {
		deviceID, err := s.route(key, payload)
		if err != nil {
			s.logger.Warn("dropping message", "tenant", key.tenant, "channel", key.channel, "error", err)
			return nil
		}
		ctx := context.Background()
		switch kind {
		case channelAnnounce:
			return s.HandleAnnounce(ctx, deviceID, payload)
		default:
			// Malformed payloads are logged inside and are not handler failures.
			if err := s.HandleStatus(ctx, deviceID, payload); err != nil && !errors.Is(err, ErrMalformedPayload) {
				return err
			}
			return nil
		}
	}
}

// route picks the device a message belongs to. A channel bound to one device
// needs no routing key.
func (s *Synchronizer) route(key routeKey, payload []byte) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.routes[key]
	if len(ids) == 1 {
		for id := range ids {
			return id, nil
		}
	}
	rk := adapter.RoutingKey(payload)
	if _, ok := ids[rk]; ok && rk != "" {
		return rk, nil
	}
	return "", fmt.Errorf("%w: routing key %q on %s", ErrUnroutable, rk, key.channel)
}

func sortedChannels(m map[string]channelKind) []string {
	out := make([]string, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// Inbound messages
// =============================================================================

// HandleStatus applies one status payload to a device.
//
// A payload the device's adapter cannot parse is dropped: nothing is
// persisted, liveness is untouched and no event is emitted. Otherwise the
// parsed DPs are merged into the stored state, the device is marked online
// and a ChangeEvent goes to every listener.
func (s *Synchronizer) HandleStatus(ctx context.Context, deviceID string, payload []byte) error {
	dev, err := s.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	desc := s.capabilities.Resolve(dev.ID, dev.Vendor, dev.Category)
	parsed := adapter.For(dev.Vendor, desc).ParseState(payload)
	if parsed == nil {
		s.logger.Warn("unparseable status payload dropped",
			"device_id", dev.ID, "vendor", dev.Vendor, "bytes", len(payload))
		return fmt.Errorf("%w: device %s", ErrMalformedPayload, dev.ID)
	}
	patch := State(parsed)

	now := s.clock.Now().UTC()
	oldState, newState, changed, err := s.devices.ApplyState(ctx, dev.ID, patch, now)
	if err != nil {
		return fmt.Errorf("persisting state of %s: %w", dev.ID, err)
	}

	wentOnline, err := s.devices.SetLiveness(ctx, dev.ID, LivenessOnline, &now, now)
	if err != nil {
		s.logger.Error("failed to update liveness", "device_id", dev.ID, "error", err)
	}

	s.record(ctx, dev, patch, StateHistorySourceMQTT, now)

	s.emitChange(ChangeEvent{
		DeviceID:  dev.ID,
		TenantID:  dev.TenantID,
		OldState:  oldState,
		NewState:  newState,
		Reported:  patch.Keys(),
		Changed:   changed,
		Timestamp: now,
	})
	if wentOnline {
		s.emitLiveness(LivenessEvent{
			DeviceID: dev.ID, TenantID: dev.TenantID, Liveness: LivenessOnline, LastSeen: now, Timestamp: now,
		})
	}
	return nil
}

// HandleAnnounce registers the capabilities a device declares for itself.
func (s *Synchronizer) HandleAnnounce(ctx context.Context, deviceID string, payload []byte) error {
	dev, err := s.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if _, err := s.capabilities.RegisterAnnounced(ctx, dev.ID, dev.Vendor, payload); err != nil {
		s.logger.Warn("rejected capability announcement", "device_id", dev.ID, "error", err)
		return nil
	}
	return nil
}

// record writes history and telemetry. Both are best-effort.
func (s *Synchronizer) record(ctx context.Context, dev *Device, patch State, source string, at time.Time) {
	if s.history != nil {
		if err := s.history.RecordStateChange(ctx, dev.ID, patch, source, at); err != nil {
			s.logger.Warn("failed to record state history", "device_id", dev.ID, "error", err)
		}
	}
	if s.telemetry != nil {
		s.telemetry.WriteDeviceState(dev.TenantID, dev.ID, patch, at)
	}
}

// =============================================================================
// Listeners
// =============================================================================

// Subscribe registers fn for every ChangeEvent. The returned func removes it.
func (s *Synchronizer) Subscribe(fn func(ChangeEvent)) (cancel func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.nextListener++
	id := s.nextListener
	s.changeListeners[id] = fn
	return func() {
		s.listenersMu.Lock()
		delete(s.changeListeners, id)
		s.listenersMu.Unlock()
	}
}

// SubscribeLiveness registers fn for every LivenessEvent. The returned func removes it.
func (s *Synchronizer) SubscribeLiveness(fn func(LivenessEvent)) (cancel func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.nextListener++
	id := s.nextListener
	s.livenessListeners[id] = fn
	return func() {
		s.listenersMu.Lock()
		delete(s.livenessListeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Synchronizer) emitChange(ev ChangeEvent) {
	s.listenersMu.RLock()
	fns := make([]func(ChangeEvent), 0, len(s.changeListeners))
	for _, fn := range s.changeListeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		// Each listener gets its own copy of the state maps.
		cp := ev
		cp.OldState = State(deepCopyMap(ev.OldState))
		cp.NewState = State(deepCopyMap(ev.NewState))
		s.safeCall(func() { fn(cp) })
	}
}

func (s *Synchronizer) emitLiveness(ev LivenessEvent) {
	s.listenersMu.RLock()
	fns := make([]func(LivenessEvent), 0, len(s.livenessListeners))
	for _, fn := range s.livenessListeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		s.safeCall(func() { fn(ev) })
	}
}

func (s *Synchronizer) safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("device event listener panic recovered", "panic", r)
		}
	}()
	f()
}

// =============================================================================
// Liveness sweep
// =============================================================================

// Sweep marks online devices offline when they have been silent for longer
// than the liveness window. It returns how many devices went offline.
func (s *Synchronizer) Sweep(ctx context.Context) (int, error) {
	devices, err := s.devices.ListDevices(ctx)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.cfg.LivenessWindow)
	marked := 0
	for i := range devices {
		d := &devices[i]
		// The snapshot only picks candidates; the registry re-checks LastSeen.
		if d.Liveness != LivenessOnline || d.LastSeen == nil || !d.LastSeen.Before(cutoff) {
			continue
		}
		changed, lastSeen, err := s.devices.MarkOfflineIfStale(ctx, d.ID, cutoff, now)
		if err != nil {
			s.logger.Error("failed to mark device offline", "device_id", d.ID, "error", err)
			continue
		}
		if changed {
			marked++
			s.emitLiveness(LivenessEvent{
				DeviceID: d.ID, TenantID: d.TenantID, Liveness: LivenessOffline, LastSeen: lastSeen, Timestamp: now,
			})
		}
	}
	if marked > 0 {
		s.logger.Info("liveness sweep marked devices offline", "count", marked)
	}

	s.pruneHistory(ctx, now)
	return marked, nil
}

func (s *Synchronizer) pruneHistory(ctx context.Context, now time.Time) {
	if s.history == nil || s.cfg.HistoryRetention <= 0 || now.Sub(s.lastPrune) < historyPruneInterval {
		return
	}
	s.lastPrune = now
	n, err := s.history.PruneHistory(ctx, now.Add(-s.cfg.HistoryRetention))
	if err != nil {
		s.logger.Warn("state history prune failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("state history pruned", "deleted", n)
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Synchronizer) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("liveness sweep failed", "error", err)
			}
		}
	}
}
