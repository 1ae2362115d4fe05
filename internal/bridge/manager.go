package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/homelink-core/internal/capability"
	"github.com/nerrad567/homelink-core/internal/device"
	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
	"github.com/nerrad567/homelink-core/internal/infrastructure/config"
)

// Logger defines the logging interface used by the bridge manager.
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

// DeviceSource lists provisioned devices. *device.Registry satisfies it.
type DeviceSource interface {
	ListByVendor(ctx context.Context, tenantID string, vendor capability.Vendor) ([]device.Device, error)
}

// Activator binds devices to their channels. *device.Synchronizer satisfies it.
type Activator interface {
	Activate(ctx context.Context, deviceID string) error
	Deactivate(ctx context.Context, deviceID string) error
}

type bridgeKey struct {
	tenant string
	vendor capability.Vendor
}

// runningBridge is one started (tenant, vendor) pair.
type runningBridge struct {
	key       bridgeKey
	startedAt time.Time
	health    *HealthReporter

	mu      sync.Mutex
	devices map[string]struct{}
}

func (b *runningBridge) deviceIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.devices))
	for id := range b.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *runningBridge) has(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.devices[id]
	return ok
}

// Info describes a bridge for the admin surface.
type Info struct {
	Tenant         string            `json:"tenant"`
	Vendor         capability.Vendor `json:"vendor"`
	Running        bool              `json:"running"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	DevicesOffline int               `json:"devices_offline"`
}

// Manager starts and stops vendor bridges per tenant.
type Manager struct {
	devices   DeviceSource
	activator Activator
	publisher HealthPublisher
	clock     clock.Clock
	interval  time.Duration

	// lifecycle serialises Start, Stop and device membership changes so a
	// device is never activated for a bridge that is concurrently stopping.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	bridges map[bridgeKey]*runningBridge

	logger Logger
}

// NewManager creates a bridge manager. interval is the health report period;
// zero selects 30 seconds.
func NewManager(devices DeviceSource, activator Activator, publisher HealthPublisher, clk clock.Clock, interval time.Duration) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		devices:   devices,
		activator: activator,
		publisher: publisher,
		clock:     clk,
		interval:  interval,
		bridges:   make(map[bridgeKey]*runningBridge),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Start activates every device of vendor in the tenant and begins health
// reporting. If any activation fails the devices already activated are
// released and the bridge is not started.
func (m *Manager) Start(ctx context.Context, tenantID string, vendor capability.Vendor) (Info, error) {
	key, err := validateKey(tenantID, vendor)
	if err != nil {
		return Info{}, err
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.lookup(key) != nil {
		return Info{}, fmt.Errorf("%w: %s/%s", ErrBridgeRunning, tenantID, vendor)
	}

	devices, err := m.devices.ListByVendor(ctx, tenantID, vendor)
	if err != nil {
		return Info{}, fmt.Errorf("listing %s devices: %w", vendor, err)
	}

	b := &runningBridge{
		key:       key,
		startedAt: m.clock.Now(),
		devices:   make(map[string]struct{}, len(devices)),
	}
	for _, dev := range devices {
		if err := m.activator.Activate(ctx, dev.ID); err != nil {
			m.release(ctx, b.deviceIDs())
			return Info{}, fmt.Errorf("activating device %s: %w", dev.ID, err)
		}
		b.devices[dev.ID] = struct{}{}
	}

	b.health = newHealthReporter(tenantID, vendor, m.interval, m.publisher, m.clock, m.counterFor(b), m.logger)

	m.mu.Lock()
	m.bridges[key] = b
	m.mu.Unlock()

	b.health.Start()

	m.logger.Info("bridge started", "tenant", tenantID, "vendor", vendor, "devices", len(devices))
	return m.info(b), nil
}

// Stop deactivates the bridge's devices and publishes a final health report.
// Every device is released even if some deactivations fail.
func (m *Manager) Stop(ctx context.Context, tenantID string, vendor capability.Vendor) error {
	key, err := validateKey(tenantID, vendor)
	if err != nil {
		return err
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	b, ok := m.bridges[key]
	delete(m.bridges, key)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrBridgeNotRunning, tenantID, vendor)
	}

	errs := m.release(ctx, b.deviceIDs())
	b.health.Stop()

	m.logger.Info("bridge stopped", "tenant", tenantID, "vendor", vendor)
	if errs != nil {
		return fmt.Errorf("deactivating %s devices: %w", vendor, errs)
	}
	return nil
}

// release deactivates devices, returning every failure joined.
func (m *Manager) release(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := m.activator.Deactivate(ctx, id); err != nil {
			m.logger.Error("failed to deactivate device", "device_id", id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeviceAdded activates a newly provisioned device if its bridge is running.
func (m *Manager) DeviceAdded(ctx context.Context, dev *device.Device) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	b := m.lookup(bridgeKey{tenant: dev.TenantID, vendor: dev.Vendor})
	if b == nil {
		return nil
	}
	if err := m.activator.Activate(ctx, dev.ID); err != nil {
		return fmt.Errorf("activating device %s: %w", dev.ID, err)
	}
	b.mu.Lock()
	b.devices[dev.ID] = struct{}{}
	b.mu.Unlock()

	m.logger.Debug("device joined running bridge", "device_id", dev.ID, "tenant", dev.TenantID, "vendor", dev.Vendor)
	return nil
}

// DeviceRemoved deactivates a device that is leaving a running bridge.
func (m *Manager) DeviceRemoved(ctx context.Context, dev *device.Device) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	b := m.lookup(bridgeKey{tenant: dev.TenantID, vendor: dev.Vendor})
	if b == nil || !b.has(dev.ID) {
		return nil
	}
	if err := m.activator.Deactivate(ctx, dev.ID); err != nil {
		return fmt.Errorf("deactivating device %s: %w", dev.ID, err)
	}
	b.mu.Lock()
	delete(b.devices, dev.ID)
	b.mu.Unlock()

	m.logger.Debug("device left running bridge", "device_id", dev.ID, "tenant", dev.TenantID, "vendor", dev.Vendor)
	return nil
}

// StartAll starts the configured autostart bridges. A failing bridge is
// logged and does not prevent the others from starting.
func (m *Manager) StartAll(ctx context.Context, autostart []config.BridgeStartConfig) error {
	var errs []error
	for _, bc := range autostart {
		vendor := capability.ParseVendor(bc.Vendor)
		if _, err := m.Start(ctx, bc.Tenant, vendor); err != nil {
			m.logger.Error("failed to autostart bridge", "tenant", bc.Tenant, "vendor", vendor, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every running bridge.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	keys := make([]bridgeKey, 0, len(m.bridges))
	for k := range m.bridges {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	for _, k := range keys {
		if err := m.Stop(ctx, k.tenant, k.vendor); err != nil && !errors.Is(err, ErrBridgeNotRunning) {
			m.logger.Warn("error stopping bridge", "tenant", k.tenant, "vendor", k.vendor, "error", err)
		}
	}
}

// IsRunning reports whether the (tenant, vendor) bridge is started.
func (m *Manager) IsRunning(tenantID string, vendor capability.Vendor) bool {
	return m.lookup(bridgeKey{tenant: tenantID, vendor: vendor}) != nil
}

// List returns one entry per known vendor for the tenant, running or not.
func (m *Manager) List(tenantID string) []Info {
	vendors := capability.AllVendors()
	out := make([]Info, 0, len(vendors))
	for _, v := range vendors {
		if b := m.lookup(bridgeKey{tenant: tenantID, vendor: v}); b != nil {
			out = append(out, m.info(b))
			continue
		}
		out = append(out, Info{Tenant: tenantID, Vendor: v})
	}
	return out
}

// RunningCount returns the number of started bridges across all tenants.
func (m *Manager) RunningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bridges)
}

func (m *Manager) lookup(key bridgeKey) *runningBridge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bridges[key]
}

func (m *Manager) info(b *runningBridge) Info {
	managed, offline := m.counterFor(b)()
	started := b.startedAt
	return Info{
		Tenant:         b.key.tenant,
		Vendor:         b.key.vendor,
		Running:        true,
		StartedAt:      &started,
		DevicesManaged: managed,
		DevicesOffline: offline,
	}
}

// counterFor counts the bridge's devices by liveness from the device source.
func (m *Manager) counterFor(b *runningBridge) deviceCounter {
	return func() (int, int) {
		devices, err := m.devices.ListByVendor(context.Background(), b.key.tenant, b.key.vendor)
		if err != nil {
			m.logger.Warn("failed to list bridge devices", "tenant", b.key.tenant, "vendor", b.key.vendor, "error", err)
			return len(b.deviceIDs()), 0
		}
		managed, offline := 0, 0
		for _, d := range devices {
			if !b.has(d.ID) {
				continue
			}
			managed++
			if d.Liveness != device.LivenessOnline {
				offline++
			}
		}
		return managed, offline
	}
}

func validateKey(tenantID string, vendor capability.Vendor) (bridgeKey, error) {
	if tenantID == "" {
		return bridgeKey{}, ErrInvalidTenant
	}
	if !vendor.IsKnown() {
		return bridgeKey{}, fmt.Errorf("%w: %q", ErrUnknownVendor, vendor)
	}
	return bridgeKey{tenant: tenantID, vendor: vendor}, nil
}
