package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/homelink-core/internal/capability"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating CRUD operations.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Device
	cacheMu sync.RWMutex

	// stateMu serialises read-merge-write of device state so concurrent
	// reports for one device resolve last-write-wins by arrival.
	stateMu sync.Mutex

	logger Logger
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.ID] = d.DeepCopy()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	// Fall back to repository (might be a device created by another process)
	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = device.DeepCopy()
	r.cacheMu.Unlock()

	return device, nil
}

// GetTenantDevice retrieves a device and checks it belongs to tenantID.
// A device of another tenant is reported as not found.
func (r *Registry) GetTenantDevice(ctx context.Context, tenantID, id string) (*Device, error) {
	d, err := r.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.TenantID != tenantID {
		return nil, ErrDeviceNotFound
	}
	return d, nil
}

// ListDevices retrieves all devices, sorted by tenant then name.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	return r.filter(ctx, func(*Device) bool { return true })
}

// ListByTenant retrieves the devices of one tenant, sorted by name.
func (r *Registry) ListByTenant(ctx context.Context, tenantID string) ([]Device, error) {
	return r.filter(ctx, func(d *Device) bool { return d.TenantID == tenantID })
}

// ListByVendor retrieves the devices of one tenant that speak vendor.
func (r *Registry) ListByVendor(ctx context.Context, tenantID string, vendor capability.Vendor) ([]Device, error) {
	return r.filter(ctx, func(d *Device) bool { return d.TenantID == tenantID && d.Vendor == vendor })
}

func (r *Registry) filter(ctx context.Context, keep func(*Device) bool) ([]Device, error) {
	r.cacheMu.RLock()
	empty := len(r.cache) == 0
	r.cacheMu.RUnlock()
	if empty {
		// Cold cache: load it once so filters see every device.
		if err := r.RefreshCache(ctx); err != nil {
			return nil, err
		}
	}

	r.cacheMu.RLock()
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		if keep(d) {
			devices = append(devices, *d.DeepCopy())
		}
	}
	r.cacheMu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].TenantID != devices[j].TenantID {
			return devices[i].TenantID < devices[j].TenantID
		}
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].ID < devices[j].ID
	})
	return devices, nil
}

// CreateDevice provisions a new device.
// It fills defaults, validates the device, and persists it.
func (r *Registry) CreateDevice(ctx context.Context, device *Device) error {
	ApplyDefaults(device)
	if err := ValidateDevice(device); err != nil {
		return err
	}

	if err := r.repo.Create(ctx, device); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device created", "id", device.ID, "tenant", device.TenantID, "vendor", device.Vendor)
	return nil
}

// UpdateDevice updates the provisioning fields of a device. The tenant,
// state and liveness of the stored device are kept.
func (r *Registry) UpdateDevice(ctx context.Context, device *Device) error {
	existing, err := r.GetDevice(ctx, device.ID)
	if err != nil {
		return err
	}
	device.TenantID = existing.TenantID
	device.State = existing.State
	device.StateUpdatedAt = existing.StateUpdatedAt
	device.Liveness = existing.Liveness
	device.LastSeen = existing.LastSeen
	device.CreatedAt = existing.CreatedAt

	ApplyDefaults(device)
	if err := ValidateDevice(device); err != nil {
		return err
	}
	if err := r.repo.Update(ctx, device); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device updated", "id", device.ID, "name", device.Name)
	return nil
}

// DeleteDevice removes a device. Callers must deactivate it first.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// ApplyState merges patch into the device's state and persists it.
// It returns the state before and after, and the patch keys whose value changed.
func (r *Registry) ApplyState(ctx context.Context, id string, patch State, at time.Time) (old, merged State, changed []string, err error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	current, err := r.GetDevice(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	merged, changed = current.State.Merge(patch)
	if err := ValidateState(merged); err != nil {
		return nil, nil, nil, err
	}

	if err := r.repo.UpdateState(ctx, id, merged, at); err != nil {
		return nil, nil, nil, err
	}

	at = at.UTC()
	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		updated.State = State(deepCopyMap(merged))
		updated.StateUpdatedAt = &at
		updated.UpdatedAt = at
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Debug("device state updated", "id", id, "changed", changed)
	return current.State, merged, changed, nil
}

// SetLiveness records a device's liveness. lastSeen may be nil to keep the
// stored value. It reports whether the liveness value changed.
func (r *Registry) SetLiveness(ctx context.Context, id string, liveness Liveness, lastSeen *time.Time, at time.Time) (bool, error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	current, err := r.GetDevice(ctx, id)
	if err != nil {
		return false, err
	}
	if lastSeen == nil {
		lastSeen = current.LastSeen
	} else {
		ls := lastSeen.UTC()
		lastSeen = &ls
	}

	if err := r.repo.UpdateLiveness(ctx, id, liveness, lastSeen, at); err != nil {
		return false, err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		updated.Liveness = liveness
		updated.LastSeen = lastSeen
		updated.UpdatedAt = at.UTC()
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	changed := current.Liveness != liveness
	if changed {
		r.logger.Info("device liveness changed", "id", id, "liveness", liveness)
	}
	return changed, nil
}

// MarkOfflineIfStale marks a device offline when it is online and was last
// seen before cutoff. The check and the write happen under the state lock so a
// report that lands after the caller's snapshot keeps the device online.
// It returns whether the device went offline and the last-seen time it kept.
func (r *Registry) MarkOfflineIfStale(ctx context.Context, id string, cutoff, at time.Time) (bool, time.Time, error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	current, err := r.GetDevice(ctx, id)
	if err != nil {
		return false, time.Time{}, err
	}
	if current.Liveness != LivenessOnline || current.LastSeen == nil || !current.LastSeen.Before(cutoff) {
		return false, time.Time{}, nil
	}
	lastSeen := *current.LastSeen

	if err := r.repo.UpdateLiveness(ctx, id, LivenessOffline, &lastSeen, at); err != nil {
		return false, time.Time{}, err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		updated.Liveness = LivenessOffline
		updated.UpdatedAt = at.UTC()
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Info("device liveness changed", "id", id, "liveness", LivenessOffline)
	return true, lastSeen, nil
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices int                       `json:"total_devices"`
	ByTenant     map[string]int            `json:"by_tenant"`
	ByVendor     map[capability.Vendor]int `json:"by_vendor"`
	ByLiveness   map[Liveness]int          `json:"by_liveness"`
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		TotalDevices: len(r.cache),
		ByTenant:     make(map[string]int),
		ByVendor:     make(map[capability.Vendor]int),
		ByLiveness:   make(map[Liveness]int),
	}
	for _, d := range r.cache {
		stats.ByTenant[d.TenantID]++
		stats.ByVendor[d.Vendor]++
		stats.ByLiveness[d.Liveness]++
	}
	return stats
}
