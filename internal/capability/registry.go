package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Logger defines the logging interface used by the registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a Logger that discards all output.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Store persists self-announced descriptors across restarts.
type Store interface {
	SaveAnnounced(ctx context.Context, deviceID string, d Descriptor) error
	LoadAnnounced(ctx context.Context) (map[string]Descriptor, error)
	DeleteAnnounced(ctx context.Context, deviceID string) error
}

// Registry resolves the capability descriptor of each device and caches it.
//
// The cache is owned by the instance; callers receive deep copies.
// All methods are safe for concurrent use.
type Registry struct {
	catalog *Catalog
	store   Store

	mu    sync.RWMutex
	cache map[string]Descriptor

	logger Logger
}

// NewRegistry creates a registry over a catalog. store may be nil.
func NewRegistry(catalog *Catalog, store Store) *Registry {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Registry{
		catalog: catalog,
		store:   store,
		cache:   make(map[string]Descriptor),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Restore loads persisted announcements into the cache.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	announced, err := r.store.LoadAnnounced(ctx)
	if err != nil {
		return fmt.Errorf("loading announced capabilities: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, d := range announced {
		d.Source = SourceAnnounced
		r.cache[id] = d
	}
	r.logger.Info("announced capabilities restored", "count", len(announced))
	return nil
}

// Resolve returns the descriptor for a device.
//
// Order: cached descriptor, catalog entry for (vendor, category), the vendor's
// fallback, and finally an empty descriptor. It never fails; an empty
// descriptor makes the device passthrough-only.
func (r *Registry) Resolve(deviceID string, vendor Vendor, category string) Descriptor {
	r.mu.RLock()
	cached, ok := r.cache[deviceID]
	r.mu.RUnlock()

	// A catalog entry is stale if the device was re-provisioned under another model.
	if ok && (cached.Source == SourceAnnounced || (cached.Vendor == vendor && cached.Category == category)) {
		return cached.DeepCopy()
	}

	d := r.lookup(vendor, category)

	r.mu.Lock()
	// An announcement may have landed while we were looking up.
	if current, exists := r.cache[deviceID]; exists && current.Source == SourceAnnounced {
		r.mu.Unlock()
		return current.DeepCopy()
	}
	r.cache[deviceID] = d
	r.mu.Unlock()

	if d.Source == SourceEmpty {
		r.logger.Warn("no capability schema for device, commands are passthrough-only",
			"device_id", deviceID, "vendor", vendor, "category", category)
	}
	return d.DeepCopy()
}

func (r *Registry) lookup(vendor Vendor, category string) Descriptor {
	if d, ok := r.catalog.Lookup(vendor, category); ok {
		return d
	}
	if d, ok := r.catalog.Fallback(vendor); ok {
		d.Category = category
		return d
	}
	return Descriptor{Vendor: vendor, Category: category, Source: SourceEmpty}
}

// announcement is the payload a device publishes on its announce channel.
type announcement struct {
	Category   string        `json:"category"`
	DataPoints []announcedDP `json:"dps"`
}

type announcedDP struct {
	Code         string            `json:"code"`
	Name         string            `json:"name"`
	Type         ValueType         `json:"type"`
	Mode         string            `json:"mode"` // ro, rw, wo
	VendorCode   string            `json:"vendor_code"`
	Unit         string            `json:"unit"`
	Range        *Range            `json:"range"`
	Values       []string          `json:"values"`
	VendorValues map[string]string `json:"vendor_values"`
	Encoding     Encoding          `json:"encoding"`
}

// RegisterAnnounced stores the schema a device declared for itself. It takes
// precedence over the catalog for that device until Forget is called.
//
// A malformed payload returns ErrInvalidAnnouncement and leaves the cache untouched.
func (r *Registry) RegisterAnnounced(ctx context.Context, deviceID string, vendor Vendor, payload []byte) (Descriptor, error) {
	if deviceID == "" {
		return Descriptor{}, fmt.Errorf("%w: device id is required", ErrInvalidAnnouncement)
	}

	var a announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidAnnouncement, err)
	}
	if len(a.DataPoints) == 0 {
		return Descriptor{}, fmt.Errorf("%w: no data points", ErrInvalidAnnouncement)
	}

	d := Descriptor{
		Vendor:     vendor,
		Category:   a.Category,
		DataPoints: make([]DataPoint, 0, len(a.DataPoints)),
		Source:     SourceAnnounced,
	}
	for _, adp := range a.DataPoints {
		dp := DataPoint{
			Code:         adp.Code,
			Name:         adp.Name,
			Type:         adp.Type,
			VendorCode:   adp.VendorCode,
			Unit:         adp.Unit,
			Range:        adp.Range,
			Values:       adp.Values,
			VendorValues: adp.VendorValues,
			Encoding:     adp.Encoding,
		}
		switch strings.ToLower(adp.Mode) {
		case "ro", "":
			dp.Readable = true
		case "rw":
			dp.Readable, dp.Writable = true, true
		case "wo":
			dp.Writable = true
		default:
			return Descriptor{}, fmt.Errorf("%w: data point %q has invalid mode %q", ErrInvalidAnnouncement, adp.Code, adp.Mode)
		}
		d.DataPoints = append(d.DataPoints, dp)
	}
	if err := d.validate(); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidAnnouncement, err)
	}

	if r.store != nil {
		if err := r.store.SaveAnnounced(ctx, deviceID, d); err != nil {
			// The in-memory schema still applies; it is lost on restart.
			r.logger.Error("failed to persist announced capabilities", "device_id", deviceID, "error", err)
		}
	}

	r.mu.Lock()
	r.cache[deviceID] = d
	r.mu.Unlock()

	r.logger.Info("device announced capabilities",
		"device_id", deviceID, "vendor", vendor, "category", d.Category, "data_points", len(d.DataPoints))
	return d.DeepCopy(), nil
}

// Get returns the cached descriptor without resolving.
func (r *Registry) Get(deviceID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.cache[deviceID]
	if !ok {
		return Descriptor{}, false
	}
	return d.DeepCopy(), true
}

// Invalidate drops a catalog-derived cache entry so the next Resolve re-reads
// the catalog. Announced descriptors are kept.
func (r *Registry) Invalidate(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.cache[deviceID]; ok && d.Source != SourceAnnounced {
		delete(r.cache, deviceID)
	}
}

// Forget removes everything known about a device, including a persisted announcement.
func (r *Registry) Forget(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	delete(r.cache, deviceID)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteAnnounced(ctx, deviceID); err != nil {
			return fmt.Errorf("deleting announced capabilities: %w", err)
		}
	}
	return nil
}

// CacheSize returns the number of cached descriptors.
func (r *Registry) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
