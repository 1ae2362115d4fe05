package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/homelink-core/internal/capability"
	"github.com/nerrad567/homelink-core/internal/infrastructure/database/databasetest"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newSQLiteRegistry returns a registry over a migrated temporary database.
func newSQLiteRegistry(t *testing.T) (*Registry, *SQLiteStateHistoryRepository) {
	t.Helper()
	db := databasetest.Open(t)
	return NewRegistry(NewSQLiteRepository(db.DB)), NewSQLiteStateHistoryRepository(db.DB)
}

func mustCreate(t *testing.T, r *Registry, d *Device) *Device {
	t.Helper()
	if err := r.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice(%s) error = %v", d.ID, err)
	}
	return d
}

func acDevice(id string) *Device {
	return &Device{
		ID:       id,
		TenantID: "acme",
		Name:     "Living room AC " + id,
		Vendor:   capability.VendorGeneric,
		Category: "ac",
	}
}

// mockRepository is an in-memory Repository.
type mockRepository struct {
	mu      sync.Mutex
	devices map[string]*Device
	err     error // returned by every call when set
}

func newMockRepository() *mockRepository {
	return &mockRepository{devices: make(map[string]*Device)}
}

func (m *mockRepository) GetByID(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	d, ok := m.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return d.DeepCopy(), nil
}

func (m *mockRepository) List(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d.DeepCopy())
	}
	return out, nil
}

func (m *mockRepository) ListByTenant(ctx context.Context, tenantID string) ([]Device, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Device
	for _, d := range all {
		if d.TenantID == tenantID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockRepository) Create(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.devices[d.ID]; ok {
		return ErrDeviceExists
	}
	m.devices[d.ID] = d.DeepCopy()
	return nil
}

func (m *mockRepository) Update(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.devices[d.ID]; !ok {
		return ErrDeviceNotFound
	}
	m.devices[d.ID] = d.DeepCopy()
	return nil
}

func (m *mockRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.devices[id]; !ok {
		return ErrDeviceNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *mockRepository) UpdateState(_ context.Context, id string, state State, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.State = State(deepCopyMap(state))
	d.StateUpdatedAt = &at
	return nil
}

func (m *mockRepository) UpdateLiveness(_ context.Context, id string, liveness Liveness, lastSeen *time.Time, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Liveness = liveness
	d.LastSeen = lastSeen
	return nil
}
