package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/homelink-core/internal/capability"
	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
	"github.com/nerrad567/homelink-core/internal/infrastructure/mqtt"
)

// =============================================================================
// Test doubles
// =============================================================================

type publishedMessage struct {
	tenant  string
	topic   string
	payload []byte
	qos     byte
}

// fakeBus records subscriptions and delivers messages synchronously.
type fakeBus struct {
	mu         sync.Mutex
	refs       map[string]int
	handlers   map[string]mqtt.MessageHandler
	published  []publishedMessage
	publishErr error
	subErr     error
}

func newFakeBus() *fakeBus {
	return &fakeBus{refs: make(map[string]int), handlers: make(map[string]mqtt.MessageHandler)}
}

func busKey(tenant, filter string) string { return tenant + "|" + filter }

func (b *fakeBus) Publish(_ context.Context, tenant, topic string, payload []byte, qos byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, publishedMessage{tenant, topic, append([]byte(nil), payload...), qos})
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, tenant, filter string, _ byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return b.subErr
	}
	b.refs[busKey(tenant, filter)]++
	return nil
}

func (b *fakeBus) Unsubscribe(_ context.Context, tenant, filter string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := busKey(tenant, filter)
	if b.refs[k] == 0 {
		return mqtt.ErrNotSubscribed
	}
	b.refs[k]--
	if b.refs[k] == 0 {
		delete(b.refs, k)
	}
	return nil
}

func (b *fakeBus) OnMessage(_ context.Context, tenant, filter string, h mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[busKey(tenant, filter)] = h
	return nil
}

func (b *fakeBus) OffMessage(tenant, filter string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, busKey(tenant, filter))
}

func (b *fakeBus) deliver(t *testing.T, tenant, topic, payload string) {
	t.Helper()
	b.mu.Lock()
	h, ok := b.handlers[busKey(tenant, topic)]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("no handler for %s %s", tenant, topic)
	}
	if err := h(topic, []byte(payload)); err != nil {
		t.Fatalf("handler(%s) error = %v", topic, err)
	}
}

func (b *fakeBus) refCount(tenant, filter string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs[busKey(tenant, filter)]
}

func (b *fakeBus) hasHandler(tenant, filter string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[busKey(tenant, filter)]
	return ok
}

func (b *fakeBus) messages() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMessage(nil), b.published...)
}

type fakeTelemetry struct {
	mu     sync.Mutex
	writes []map[string]any
}

func (f *fakeTelemetry) WriteDeviceState(_, _ string, state map[string]any, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, state)
}

type eventRecorder struct {
	mu       sync.Mutex
	changes  []ChangeEvent
	liveness []LivenessEvent
}

func (r *eventRecorder) onChange(ev ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ev)
}

func (r *eventRecorder) onLiveness(ev LivenessEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liveness = append(r.liveness, ev)
}

func (r *eventRecorder) snapshot() ([]ChangeEvent, []LivenessEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChangeEvent(nil), r.changes...), append([]LivenessEvent(nil), r.liveness...)
}

type syncFixture struct {
	reg     *Registry
	history *SQLiteStateHistoryRepository
	caps    *capability.Registry
	bus     *fakeBus
	clock   *clock.FakeClock
	sync    *Synchronizer
	events  *eventRecorder
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	reg, history := newSQLiteRegistry(t)
	f := &syncFixture{
		reg:     reg,
		history: history,
		caps:    capability.NewRegistry(nil, nil),
		bus:     newFakeBus(),
		clock:   clock.Fake(testEpoch),
		events:  &eventRecorder{},
	}
	f.sync = NewSynchronizer(reg, f.caps, f.bus, f.clock, SyncConfig{LivenessWindow: 5 * time.Minute, QoS: 1})
	f.sync.Subscribe(f.events.onChange)
	f.sync.SubscribeLiveness(f.events.onLiveness)
	return f
}

func (f *syncFixture) activate(t *testing.T, d *Device) *Device {
	t.Helper()
	mustCreate(t, f.reg, d)
	if err := f.sync.Activate(context.Background(), d.ID); err != nil {
		t.Fatalf("Activate(%s) error = %v", d.ID, err)
	}
	return d
}

// =============================================================================
// Activation
// =============================================================================

func TestSynchronizer_ActivateDeactivate(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.activate(t, acDevice("ac-1"))

	if !f.sync.IsActive("ac-1") || f.sync.ActiveCount() != 1 {
		t.Fatal("device not active after Activate")
	}
	if f.bus.refCount("acme", "acme/ac-1/status") != 1 || f.bus.refCount("acme", "acme/ac-1/announce") != 1 {
		t.Errorf("refs = %v", f.bus.refs)
	}

	// Idempotent.
	if err := f.sync.Activate(ctx, "ac-1"); err != nil {
		t.Fatalf("second Activate() error = %v", err)
	}
	if f.bus.refCount("acme", "acme/ac-1/status") != 1 {
		t.Error("second Activate() subscribed again")
	}

	if err := f.sync.Deactivate(ctx, "ac-1"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	if f.sync.IsActive("ac-1") || f.bus.hasHandler("acme", "acme/ac-1/status") {
		t.Error("device still bound after Deactivate")
	}
	if err := f.sync.Deactivate(ctx, "ac-1"); err != nil {
		t.Errorf("Deactivate(inactive) error = %v", err)
	}

	if err := f.sync.Activate(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Activate(missing) error = %v", err)
	}
}

func TestSynchronizer_ActivateRollsBackOnSubscribeError(t *testing.T) {
	f := newSyncFixture(t)
	mustCreate(t, f.reg, acDevice("ac-1"))
	f.bus.subErr = errors.New("broker says no")

	if err := f.sync.Activate(context.Background(), "ac-1"); err == nil {
		t.Fatal("Activate() should fail when subscribing fails")
	}
	if f.sync.IsActive("ac-1") {
		t.Error("device marked active after failure")
	}
	if f.bus.hasHandler("acme", "acme/ac-1/announce") || f.bus.hasHandler("acme", "acme/ac-1/status") {
		t.Error("handlers left installed after failed Activate")
	}
}

func TestSynchronizer_SharedChannelRoutesByDeviceID(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	for _, id := range []string{"plug-1", "plug-2"} {
		d := &Device{ID: id, TenantID: "acme", Name: id, Vendor: capability.VendorGeneric, StatusChannel: "acme/gateway/status"}
		f.activate(t, d)
	}
	if f.bus.refCount("acme", "acme/gateway/status") != 2 {
		t.Fatalf("shared channel refs = %d, want 2", f.bus.refCount("acme", "acme/gateway/status"))
	}

	f.bus.deliver(t, "acme", "acme/gateway/status", `{"device_id":"plug-2","power":true}`)
	f.bus.deliver(t, "acme", "acme/gateway/status", `{"device_id":"nobody","power":true}`)

	p1, _ := f.reg.GetDevice(ctx, "plug-1")
	p2, _ := f.reg.GetDevice(ctx, "plug-2")
	if _, ok := p1.State["power"]; ok {
		t.Errorf("plug-1 received plug-2's state: %v", p1.State)
	}
	if p2.State["power"] != true {
		t.Errorf("plug-2 state = %v", p2.State)
	}

	// The channel stays subscribed while one device still uses it.
	if err := f.sync.Deactivate(ctx, "plug-1"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	if !f.bus.hasHandler("acme", "acme/gateway/status") || f.bus.refCount("acme", "acme/gateway/status") != 1 {
		t.Error("shared channel released while still in use")
	}

	// With one device left no routing key is needed.
	f.bus.deliver(t, "acme", "acme/gateway/status", `{"power":false}`)
	p2, _ = f.reg.GetDevice(ctx, "plug-2")
	if p2.State["power"] != false {
		t.Errorf("plug-2 state = %v, want power false", p2.State)
	}
}

// =============================================================================
// Status handling
// =============================================================================

func TestSynchronizer_StatusMergesState(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.activate(t, acDevice("ac-1"))

	f.bus.deliver(t, "acme", "acme/ac-1/status", `{"power":true,"mode":"cool"}`)
	f.clock.Advance(time.Second)
	f.bus.deliver(t, "acme", "acme/ac-1/status", `{"temperature":31}`)

	got, _ := f.reg.GetDevice(ctx, "ac-1")
	if got.State["power"] != true || got.State["mode"] != "cool" || got.State["temperature"] != 31.0 {
		t.Errorf("State = %v, want earlier keys preserved", got.State)
	}

	// The merge is persisted, not only cached.
	if err := f.reg.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	stored, _ := f.reg.GetDevice(ctx, "ac-1")
	if stored.State["mode"] != "cool" || stored.State["temperature"] != 31.0 {
		t.Errorf("stored state = %v", stored.State)
	}

	changes, _ := f.events.snapshot()
	if len(changes) != 2 {
		t.Fatalf("got %d change events, want 2", len(changes))
	}
	last := changes[1]
	if len(last.Reported) != 1 || last.Reported[0] != "temperature" {
		t.Errorf("Reported = %v", last.Reported)
	}
	if last.OldState["mode"] != "cool" || last.NewState["temperature"] != 31.0 {
		t.Errorf("event states = %v -> %v", last.OldState, last.NewState)
	}
	if !last.Timestamp.Equal(testEpoch.Add(time.Second)) {
		t.Errorf("Timestamp = %v", last.Timestamp)
	}
}

func TestSynchronizer_UnparseablePayloadIsDropped(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.activate(t, acDevice("ac-1"))
	f.activate(t, acDevice("ac-2"))

	f.bus.deliver(t, "acme", "acme/ac-1/status", `{not json`)

	got, _ := f.reg.GetDevice(ctx, "ac-1")
	if got.Liveness != LivenessOffline || got.LastSeen != nil {
		t.Errorf("liveness changed by a malformed payload: %q %v", got.Liveness, got.LastSeen)
	}
	if len(got.State) != 0 {
		t.Errorf("State = %v, want untouched", got.State)
	}
	changes, liveness := f.events.snapshot()
	if len(changes) != 0 || len(liveness) != 0 {
		t.Errorf("events emitted for malformed payload: %v %v", changes, liveness)
	}

	if err := f.sync.HandleStatus(ctx, "ac-1", []byte(`{not json`)); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("HandleStatus() error = %v, want ErrMalformedPayload", err)
	}

	// Other channels keep working.
	f.bus.deliver(t, "acme", "acme/ac-2/status", `{"power":true}`)
	other, _ := f.reg.GetDevice(ctx, "ac-2")
	if other.State["power"] != true {
		t.Errorf("ac-2 state = %v", other.State)
	}
}

func TestSynchronizer_IdenticalReportStillEmits(t *testing.T) {
	f := newSyncFixture(t)
	f.activate(t, acDevice("ac-1"))

	f.bus.deliver(t, "acme", "acme/ac-1/status", `{"temperature":31}`)
	f.bus.deliver(t, "acme", "acme/ac-1/status", `{"temperature":31}`)

	changes, _ := f.events.snapshot()
	if len(changes) != 2 {
		t.Fatalf("got %d events, want one per parsed report", len(changes))
	}
	if len(changes[1].Changed) != 0 || len(changes[1].Reported) != 1 {
		t.Errorf("second event Reported=%v Changed=%v", changes[1].Reported, changes[1].Changed)
	}
}

func TestSynchronizer_ListenersGetIndependentCopies(t *testing.T) {
	f := newSyncFixture(t)
	f.activate(t, acDevice("ac-1"))

	var second ChangeEvent
	f.sync.Subscribe(func(ev ChangeEvent) { ev.NewState["power"] = "tampered" })
	f.sync.Subscribe(func(ev ChangeEvent) { second = ev })

	f.bus.deliver(t, "acme", "acme/ac-1/status", `{"power":true}`)

	if second.NewState["power"] != true {
		t.Errorf("listener saw another listener's mutation: %v", second.NewState)
	}
	got, _ := f.reg.GetDevice(context.Background(), "ac-1")
	if got.State["power"] != true {
		t.Errorf("listener mutation reached the registry: %v", got.State)
	}
}

func TestSynchronizer_ListenerPanicAndCancel(t *testing.T) {
	f := newSyncFixture(t)
	f.activate(t, acDevice("ac-1"))

	f.sync.Subscribe(func(ChangeEvent) { panic("boom") })
	calls := 0
	cancel := f.sync.Subscribe(func(ChangeEvent) { calls++ })

	f.bus.deliver(t, "acme", "acme/ac-1/status", `{"power":true}`)
	cancel()
	f.bus.deliver(t, "acme", "acme/ac-1/status", `{"power":false}`)

	if calls != 1 {
		t.Errorf("cancelled listener called %d times, want 1", calls)
	}
	changes, _ := f.events.snapshot()
	if len(changes) != 2 {
		t.Errorf("recorder got %d events despite the panicking listener", len(changes))
	}
}

func TestSynchronizer_HistoryAndTelemetry(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	tele := &fakeTelemetry{}
	f.sync.SetHistory(f.history)
	f.sync.SetTelemetry(tele)
	f.activate(t, acDevice("ac-1"))

	f.bus.deliver(t, "acme", "acme/ac-1/status", `{"power":true,"temperature":24}`)

	entries, err := f.history.GetHistory(ctx, "ac-1", 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("GetHistory() = %d entries, err %v", len(entries), err)
	}
	if entries[0].Source != StateHistorySourceMQTT || entries[0].State["temperature"] != 24.0 {
		t.Errorf("history entry = %+v", entries[0])
	}

	tele.mu.Lock()
	defer tele.mu.Unlock()
	if len(tele.writes) != 1 || tele.writes[0]["power"] != true {
		t.Errorf("telemetry writes = %v", tele.writes)
	}
}

func TestSynchronizer_VendorPayloadIsCanonicalised(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.activate(t, &Device{ID: "kt-1", TenantID: "acme", Name: "Tuya AC", Vendor: capability.VendorTuya, Category: "kt"})

	f.bus.deliver(t, "acme", "acme/kt-1/status", `{"devId":"kt-1","dps":{"1":true,"3":265}}`)

	got, _ := f.reg.GetDevice(ctx, "kt-1")
	if got.State["power"] != true || got.State["temperature"] != 26.5 {
		t.Errorf("State = %v, want canonical codes", got.State)
	}
}

func TestSynchronizer_Announce(t *testing.T) {
	f := newSyncFixture(t)
	f.activate(t, &Device{ID: "fan-1", TenantID: "acme", Name: "Fan", Vendor: "acmecorp", Category: "fan"})

	f.bus.deliver(t, "acme", "acme/fan-1/announce", `{"category":"fan","dps":[{"code":"speed","type":"integer","mode":"rw","range":{"min":1,"max":5}}]}`)

	d, ok := f.caps.Get("fan-1")
	if !ok || d.Source != capability.SourceAnnounced {
		t.Fatalf("announced descriptor not registered: %+v", d)
	}
	if _, ok := d.Lookup("speed"); !ok {
		t.Error("announced data point missing")
	}

	// A bad announcement is rejected without failing the handler.
	f.bus.deliver(t, "acme", "acme/fan-1/announce", `{"dps":[]}`)
	if d, _ := f.caps.Get("fan-1"); d.Source != capability.SourceAnnounced {
		t.Error("bad announcement replaced the descriptor")
	}
}

// =============================================================================
// Liveness
// =============================================================================

func TestSynchronizer_LivenessOnlineEvent(t *testing.T) {
	f := newSyncFixture(t)
	f.activate(t, acDevice("ac-1"))

	f.bus.deliver(t, "acme", "acme/ac-1/status", `{"power":true}`)
	f.bus.deliver(t, "acme", "acme/ac-1/status", `{"power":true}`)

	_, liveness := f.events.snapshot()
	if len(liveness) != 1 {
		t.Fatalf("got %d liveness events, want 1", len(liveness))
	}
	if liveness[0].Liveness != LivenessOnline || !liveness[0].LastSeen.Equal(testEpoch) {
		t.Errorf("liveness event = %+v", liveness[0])
	}
}

func TestSynchronizer_Sweep(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.activate(t, acDevice("ac-1"))
	f.activate(t, acDevice("ac-2"))

	f.bus.deliver(t, "acme", "acme/ac-1/status", `{"power":true}`)
	f.clock.Advance(4 * time.Minute)
	f.bus.deliver(t, "acme", "acme/ac-2/status", `{"power":true}`)

	f.clock.Advance(time.Minute)
	if n, err := f.sync.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("Sweep() at the window edge = %d, %v; want 0", n, err)
	}

	f.clock.Advance(time.Second)
	n, err := f.sync.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep() = %d, %v; want 1", n, err)
	}

	ac1, _ := f.reg.GetDevice(ctx, "ac-1")
	ac2, _ := f.reg.GetDevice(ctx, "ac-2")
	if ac1.Liveness != LivenessOffline || ac2.Liveness != LivenessOnline {
		t.Errorf("liveness = %q / %q", ac1.Liveness, ac2.Liveness)
	}
	if ac1.LastSeen == nil || !ac1.LastSeen.Equal(testEpoch) {
		t.Errorf("LastSeen = %v, want kept", ac1.LastSeen)
	}

	_, liveness := f.events.snapshot()
	last := liveness[len(liveness)-1]
	if last.DeviceID != "ac-1" || last.Liveness != LivenessOffline {
		t.Errorf("last liveness event = %+v", last)
	}

	// A later report brings the device back.
	f.bus.deliver(t, "acme", "acme/ac-1/status", `{"power":false}`)
	ac1, _ = f.reg.GetDevice(ctx, "ac-1")
	if ac1.Liveness != LivenessOnline {
		t.Errorf("liveness after report = %q", ac1.Liveness)
	}
}

func TestSynchronizer_SweepKeepsDeviceThatReportsMidSweep(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.activate(t, acDevice("ac-1"))
	f.activate(t, acDevice("ac-2"))

	f.bus.deliver(t, "acme", "acme/ac-1/status", `{"power":true}`)
	f.bus.deliver(t, "acme", "acme/ac-2/status", `{"power":true}`)
	f.clock.Advance(10 * time.Minute)

	// Both devices are stale in the sweep's snapshot. ac-2 reports while
	// ac-1 is being marked offline.
	var once sync.Once
	f.sync.SubscribeLiveness(func(ev LivenessEvent) {
		if ev.DeviceID == "ac-1" && ev.Liveness == LivenessOffline {
			once.Do(func() { f.bus.deliver(t, "acme", "acme/ac-2/status", `{"power":false}`) })
		}
	})

	if _, err := f.sync.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	now := f.clock.Now()
	for _, id := range []string{"ac-1", "ac-2"} {
		d, err := f.reg.GetDevice(ctx, id)
		if err != nil {
			t.Fatalf("GetDevice(%s) error = %v", id, err)
		}
		stored, err := f.reg.repo.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID(%s) error = %v", id, err)
		}
		if d.Liveness != stored.Liveness {
			t.Errorf("%s cache liveness %q, stored %q", id, d.Liveness, stored.Liveness)
		}
		if id == "ac-1" && d.Liveness != LivenessOffline {
			t.Errorf("ac-1 liveness = %q, want offline", d.Liveness)
		}
		if id == "ac-2" && (d.Liveness != LivenessOnline || d.LastSeen == nil || !d.LastSeen.Equal(now)) {
			t.Errorf("ac-2 liveness = %q last_seen = %v, want online at %v", d.Liveness, d.LastSeen, now)
		}
	}
}

func TestSynchronizer_SweepPrunesHistory(t *testing.T) {
	reg, history := newSQLiteRegistry(t)
	clk := clock.Fake(testEpoch)
	s := NewSynchronizer(reg, capability.NewRegistry(nil, nil), newFakeBus(), clk,
		SyncConfig{HistoryRetention: 24 * time.Hour})
	s.SetHistory(history)
	ctx := context.Background()
	mustCreate(t, reg, acDevice("ac-1"))

	if err := history.RecordStateChange(ctx, "ac-1", State{"power": true}, "", testEpoch.Add(-48*time.Hour)); err != nil {
		t.Fatalf("RecordStateChange() error = %v", err)
	}
	if _, err := s.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	entries, _ := history.GetHistory(ctx, "ac-1", 10)
	if len(entries) != 0 {
		t.Errorf("old history not pruned: %d entries", len(entries))
	}
}

func TestSynchronizer_RunSweeper(t *testing.T) {
	f := newSyncFixture(t)
	f.activate(t, acDevice("ac-1"))
	f.bus.deliver(t, "acme", "acme/ac-1/status", `{"power":true}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sync.RunSweeper(ctx, time.Minute)
		close(done)
	}()

	f.clock.WaitForTimers(1)
	for i := 0; i < 6; i++ {
		f.clock.Advance(time.Minute)
	}

	deadline := time.After(2 * time.Second)
	for {
		d, _ := f.reg.GetDevice(context.Background(), "ac-1")
		if d.Liveness == LivenessOffline {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sweeper never marked the device offline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunSweeper did not stop on cancel")
	}
}
