package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/homelink-core/internal/audit"
	"github.com/nerrad567/homelink-core/internal/auth"
	"github.com/nerrad567/homelink-core/internal/automation"
	"github.com/nerrad567/homelink-core/internal/bridge"
	"github.com/nerrad567/homelink-core/internal/capability"
	"github.com/nerrad567/homelink-core/internal/device"
	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
	"github.com/nerrad567/homelink-core/internal/infrastructure/config"
	"github.com/nerrad567/homelink-core/internal/infrastructure/database/databasetest"
	"github.com/nerrad567/homelink-core/internal/infrastructure/logging"
	"github.com/nerrad567/homelink-core/internal/infrastructure/mqtt"
)

const (
	testSecret = "test-secret-key-at-least-32-characters-long"
	testIssuer = "homelink-test"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ─── Fakes ──────────────────────────────────────────────────────────

type publishedMessage struct {
	tenant  string
	topic   string
	payload []byte
}

// fakeBus records publishes and subscriptions.
type fakeBus struct {
	mu         sync.Mutex
	refs       map[string]int
	handlers   map[string]mqtt.MessageHandler
	published  []publishedMessage
	publishErr error
}

func newFakeBus() *fakeBus {
	return &fakeBus{refs: make(map[string]int), handlers: make(map[string]mqtt.MessageHandler)}
}

func busKey(tenant, filter string) string { return tenant + "|" + filter }

func (b *fakeBus) Publish(_ context.Context, tenant, topic string, payload []byte, _ byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, publishedMessage{tenant, topic, append([]byte(nil), payload...)})
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, tenant, filter string, _ byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
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

func (b *fakeBus) messages() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMessage(nil), b.published...)
}

// fakeHealth collects bridge health reports.
type fakeHealth struct {
	mu      sync.Mutex
	reports []string
}

func (f *fakeHealth) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reports...)
}

func (f *fakeHealth) PublishRetained(_ context.Context, _, topic string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, topic)
	return nil
}

// ─── Fixture ────────────────────────────────────────────────────────

type testEnv struct {
	srv     *Server
	handler http.Handler
	clk     *clock.FakeClock
	bus     *fakeBus
	health  *fakeHealth

	devices    *device.Registry
	syncer     *device.Synchronizer
	rules      *automation.RuleRegistry
	ruleEngine *automation.RuleEngine
	scenes     *automation.SceneRegistry
	bridges    *bridge.Manager
	audit      *audit.SQLiteRepository
}

// newTestEnv wires the full stack over a migrated temporary database and a
// fake bus. Background goroutines (hub, audit writer, event relay) run
// until the test ends.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db := databasetest.Open(t)
	clk := clock.Fake(testEpoch)
	bus := newFakeBus()
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	caps := capability.NewRegistry(nil, capability.NewSQLiteStore(db.DB))
	devices := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	if err := devices.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	history := device.NewSQLiteStateHistoryRepository(db.DB)
	syncer := device.NewSynchronizer(devices, caps, bus, clk, device.SyncConfig{QoS: 1})
	syncer.SetHistory(history)
	commander := device.NewCommander(devices, caps, bus, clk, 1)

	scenes := automation.NewSceneRegistry(automation.NewSQLiteSceneRepository(db.DB))
	sceneRepo := automation.NewSQLiteSceneRepository(db.DB)
	sceneEngine := automation.NewSceneEngine(scenes, commander, sceneRepo, clk, nil)

	rules := automation.NewRuleRegistry(automation.NewSQLiteRuleRepository(db.DB))
	ruleEngine := automation.NewRuleEngine(rules, commander, sceneEngine, clk, automation.RuleEngineConfig{})
	ruleEngine.SetRecorder(rules)
	rules.SetOnChange(func(ctx context.Context) {
		if err := ruleEngine.Reload(ctx); err != nil {
			t.Errorf("Reload() error = %v", err)
		}
	})
	if err := ruleEngine.Start(ctx, syncer); err != nil {
		t.Fatalf("RuleEngine.Start() error = %v", err)
	}
	t.Cleanup(ruleEngine.Stop)

	health := &fakeHealth{}
	bridges := bridge.NewManager(devices, syncer, health, clk, time.Minute)
	auditRepo := audit.NewSQLiteRepository(db.DB)

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:           config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Security:     config.SecurityConfig{JWT: config.JWTConfig{Secret: testSecret, Issuer: testIssuer}},
		Logger:       log,
		Clock:        clk,
		Devices:      devices,
		Syncer:       syncer,
		Commander:    commander,
		Capabilities: caps,
		History:      history,
		Rules:        rules,
		RuleEngine:   ruleEngine,
		Scenes:       scenes,
		SceneEngine:  sceneEngine,
		Bridges:      bridges,
		Audit:        auditRepo,
		Version:      "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	sceneEngine.SetHub(srv.Hub())
	ruleEngine.SetHub(srv.Hub())

	srv.startBackground(ctx)
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	return &testEnv{
		srv:        srv,
		handler:    srv.buildRouter(),
		clk:        clk,
		bus:        bus,
		health:     health,
		devices:    devices,
		syncer:     syncer,
		rules:      rules,
		ruleEngine: ruleEngine,
		scenes:     scenes,
		bridges:    bridges,
		audit:      auditRepo,
	}
}

// token issues a bearer token for tenant with role.
func token(t *testing.T, tenant string, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(auth.Identity{Subject: "user-" + string(role), TenantID: tenant, Role: role}, testSecret, testIssuer, time.Hour)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	return tok
}

// do sends a request through the router. body is JSON-encoded unless nil.
func (e *testEnv) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// mustCreateDevice provisions an AC of the generic vendor for tenant.
func (e *testEnv) mustCreateDevice(t *testing.T, tenant, id string) *device.Device {
	t.Helper()
	d := &device.Device{
		ID:       id,
		TenantID: tenant,
		Name:     "AC " + id,
		Vendor:   capability.VendorGeneric,
		Category: "ac",
	}
	if err := e.devices.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice(%s) error = %v", id, err)
	}
	return d
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
