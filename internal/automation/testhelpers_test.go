package automation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/homelink-core/internal/adapter"
	"github.com/nerrad567/homelink-core/internal/device"
	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
	"github.com/nerrad567/homelink-core/internal/infrastructure/database/databasetest"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ─── Mock Dependencies ──────────────────────────────────────────────────────

type sentCommand struct {
	TenantID string
	DeviceID string
	Action   string
	Value    any
	At       time.Time
}

// mockCommander captures commands. Devices listed in failOn return that error.
type mockCommander struct {
	clock clock.Clock

	mu     sync.Mutex
	sent   []sentCommand
	failOn map[string]error

	// When block is set, SendCommand signals entered and waits for block to close.
	entered chan struct{}
	block   chan struct{}
}

func newMockCommander(clk clock.Clock) *mockCommander {
	return &mockCommander{clock: clk, failOn: make(map[string]error)}
}

func (m *mockCommander) SendCommand(_ context.Context, tenantID, deviceID, action string, value any) (adapter.OutboundMessage, error) {
	m.mu.Lock()
	entered, block := m.entered, m.block
	m.mu.Unlock()
	if block != nil {
		entered <- struct{}{}
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failOn[deviceID]; ok {
		return adapter.OutboundMessage{}, err
	}
	m.sent = append(m.sent, sentCommand{
		TenantID: tenantID,
		DeviceID: deviceID,
		Action:   action,
		Value:    value,
		At:       m.clock.Now(),
	})
	return adapter.OutboundMessage{DeviceID: deviceID}, nil
}

func (m *mockCommander) fail(deviceID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[deviceID] = err
}

func (m *mockCommander) commands() []sentCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]sentCommand, len(m.sent))
	copy(cpy, m.sent)
	return cpy
}

// mockWSHub captures all broadcasts.
type mockWSHub struct {
	broadcasts []wsBroadcast
	mu         sync.Mutex
}

type wsBroadcast struct {
	Channel string
	Payload any
}

func (m *mockWSHub) Broadcast(channel string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, wsBroadcast{Channel: channel, Payload: payload})
}

func (m *mockWSHub) getBroadcasts() []wsBroadcast {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]wsBroadcast, len(m.broadcasts))
	copy(cpy, m.broadcasts)
	return cpy
}

// mockRuleSource serves a replaceable rule list.
type mockRuleSource struct {
	mu            sync.Mutex
	rules         []Rule
	lastTriggered map[string]time.Time
	listErr       error
}

func newMockRuleSource(rules ...Rule) *mockRuleSource {
	return &mockRuleSource{rules: rules, lastTriggered: make(map[string]time.Time)}
}

func (m *mockRuleSource) ListRules(context.Context) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]Rule, len(m.rules))
	for i := range m.rules {
		out[i] = *m.rules[i].DeepCopy()
	}
	return out, nil
}

func (m *mockRuleSource) SetLastTriggered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTriggered[id] = at
	return nil
}

func (m *mockRuleSource) set(rules ...Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = rules
}

func (m *mockRuleSource) triggeredAt(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.lastTriggered[id]
	return at, ok
}

// mockRecorder keeps finished executions.
type mockRecorder struct {
	mu    sync.Mutex
	execs []RuleExecution
}

func (m *mockRecorder) RecordExecution(_ context.Context, exec *RuleExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, *exec)
	return nil
}

func (m *mockRecorder) executions() []RuleExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]RuleExecution, len(m.execs))
	copy(cpy, m.execs)
	return cpy
}

// mockSceneActivator returns a fixed status per scene.
type mockSceneActivator struct {
	mu       sync.Mutex
	statuses map[string]ExecutionStatus
	calls    []string
}

func (m *mockSceneActivator) ActivateScene(_ context.Context, tenantID, sceneID, triggerType, triggerSource string) (*SceneExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("%s/%s/%s/%s", tenantID, sceneID, triggerType, triggerSource))
	status, ok := m.statuses[sceneID]
	if !ok {
		return nil, ErrSceneNotFound
	}
	return &SceneExecution{ID: "exec-" + sceneID, SceneID: sceneID, Status: status}, nil
}

func (m *mockSceneActivator) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// mockChangeSource records the subscriber so tests can push events.
type mockChangeSource struct {
	mu        sync.Mutex
	fn        func(device.ChangeEvent)
	cancelled bool
}

func (m *mockChangeSource) Subscribe(fn func(device.ChangeEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.cancelled = true
		m.fn = nil
	}
}

func (m *mockChangeSource) emit(ev device.ChangeEvent) {
	m.mu.Lock()
	fn := m.fn
	m.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// ─── Fixtures ───────────────────────────────────────────────────────────────

// temperatureEvent is a report from acme's ac-1 carrying only temperature.
func temperatureEvent(value any) device.ChangeEvent {
	return device.ChangeEvent{
		DeviceID: "ac-1",
		TenantID: "acme",
		NewState: device.State{"temperature": value, "power": true},
		Reported: []string{"temperature"},
		Changed:  []string{"temperature"},
	}
}

// coolWhenHot switches ac-1 to cool once it reports more than 28 degrees.
func coolWhenHot() Rule {
	return Rule{
		ID:       "cool-when-hot",
		TenantID: "acme",
		Name:     "Cool when hot",
		Enabled:  true,
		Trigger:  Trigger{Type: TriggerDevice, DeviceID: "ac-1", Property: "temperature"},
		Condition: &Condition{
			Operator: OpGreater,
			Value:    28.0,
		},
		Actions: []RuleAction{
			{Type: ActionDevice, DeviceID: "ac-1", Action: adapter.ActionSetMode, Value: "cool"},
		},
		DebounceMS: 500,
	}
}

// followTemperature forwards the reported temperature to ac-2.
func followTemperature(id string) Rule {
	return Rule{
		ID:       id,
		TenantID: "acme",
		Name:     "Follow " + id,
		Enabled:  true,
		Trigger:  Trigger{Type: TriggerDevice, DeviceID: "ac-1", Property: "temperature"},
		Actions: []RuleAction{
			{Type: ActionDevice, DeviceID: "ac-2", Action: adapter.ActionSetTemperature, FromTrigger: true},
		},
		DebounceMS: 500,
	}
}

type ruleFixture struct {
	clock    *clock.FakeClock
	source   *mockRuleSource
	commands *mockCommander
	scenes   *mockSceneActivator
	recorder *mockRecorder
	hub      *mockWSHub
	engine   *RuleEngine
}

func newRuleFixture(t *testing.T, rules ...Rule) *ruleFixture {
	t.Helper()
	clk := clock.Fake(testEpoch)
	f := &ruleFixture{
		clock:    clk,
		source:   newMockRuleSource(rules...),
		commands: newMockCommander(clk),
		scenes:   &mockSceneActivator{statuses: make(map[string]ExecutionStatus)},
		recorder: &mockRecorder{},
		hub:      &mockWSHub{},
	}
	f.engine = NewRuleEngine(f.source, f.commands, f.scenes, clk, RuleEngineConfig{})
	f.engine.SetRecorder(f.recorder)
	f.engine.SetHub(f.hub)
	if err := f.engine.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	t.Cleanup(f.engine.Stop)
	return f
}

// advance moves the clock and waits for any execution it started.
func (f *ruleFixture) advance(d time.Duration) {
	f.clock.Advance(d)
	f.engine.Wait()
}

func (f *ruleFixture) reload(t *testing.T, rules ...Rule) {
	t.Helper()
	f.source.set(rules...)
	if err := f.engine.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
}

func openSceneStore(t *testing.T) (*SceneRegistry, *SQLiteSceneRepository) {
	t.Helper()
	db := databasetest.Open(t)
	repo := NewSQLiteSceneRepository(db.DB)
	return NewSceneRegistry(repo), repo
}

func openRuleStore(t *testing.T) (*RuleRegistry, *SQLiteRuleRepository) {
	t.Helper()
	db := databasetest.Open(t)
	repo := NewSQLiteRuleRepository(db.DB)
	return NewRuleRegistry(repo), repo
}

func strPtr(s string) *string { return &s }
