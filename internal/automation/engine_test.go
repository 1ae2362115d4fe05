package automation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nerrad567/homelink-core/internal/adapter"
	"github.com/nerrad567/homelink-core/internal/device"
	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
)

// ─── Helper ─────────────────────────────────────────────────────────────────

type sceneFixture struct {
	clock    *clock.FakeClock
	registry *SceneRegistry
	repo     *SQLiteSceneRepository
	commands *mockCommander
	hub      *mockWSHub
	engine   *SceneEngine
}

func setupSceneEngine(t *testing.T, scenes ...*Scene) *sceneFixture {
	t.Helper()
	clk := clock.Fake(testEpoch)
	reg, repo := openSceneStore(t)
	f := &sceneFixture{
		clock:    clk,
		registry: reg,
		repo:     repo,
		commands: newMockCommander(clk),
		hub:      &mockWSHub{},
	}
	f.engine = NewSceneEngine(reg, f.commands, repo, clk, f.hub)
	for _, s := range scenes {
		if err := reg.CreateScene(context.Background(), s); err != nil {
			t.Fatalf("CreateScene(%s) error = %v", s.ID, err)
		}
	}
	return f
}

// activate runs ActivateScene on its own goroutine, advancing the clock
// through each step delay.
func (f *sceneFixture) activate(ctx context.Context, tenantID, sceneID string, delays ...time.Duration) (*SceneExecution, error) {
	type result struct {
		exec *SceneExecution
		err  error
	}
	done := make(chan result, 1)
	go func() {
		exec, err := f.engine.ActivateScene(ctx, tenantID, sceneID, SceneTriggerManual, "api")
		done <- result{exec, err}
	}()
	for _, d := range delays {
		f.clock.WaitForTimers(1)
		f.clock.Advance(d)
	}
	r := <-done
	return r.exec, r.err
}

// ─── Activation ─────────────────────────────────────────────────────────────

func TestSceneEngine_RunsStepsInOrder(t *testing.T) {
	scene := validScene()
	scene.Actions = append(scene.Actions, SceneAction{DeviceID: "ac-2", Action: adapter.ActionPowerOn})
	f := setupSceneEngine(t, scene)

	exec, err := f.activate(context.Background(), "acme", "movie", 2*time.Second)
	if err != nil {
		t.Fatalf("ActivateScene() error = %v", err)
	}

	cmds := f.commands.commands()
	if len(cmds) != 3 {
		t.Fatalf("commands = %d, want 3", len(cmds))
	}
	wantOrder := []string{adapter.ActionSetMode, adapter.ActionSetTemperature, adapter.ActionPowerOn}
	for i, want := range wantOrder {
		if cmds[i].Action != want || cmds[i].TenantID != "acme" {
			t.Errorf("command[%d] = %+v, want %s", i, cmds[i], want)
		}
	}
	if gap := cmds[1].At.Sub(cmds[0].At); gap != 2*time.Second {
		t.Errorf("delay before step 2 = %v, want 2s", gap)
	}

	if exec.Status != StatusCompleted || exec.ActionsCompleted != 3 || exec.DurationMS != 2000 {
		t.Errorf("execution = %+v", exec)
	}

	stored, err := f.repo.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if stored.Status != StatusCompleted || stored.TriggerSource == nil || *stored.TriggerSource != "api" {
		t.Errorf("stored execution = %+v", stored)
	}

	broadcasts := f.hub.getBroadcasts()
	if len(broadcasts) != 1 || broadcasts[0].Channel != "scene.activated" {
		t.Fatalf("broadcasts = %+v", broadcasts)
	}
	if payload := broadcasts[0].Payload.(map[string]any); payload["execution_id"] != exec.ID {
		t.Errorf("payload = %v", payload)
	}
}

func TestSceneEngine_FailuresContinue(t *testing.T) {
	tests := []struct {
		name      string
		failing   map[string]error
		want      ExecutionStatus
		wantCodes []string
	}{
		{
			name:      "one device missing",
			failing:   map[string]error{"ac-2": fmt.Errorf("device ac-2: %w", device.ErrDeviceNotFound)},
			want:      StatusPartial,
			wantCodes: []string{errorCodeDeviceNotFound},
		},
		{
			name:      "invalid value",
			failing:   map[string]error{"ac-2": fmt.Errorf("device ac-2 action set_mode: %w", adapter.ErrInvalidValue)},
			want:      StatusPartial,
			wantCodes: []string{errorCodeInvalidCommand},
		},
		{
			name: "everything fails",
			failing: map[string]error{
				"ac-1": errors.New("broker down"),
				"ac-2": errors.New("broker down"),
			},
			want:      StatusFailed,
			wantCodes: []string{errorCodePublishFailed, errorCodePublishFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scene := &Scene{
				ID:       "mixed",
				TenantID: "acme",
				Name:     "Mixed",
				Enabled:  true,
				Actions: []SceneAction{
					{DeviceID: "ac-1", Action: adapter.ActionPowerOn},
					{DeviceID: "ac-2", Action: adapter.ActionSetMode, Value: "dry"},
				},
			}
			f := setupSceneEngine(t, scene)
			for id, err := range tt.failing {
				f.commands.fail(id, err)
			}

			exec, err := f.activate(context.Background(), "acme", "mixed")
			if err != nil {
				t.Fatalf("ActivateScene() error = %v", err)
			}
			if exec.Status != tt.want {
				t.Errorf("Status = %s, want %s", exec.Status, tt.want)
			}
			if exec.ActionsFailed != len(tt.wantCodes) || exec.ActionsCompleted+exec.ActionsFailed != 2 {
				t.Errorf("completed/failed = %d/%d", exec.ActionsCompleted, exec.ActionsFailed)
			}
			for i, code := range tt.wantCodes {
				if exec.Failures[i].ErrorCode != code {
					t.Errorf("failure[%d] code = %s, want %s", i, exec.Failures[i].ErrorCode, code)
				}
			}
		})
	}
}

func TestSceneEngine_Rejections(t *testing.T) {
	disabled := validScene()
	disabled.ID = "off"
	disabled.Enabled = false
	f := setupSceneEngine(t, validScene(), disabled)
	ctx := context.Background()

	tests := []struct {
		name    string
		tenant  string
		sceneID string
		wantErr error
	}{
		{name: "missing", tenant: "acme", sceneID: "nope", wantErr: ErrSceneNotFound},
		{name: "other tenant", tenant: "globex", sceneID: "movie", wantErr: ErrSceneNotFound},
		{name: "disabled", tenant: "acme", sceneID: "off", wantErr: ErrSceneDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.ActivateScene(ctx, tt.tenant, tt.sceneID, "", ""); !errors.Is(err, tt.wantErr) {
				t.Errorf("ActivateScene() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if got := len(f.commands.commands()); got != 0 {
		t.Errorf("commands = %d, want 0", got)
	}
}

func TestSceneEngine_CancelledDuringDelay(t *testing.T) {
	f := setupSceneEngine(t, validScene())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *SceneExecution, 1)
	go func() {
		exec, _ := f.engine.ActivateScene(ctx, "acme", "movie", SceneTriggerAutomation, "rule:evening")
		done <- exec
	}()
	f.clock.WaitForTimers(1)
	cancel()
	exec := <-done

	if exec.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", exec.Status)
	}
	if exec.ActionsCompleted != 1 || exec.ActionsSkipped != 1 {
		t.Errorf("completed/skipped = %d/%d, want 1/1", exec.ActionsCompleted, exec.ActionsSkipped)
	}

	// The record is written even though the activation context is gone.
	stored, err := f.repo.GetExecution(context.Background(), exec.ID)
	if err != nil || stored.Status != StatusCancelled {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestSceneEngine_ActivatedFromRule(t *testing.T) {
	f := setupSceneEngine(t, &Scene{
		ID:       "lights-down",
		TenantID: "acme",
		Name:     "Lights down",
		Enabled:  true,
		Actions:  []SceneAction{{DeviceID: "ac-1", Action: adapter.ActionPowerOff}},
	})
	rule := Rule{
		ID:       "bedtime",
		TenantID: "acme",
		Name:     "Bedtime",
		Enabled:  true,
		Trigger:  Trigger{Type: TriggerManual},
		Actions:  []RuleAction{{Type: ActionScene, SceneID: "lights-down"}},
	}
	source := newMockRuleSource(rule)
	recorder := &mockRecorder{}
	engine := NewRuleEngine(source, f.commands, f.engine, f.clock, RuleEngineConfig{})
	engine.SetRecorder(recorder)
	t.Cleanup(engine.Stop)
	if err := engine.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if err := engine.Trigger(context.Background(), "acme", "bedtime", nil); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	engine.Wait()

	if execs := recorder.executions(); len(execs) != 1 || execs[0].Status != OutcomeSuccess {
		t.Fatalf("rule executions = %+v", execs)
	}
	sceneExecs, err := f.registry.ListExecutions(context.Background(), "lights-down", 10)
	if err != nil || len(sceneExecs) != 1 {
		t.Fatalf("scene executions = %d, %v", len(sceneExecs), err)
	}
	if sceneExecs[0].TriggerType != SceneTriggerAutomation || *sceneExecs[0].TriggerSource != "rule:bedtime" {
		t.Errorf("scene execution trigger = %s/%v", sceneExecs[0].TriggerType, sceneExecs[0].TriggerSource)
	}
}

var _ Commander = (*device.Commander)(nil)
