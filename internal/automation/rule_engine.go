package automation

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/homelink-core/internal/device"
	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
)

// RuleSource supplies rule definitions and stores last-triggered times.
// RuleRegistry satisfies it.
type RuleSource interface {
	ListRules(ctx context.Context) ([]Rule, error)
	SetLastTriggered(ctx context.Context, id string, at time.Time) error
}

// SceneActivator runs a scene on behalf of a rule. SceneEngine satisfies it.
type SceneActivator interface {
	ActivateScene(ctx context.Context, tenantID, sceneID, triggerType, triggerSource string) (*SceneExecution, error)
}

// ExecutionRecorder persists finished rule executions.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, exec *RuleExecution) error
}

// ChangeSource delivers device state changes. device.Synchronizer satisfies it.
type ChangeSource interface {
	Subscribe(fn func(device.ChangeEvent)) (cancel func())
}

// RuleEngineConfig holds engine tunables.
type RuleEngineConfig struct {
	// Location resolves daily "at" schedules. Defaults to UTC.
	Location *time.Location

	// ExecutionTimeout bounds one execution including action delays.
	ExecutionTimeout time.Duration
}

// recordTimeout bounds persisting an execution after its context is spent.
const recordTimeout = 5 * time.Second

type deviceKey struct {
	tenantID string
	deviceID string
}

// ruleSet is an immutable snapshot of the loaded rules.
type ruleSet struct {
	byID     map[string]*Rule
	byDevice map[deviceKey][]*Rule // enabled device-triggered rules only
}

func buildRuleSet(rules []Rule) *ruleSet {
	set := &ruleSet{
		byID:     make(map[string]*Rule, len(rules)),
		byDevice: make(map[deviceKey][]*Rule),
	}
	for i := range rules {
		r := rules[i].DeepCopy()
		set.byID[r.ID] = r
		if r.Enabled && r.Trigger.Type == TriggerDevice {
			key := deviceKey{tenantID: r.TenantID, deviceID: r.Trigger.DeviceID}
			set.byDevice[key] = append(set.byDevice[key], r)
		}
	}
	return set
}

// ruleRuntime is the mutable per-rule state. Guarded by RuleEngine.mu.
type ruleRuntime struct {
	pendingValue   any
	pendingTrigger TriggerType
	executing      bool
	deferred       bool // a debounce fired during execution; run once it ends
	lastTriggered  *time.Time
	scheduleKey    string
	status         RuleStatus
}

// RuleEngine evaluates rules against device events and runs their actions.
//
// Each rule moves through idle, debounce-wait, execute and throttle-cooldown.
// A qualifying event arms the rule's debounce task, replacing any pending one
// so the last event's value wins. When the task fires the throttle is checked
// against the time the rule last attempted an action; a throttled firing is
// dropped silently. Actions run in order and a failed action never stops the
// rest. A rule has at most one execution in flight; a debounce that elapses
// during one fires again, with the latest value, once it ends.
//
// The rule set is an immutable snapshot behind an atomic pointer. Reload
// swaps the whole set, so an event is evaluated either entirely against the
// old rules or entirely against the new ones.
//
// Thread Safety: all public methods are safe for concurrent use.
type RuleEngine struct {
	rules atomic.Pointer[ruleSet]

	source   RuleSource
	commands Commander
	scenes   SceneActivator
	recorder ExecutionRecorder
	hub      WSHub

	clock       clock.Clock
	tasks       *taskSet
	loc         *time.Location
	execTimeout time.Duration

	reloadMu sync.Mutex

	mu          sync.Mutex
	runtime     map[string]*ruleRuntime
	stopped     bool
	unsubscribe func()

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	logger Logger
}

// NewRuleEngine creates a rule engine. scenes may be nil if no rule
// activates scenes.
func NewRuleEngine(source RuleSource, commands Commander, scenes SceneActivator, clk clock.Clock, cfg RuleEngineConfig) *RuleEngine {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = defaultExecutionTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	e := &RuleEngine{
		source:      source,
		commands:    commands,
		scenes:      scenes,
		clock:       clk,
		tasks:       newTaskSet(clk),
		loc:         cfg.Location,
		execTimeout: cfg.ExecutionTimeout,
		runtime:     make(map[string]*ruleRuntime),
		baseCtx:     ctx,
		cancelBase:  cancel,
		logger:      noopLogger{},
	}
	e.rules.Store(buildRuleSet(nil))
	return e
}

// SetLogger sets the logger for the engine.
func (e *RuleEngine) SetLogger(logger Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetHub sets the WebSocket hub for execution events.
func (e *RuleEngine) SetHub(hub WSHub) {
	e.hub = hub
}

// SetRecorder sets where finished executions are persisted.
func (e *RuleEngine) SetRecorder(recorder ExecutionRecorder) {
	e.recorder = recorder
}

// Start loads the rules and subscribes to device changes. src may be nil.
func (e *RuleEngine) Start(ctx context.Context, src ChangeSource) error {
	if err := e.Reload(ctx); err != nil {
		return err
	}
	if src == nil {
		return nil
	}
	cancel := src.Subscribe(e.HandleChange)

	e.mu.Lock()
	e.unsubscribe = cancel
	e.mu.Unlock()

	e.logger.Info("rule engine started", "rules", len(e.rules.Load().byID))
	return nil
}

// Stop unsubscribes, cancels every pending task and waits for in-flight
// executions. Actions not yet started are skipped.
func (e *RuleEngine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	e.tasks.CancelAll()
	e.cancelBase()
	e.wg.Wait()

	e.logger.Info("rule engine stopped")
}

// Wait blocks until no execution is in flight.
func (e *RuleEngine) Wait() {
	e.wg.Wait()
}

// Reload replaces the rule set with the source's current rules.
//
// Pending debounce tasks of rules that survive the reload are kept. Tasks of
// removed or disabled rules are cancelled. Schedules are re-armed when their
// definition changed.
func (e *RuleEngine) Reload(ctx context.Context) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	rules, err := e.source.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	next := buildRuleSet(rules)
	e.rules.Store(next)

	var schedules []*Rule
	e.mu.Lock()
	for id, rt := range e.runtime {
		rule, ok := next.byID[id]
		if ok && rule.Enabled {
			continue
		}
		e.tasks.Cancel(debounceTask(id))
		e.tasks.Cancel(scheduleTask(id))
		rt.pendingValue = nil
		rt.scheduleKey = ""
		if rt.executing {
			continue
		}
		if !ok {
			delete(e.runtime, id)
		} else {
			rt.status.Phase = PhaseIdle
		}
	}
	for _, rule := range next.byID {
		if !rule.Enabled {
			continue
		}
		rt := e.runtimeLocked(rule)
		key := scheduleKeyFor(rule)
		switch {
		case key == "" && rt.scheduleKey != "":
			e.tasks.Cancel(scheduleTask(rule.ID))
			rt.scheduleKey = ""
		case key != "" && (key != rt.scheduleKey || !e.tasks.Pending(scheduleTask(rule.ID))):
			rt.scheduleKey = key
			schedules = append(schedules, rule)
		}
	}
	e.mu.Unlock()

	for _, rule := range schedules {
		e.armSchedule(rule)
	}

	e.logger.Info("rules reloaded", "count", len(next.byID), "schedules_armed", len(schedules))
	return nil
}

// runtimeLocked returns the runtime of rule, creating it on first use.
func (e *RuleEngine) runtimeLocked(rule *Rule) *ruleRuntime {
	rt, ok := e.runtime[rule.ID]
	if ok {
		return rt
	}
	rt = &ruleRuntime{
		lastTriggered: cloneTimePtr(rule.LastTriggeredAt),
		status: RuleStatus{
			RuleID:          rule.ID,
			Phase:           PhaseIdle,
			LastTriggeredAt: cloneTimePtr(rule.LastTriggeredAt),
		},
	}
	e.runtime[rule.ID] = rt
	return rt
}

// HandleChange evaluates a device change against the rules watching that
// device. A rule qualifies when the event reports its property and the
// condition holds. Condition errors skip the rule and are recorded in its
// status.
func (e *RuleEngine) HandleChange(ev device.ChangeEvent) {
	for _, rule := range e.matching(ev) {
		value := ev.NewState[rule.Trigger.Property]
		ok, err := Evaluate(rule.Condition, value)
		if err != nil {
			e.conditionFailed(rule, value, err)
			continue
		}
		if !ok {
			continue
		}
		e.arm(rule, TriggerDevice, value)
	}
}

// matching returns the rules of one snapshot that watch a reported property.
func (e *RuleEngine) matching(ev device.ChangeEvent) []*Rule {
	set := e.rules.Load()
	var out []*Rule
	for _, rule := range set.byDevice[deviceKey{tenantID: ev.TenantID, deviceID: ev.DeviceID}] {
		if slices.Contains(ev.Reported, rule.Trigger.Property) {
			out = append(out, rule)
		}
	}
	return out
}

func (e *RuleEngine) conditionFailed(rule *Rule, value any, err error) {
	now := e.clock.Now().UTC()

	e.mu.Lock()
	rt := e.runtimeLocked(rule)
	rt.status.ConditionErrors++
	rt.status.LastConditionError = err.Error()
	rt.status.LastConditionAt = &now
	e.mu.Unlock()

	e.logger.Error("rule condition evaluation failed",
		"rule_id", rule.ID, "property", rule.Trigger.Property, "value", value, "error", err)
}

// Trigger fires a rule by hand through the same debounce and throttle path
// as device events.
func (e *RuleEngine) Trigger(_ context.Context, tenantID, ruleID string, value any) error {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return ErrEngineStopped
	}

	rule, ok := e.rules.Load().byID[ruleID]
	if !ok || rule.TenantID != tenantID {
		return ErrRuleNotFound
	}
	if !rule.Enabled {
		return ErrRuleDisabled
	}
	e.arm(rule, TriggerManual, value)
	return nil
}

// arm (re)starts the rule's debounce with value as the pending trigger value.
func (e *RuleEngine) arm(rule *Rule, trigger TriggerType, value any) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	rt := e.runtimeLocked(rule)
	rt.pendingValue = deepCopyValue(value)
	rt.pendingTrigger = trigger
	if !rt.executing {
		rt.status.Phase = PhaseDebouncing
	}
	e.mu.Unlock()

	id := rule.ID
	e.tasks.Arm(debounceTask(id), rule.Debounce(), func() { e.fire(id) })
}

// fire runs when a debounce elapses.
func (e *RuleEngine) fire(id string) {
	rule, ok := e.rules.Load().byID[id]

	e.mu.Lock()
	rt := e.runtime[id]
	if rt == nil {
		e.mu.Unlock()
		return
	}
	if !ok || !rule.Enabled || e.stopped {
		rt.pendingValue = nil
		if !rt.executing {
			rt.status.Phase = PhaseIdle
		}
		e.mu.Unlock()
		return
	}

	if rt.executing {
		rt.deferred = true
		e.mu.Unlock()
		e.logger.Debug("rule still executing, firing deferred", "rule_id", id)
		return
	}

	value, trigger := rt.pendingValue, rt.pendingTrigger
	rt.pendingValue = nil

	now := e.clock.Now()
	if rt.lastTriggered != nil && now.Sub(*rt.lastTriggered) < rule.Throttle() {
		rt.status.ThrottledSkips++
		rt.status.Phase = PhaseIdle
		e.mu.Unlock()
		e.logger.Debug("rule throttled", "rule_id", id, "throttle_ms", rule.ThrottleMS)
		return
	}

	rt.executing = true
	rt.status.Phase = PhaseExecuting
	e.wg.Add(1)
	e.mu.Unlock()

	go e.execute(rule, trigger, value)
}

// execute runs a rule's actions in order and records the outcome.
func (e *RuleEngine) execute(rule *Rule, trigger TriggerType, value any) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(e.baseCtx, e.execTimeout)
	defer cancel()

	exec := &RuleExecution{
		ID:           GenerateID(),
		RuleID:       rule.ID,
		TenantID:     rule.TenantID,
		TriggerType:  trigger,
		TriggerValue: value,
		StartedAt:    e.clock.Now().UTC(),
		Results:      make([]ActionResult, 0, len(rule.Actions)),
	}

	succeeded := 0
	for i, action := range rule.Actions {
		result := ActionResult{
			Index:    i,
			Type:     action.Type,
			DeviceID: action.DeviceID,
			SceneID:  action.SceneID,
			Action:   action.Action,
		}
		if err := e.delay(ctx, action.DelayMS); err != nil {
			result.Skipped = true
			result.Error = err.Error()
			exec.Results = append(exec.Results, result)
			continue
		}

		if exec.ActionsAttempted == 0 {
			e.markTriggered(ctx, rule.ID)
		}
		exec.ActionsAttempted++

		if err := e.runAction(ctx, rule, action, value); err != nil {
			exec.ActionsFailed++
			result.Error = err.Error()
			e.logger.Warn("rule action failed",
				"rule_id", rule.ID, "index", i, "type", action.Type, "error", err)
		} else {
			result.OK = true
			succeeded++
		}
		exec.Results = append(exec.Results, result)
	}

	completed := e.clock.Now().UTC()
	exec.CompletedAt = &completed
	switch {
	case succeeded == len(rule.Actions):
		exec.Status = OutcomeSuccess
	case succeeded == 0:
		exec.Status = OutcomeFailure
	default:
		exec.Status = OutcomePartial
	}

	e.finish(ctx, rule, exec)
}

func (e *RuleEngine) delay(ctx context.Context, delayMS int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("execution cancelled: %w", err)
	}
	if delayMS <= 0 {
		return nil
	}
	select {
	case <-e.clock.After(time.Duration(delayMS) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("action delayed: %w", ctx.Err())
	}
}

func (e *RuleEngine) runAction(ctx context.Context, rule *Rule, action RuleAction, triggerValue any) error {
	switch action.Type {
	case ActionDevice:
		value := action.Value
		if action.FromTrigger {
			value = triggerValue
		}
		_, err := e.commands.SendCommand(ctx, rule.TenantID, action.DeviceID, action.Action, value)
		return err

	case ActionScene:
		if e.scenes == nil {
			return fmt.Errorf("scene %s: no scene engine configured", action.SceneID)
		}
		exec, err := e.scenes.ActivateScene(ctx, rule.TenantID, action.SceneID, SceneTriggerAutomation, "rule:"+rule.ID)
		if err != nil {
			return err
		}
		if exec.Status == StatusFailed || exec.Status == StatusCancelled {
			return fmt.Errorf("scene %s finished %s", action.SceneID, exec.Status)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAction, action.Type)
	}
}

// markTriggered records the start of the first attempted action.
func (e *RuleEngine) markTriggered(ctx context.Context, id string) {
	at := e.clock.Now().UTC()

	e.mu.Lock()
	if rt, ok := e.runtime[id]; ok {
		rt.lastTriggered = &at
		rt.status.LastTriggeredAt = cloneTimePtr(&at)
	}
	e.mu.Unlock()

	if err := e.source.SetLastTriggered(ctx, id, at); err != nil {
		e.logger.Error("failed to persist last triggered time", "rule_id", id, "error", err)
	}
}

func (e *RuleEngine) finish(ctx context.Context, rule *Rule, exec *RuleExecution) {
	if e.recorder != nil {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		if err := e.recorder.RecordExecution(recordCtx, exec); err != nil {
			e.logger.Error("failed to record rule execution", "rule_id", rule.ID, "error", err)
		}
		cancel()
	}

	refire := false
	e.mu.Lock()
	if rt, ok := e.runtime[rule.ID]; ok {
		rt.executing = false
		rt.status.LastOutcome = exec.Status
		rt.status.LastExecutionID = exec.ID
		pending := e.tasks.Pending(debounceTask(rule.ID))
		// A still-pending debounce will fire on its own with the latest value.
		refire = rt.deferred && !pending && !e.stopped
		rt.deferred = false
		if pending || refire {
			rt.status.Phase = PhaseDebouncing
		} else {
			rt.status.Phase = PhaseIdle
		}
		if _, live := e.rules.Load().byID[rule.ID]; !live {
			delete(e.runtime, rule.ID)
			refire = false
		}
	}
	e.mu.Unlock()

	e.logger.Info("rule executed",
		"rule_id", rule.ID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"attempted", exec.ActionsAttempted,
		"failed", exec.ActionsFailed,
	)

	if e.hub != nil {
		e.hub.Broadcast("automation.rule_executed", map[string]any{
			"tenant_id":         rule.TenantID,
			"rule_id":           rule.ID,
			"rule_name":         rule.Name,
			"execution_id":      exec.ID,
			"status":            string(exec.Status),
			"trigger_type":      string(exec.TriggerType),
			"actions_attempted": exec.ActionsAttempted,
			"actions_failed":    exec.ActionsFailed,
		})
	}

	if refire {
		e.fire(rule.ID)
	}
}

// armSchedule arms the next occurrence of a schedule-triggered rule.
func (e *RuleEngine) armSchedule(rule *Rule) {
	now := e.clock.Now()
	next, err := nextRun(rule.Trigger, now, e.loc)
	if err != nil {
		e.logger.Error("invalid rule schedule", "rule_id", rule.ID, "error", err)
		return
	}
	id := rule.ID
	e.tasks.Arm(scheduleTask(id), next.Sub(now), func() { e.scheduleFired(id) })
}

func (e *RuleEngine) scheduleFired(id string) {
	rule, ok := e.rules.Load().byID[id]
	if !ok || !rule.Enabled || rule.Trigger.Type != TriggerSchedule {
		return
	}
	e.arm(rule, TriggerSchedule, nil)
	e.armSchedule(rule)
}

// Status returns the runtime status of a rule.
func (e *RuleEngine) Status(id string) (RuleStatus, bool) {
	rule, ok := e.rules.Load().byID[id]
	if !ok {
		return RuleStatus{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.runtime[id]
	if !ok {
		return RuleStatus{RuleID: id, Phase: PhaseIdle, LastTriggeredAt: cloneTimePtr(rule.LastTriggeredAt)}, true
	}
	return rt.status.clone(), true
}

// Statuses returns the runtime status of every rule of a tenant, sorted by rule ID.
func (e *RuleEngine) Statuses(tenantID string) []RuleStatus {
	set := e.rules.Load()
	ids := make([]string, 0, len(set.byID))
	for id, rule := range set.byID {
		if rule.TenantID == tenantID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]RuleStatus, 0, len(ids))
	for _, id := range ids {
		if st, ok := e.Status(id); ok {
			out = append(out, st)
		}
	}
	return out
}

func (s RuleStatus) clone() RuleStatus {
	s.LastTriggeredAt = cloneTimePtr(s.LastTriggeredAt)
	s.LastConditionAt = cloneTimePtr(s.LastConditionAt)
	return s
}

func debounceTask(ruleID string) string { return "debounce:" + ruleID }
func scheduleTask(ruleID string) string { return "schedule:" + ruleID }

// scheduleKeyFor identifies a rule's schedule so reloads can tell whether it changed.
func scheduleKeyFor(rule *Rule) string {
	if rule.Trigger.Type != TriggerSchedule {
		return ""
	}
	return rule.Trigger.Every + "|" + rule.Trigger.At
}
