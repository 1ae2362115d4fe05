// Package automation provides the rule engine and scene engine for HomeLink
// Core.
//
// Rules watch one property of one device (or a schedule, or a manual
// trigger), test an optional condition and run an ordered chain of device
// commands and scene activations. Scenes are named, ordered sequences of
// device commands executed as a unit.
//
// Architecture:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                  RuleEngine (rule_engine.go)                  │
//	│  atomic rule snapshot ─▶ condition ─▶ debounce ─▶ throttle    │
//	│         ▲                                │                    │
//	│  ┌──────┴───────┐                        ▼                    │
//	│  │ RuleRegistry │──▶ RuleRepository   actions in order       │
//	│  └──────────────┘                     │            │          │
//	│                                       ▼            ▼          │
//	│                               Commander    SceneEngine        │
//	│                                             (engine.go)       │
//	│                                             │                 │
//	│                               SceneRegistry ─▶ SceneRepository│
//	└──────────────────────────────────────────────────────────────┘
//
// # Rule lifecycle
//
// Each rule moves idle → debouncing → executing → idle. A qualifying event
// (the watched property is reported and the condition holds) re-arms the
// debounce, so a burst of events produces one execution carrying the last
// value. When the debounce fires, a rule whose last attempted action started
// less than its throttle ago is skipped silently.
//
// Action failures are recorded per action and never stop the remaining
// actions. The outcome is success, partial or failure.
//
// A condition that cannot be evaluated (a string compared with gt, say)
// counts as not matching. The error is logged and kept in the rule's
// RuleStatus; the rule stays enabled.
//
// # Key Types
//
//   - Rule, Trigger, Condition, RuleAction: rule definition
//   - RuleExecution: record of one post-debounce run
//   - Scene, SceneAction, SceneExecution: scene definition and activation record
//   - RuleEngine, SceneEngine: executors
//   - RuleRegistry, SceneRegistry: thread-safe caches wrapping the repositories
//
// # Thread Safety
//
// Registries and engines are safe for concurrent use from multiple goroutines.
//
// # Usage
//
//	rules := automation.NewRuleRegistry(automation.NewSQLiteRuleRepository(db))
//	scenes := automation.NewSceneRegistry(automation.NewSQLiteSceneRepository(db))
//
//	sceneEngine := automation.NewSceneEngine(scenes, commander, sceneRepo, clock.Real(), hub)
//	engine := automation.NewRuleEngine(rules, commander, sceneEngine, clock.Real(), automation.RuleEngineConfig{})
//	engine.SetRecorder(rules)
//	rules.SetOnChange(func(ctx context.Context) { _ = engine.Reload(ctx) })
//
//	if err := engine.Start(ctx, synchronizer); err != nil {
//	    return err
//	}
//	defer engine.Stop()
package automation
