// Package device provides the Device Registry and State Synchronizer for
// HomeLink Core.
//
// A device is a provisioned, vendor-specific appliance (an air conditioner,
// a plug, a sensor) that belongs to exactly one tenant and talks to Core
// over a command channel and a status channel on the tenant's broker.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────────┐
//	│                              device                                  │
//	│                                                                      │
//	│  ┌──────────────┐   ┌────────────────┐   ┌────────────────────────┐  │
//	│  │   Registry   │──▶│   Repository   │   │      Synchronizer      │  │
//	│  │ cache + CRUD │   │ SQLite devices │   │ status → parse → merge │  │
//	│  │ state merge  │   │ state document │   │ liveness sweep         │  │
//	│  └──────▲───────┘   └────────────────┘   └───────────┬────────────┘  │
//	│         │                                            │               │
//	│         └─────────────── Commander ◀─────────────────┘               │
//	│                   action → adapter → publish                         │
//	└──────────────────────────────────────────────────────────────────────┘
//	          │                                      │
//	          ▼                                      ▼
//	   capability.Registry                  mqtt.Manager (Bus)
//
// # State
//
// State is a map of canonical DP codes to values. Every parsed status
// report is merged into the stored state: reported keys overwrite, all other
// keys survive. Unknown vendor keys are kept as passthrough fields.
//
// A report the device's adapter cannot parse is dropped. It does not touch
// state or liveness and emits nothing.
//
// # Events
//
// Synchronizer.Subscribe delivers a ChangeEvent for every parsed report,
// including reports that changed nothing (Changed is then empty). Liveness
// transitions arrive through SubscribeLiveness.
//
// # Usage
//
//	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	syncer := device.NewSynchronizer(registry, caps, mqttManager, clock.Real(), device.SyncConfig{})
//	cancel := syncer.Subscribe(func(ev device.ChangeEvent) { ... })
//	defer cancel()
//	_ = syncer.Activate(ctx, "ac-1")
//
//	cmd := device.NewCommander(registry, caps, mqttManager, clock.Real(), 1)
//	_, err := cmd.SendCommand(ctx, "acme", "ac-1", adapter.ActionSetMode, "cool")
//
// # Thread Safety
//
// Registry, Synchronizer and Commander are safe for concurrent use. State
// writes are serialised in the registry, so the last report to arrive wins.
package device
