// Package bridge runs the per-vendor bridges of HomeLink Core.
//
// A bridge is the lifecycle of one (tenant, vendor) pair. Starting it
// activates every device of that vendor in the tenant through the State
// Synchronizer and begins publishing retained health reports on
// {tenant}/bridge/{vendor}/health. Stopping it deactivates those devices and
// publishes a final "stopped" report.
//
//	┌──────────────┐  Activate/Deactivate  ┌──────────────────┐
//	│   Manager    │──────────────────────▶│ device.Synchron. │
//	│ (tenant,     │                       └──────────────────┘
//	│  vendor) map │  health every N s     ┌──────────────────┐
//	│              │──────────────────────▶│ mqtt.Manager     │
//	└──────────────┘                       └──────────────────┘
//
// DeviceAdded and DeviceRemoved keep a running bridge in step with
// provisioning, so a device created while its bridge runs is live at once.
//
// # Thread Safety
//
// Manager is safe for concurrent use.
package bridge
