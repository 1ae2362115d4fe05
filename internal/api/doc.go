// Package api implements the administrative HTTP API and WebSocket server
// for HomeLink Core.
//
// This package provides:
//   - Device provisioning, capability lookup, commands and state history
//   - Rule and scene CRUD, manual rule triggers and scene activation
//   - Bridge start/stop per (tenant, vendor) and connection statistics
//   - A tenant-filtered WebSocket hub for device and automation events
//   - A middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Tenancy
//
// Every protected route runs with the identity carried by the caller's JWT.
// The token's "tid" claim is the tenant scope: list endpoints only return that
// tenant's records, and records of other tenants answer 404. Tokens are issued
// by an external identity service; this package only verifies them.
//
// # Roles
//
// viewer can read, operator can additionally send commands, trigger rules
// and activate scenes, admin can additionally provision devices, manage
// rules and scenes, start and stop bridges, and read the audit log.
//
// # WebSocket
//
// GET /api/v1/ws upgrades an authenticated request. Browsers pass the token
// as ?token= because they cannot set headers on the upgrade. Clients send
//
//	{"type":"subscribe","id":"1","payload":{"channels":["device.state_changed"]}}
//
// and receive events of their own tenant on device.state_changed,
// device.liveness, automation.rule_executed and scene.activated.
package api
