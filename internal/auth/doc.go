// Package auth verifies the bearer tokens that scope admin calls to a tenant.
//
// HomeLink Core does not manage accounts. An external identity service
// issues HS256 JWTs whose claims carry the caller (sub), the tenant the
// caller may act on (tid) and a role. Core checks the signature, expiry and
// issuer and then authorises each route against a static role to
// permission table:
//
//	viewer   → read devices, rules, scenes, bridges
//	operator → viewer + send commands, trigger rules, activate scenes
//	admin    → operator + provision devices, manage rules/scenes/bridges, audit
//
// The verified Identity travels in the request context; use WithIdentity and
// IdentityFrom to store and read it.
package auth
