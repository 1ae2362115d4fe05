package api

import (
	"net/http"
	"testing"

	"github.com/nerrad567/homelink-core/internal/auth"
	"github.com/nerrad567/homelink-core/internal/bridge"
	"github.com/nerrad567/homelink-core/internal/capability"
)

func TestBridges_StartStop(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreateDevice(t, "acme", "ac-1")
	env.mustCreateDevice(t, "acme", "ac-2")
	env.mustCreateDevice(t, "globex", "gx-1")
	admin := token(t, "acme", auth.RoleAdmin)

	rec := env.do(t, http.MethodPost, "/api/v1/bridges/generic/start", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body.String())
	}
	info := decode[bridge.Info](t, rec)
	if !info.Running || info.DevicesManaged != 2 || info.Tenant != "acme" {
		t.Errorf("info = %+v", info)
	}
	if !env.syncer.IsActive("ac-1") || !env.syncer.IsActive("ac-2") {
		t.Error("tenant devices should be active")
	}
	if env.syncer.IsActive("gx-1") {
		t.Error("another tenant's device was activated")
	}
	if topics := env.health.topics(); len(topics) != 1 || topics[0] != "acme/bridge/generic/health" {
		t.Errorf("health reports = %v", topics)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/bridges/generic/start", admin, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/bridges", token(t, "acme", auth.RoleViewer), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	list := decode[struct {
		Bridges []bridge.Info `json:"bridges"`
	}](t, rec)
	running := 0
	for _, b := range list.Bridges {
		if b.Running {
			running++
			if b.Vendor != capability.VendorGeneric {
				t.Errorf("running bridge vendor = %q", b.Vendor)
			}
		}
	}
	if running != 1 {
		t.Errorf("running bridges = %d, want 1", running)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/bridges/generic/stop", admin, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("stop status = %d, body %s", rec.Code, rec.Body.String())
	}
	if env.syncer.IsActive("ac-1") {
		t.Error("device still active after bridge stop")
	}

	rec = env.do(t, http.MethodPost, "/api/v1/bridges/generic/stop", admin, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second stop status = %d, want 409", rec.Code)
	}
}

func TestBridges_UnknownVendor(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/bridges/acmecorp/start", token(t, "acme", auth.RoleAdmin), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestBridges_TenantsAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreateDevice(t, "acme", "ac-1")
	env.mustCreateDevice(t, "globex", "gx-1")

	if rec := env.do(t, http.MethodPost, "/api/v1/bridges/generic/start", token(t, "globex", auth.RoleAdmin), nil); rec.Code != http.StatusOK {
		t.Fatalf("globex start status = %d", rec.Code)
	}

	// acme has no running bridge of its own.
	rec := env.do(t, http.MethodPost, "/api/v1/bridges/generic/stop", token(t, "acme", auth.RoleAdmin), nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("acme stop status = %d, want 409", rec.Code)
	}
	if !env.syncer.IsActive("gx-1") {
		t.Error("globex device deactivated by another tenant")
	}
}
