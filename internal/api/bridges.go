package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/homelink-core/internal/audit"
	"github.com/nerrad567/homelink-core/internal/capability"
)

// handleListBridges returns one entry per known vendor for the caller's tenant.
func (s *Server) handleListBridges(w http.ResponseWriter, r *http.Request) {
	bridges := s.bridges.List(identity(r).TenantID)
	writeJSON(w, http.StatusOK, map[string]any{"bridges": bridges, "count": len(bridges)})
}

// handleStartBridge activates every device of the vendor in the caller's
// tenant and starts health reporting. A failed activation rolls the bridge back.
func (s *Server) handleStartBridge(w http.ResponseWriter, r *http.Request) {
	vendor := capability.ParseVendor(chi.URLParam(r, "vendor"))

	info, err := s.bridges.Start(r.Context(), identity(r).TenantID, vendor)
	if err != nil {
		if !writeDomainError(w, err, "failed to start bridge") {
			s.logger.Error("failed to start bridge", "vendor", vendor, "error", err)
		}
		return
	}

	s.auditLog(r, audit.ActionStart, "bridge", string(vendor), map[string]any{"devices": info.DevicesManaged})
	writeJSON(w, http.StatusOK, info)
}

// handleStopBridge deactivates the vendor's devices and publishes a final
// stopped health report.
func (s *Server) handleStopBridge(w http.ResponseWriter, r *http.Request) {
	vendor := capability.ParseVendor(chi.URLParam(r, "vendor"))

	if err := s.bridges.Stop(r.Context(), identity(r).TenantID, vendor); err != nil {
		if !writeDomainError(w, err, "failed to stop bridge") {
			s.logger.Error("failed to stop bridge", "vendor", vendor, "error", err)
		}
		return
	}

	s.auditLog(r, audit.ActionStop, "bridge", string(vendor), nil)
	w.WriteHeader(http.StatusNoContent)
}
