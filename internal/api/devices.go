package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/homelink-core/internal/audit"
	"github.com/nerrad567/homelink-core/internal/capability"
	"github.com/nerrad567/homelink-core/internal/device"
)

// maxQueryParamLen limits query parameter length to prevent DoS via oversized URL params.
const maxQueryParamLen = 100

// History limits.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// createDeviceRequest is the provisioning body. State and liveness are
// owned by the synchronizer and cannot be set by callers.
type createDeviceRequest struct {
	ID             string                `json:"id"`
	TenantID       string                `json:"tenant_id"`
	Name           string                `json:"name"`
	Vendor         capability.Vendor     `json:"vendor"`
	Category       string                `json:"category"`
	Model          *string               `json:"model"`
	ConnectionKind device.ConnectionKind `json:"connection_kind"`
	CommandChannel string                `json:"command_channel"`
	StatusChannel  string                `json:"status_channel"`
}

// commandRequest is the body of POST /devices/{id}/commands.
type commandRequest struct {
	Action string `json:"action"`
	Value  any    `json:"value,omitempty"`
}

// handleListDevices returns the tenant's devices.
//
// Query parameters:
//   - vendor: filter by vendor (generic, tuya, melcloud, gree)
//   - liveness: filter by liveness (online, offline)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := identity(r).TenantID
	q := r.URL.Query()

	var (
		devices []device.Device
		err     error
	)
	if v := q.Get("vendor"); v != "" {
		if len(v) > maxQueryParamLen {
			writeBadRequest(w, "vendor exceeds maximum length")
			return
		}
		devices, err = s.devices.ListByVendor(ctx, tenantID, capability.ParseVendor(v))
	} else {
		devices, err = s.devices.ListByTenant(ctx, tenantID)
	}
	if err != nil {
		s.logger.Error("failed to list devices", "tenant", tenantID, "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	if l := q.Get("liveness"); l != "" {
		want := device.Liveness(l)
		if want != device.LivenessOnline && want != device.LivenessOffline {
			writeBadRequest(w, "liveness must be online or offline")
			return
		}
		kept := devices[:0]
		for _, d := range devices {
			if d.Liveness == want {
				kept = append(kept, d)
			}
		}
		devices = kept
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device of the caller's tenant.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := s.devices.GetTenantDevice(r.Context(), identity(r).TenantID, id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleCreateDevice provisions a device for the caller's tenant and joins
// it to the tenant's running bridge for its vendor, if any.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := identity(r)

	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.TenantID != "" && req.TenantID != caller.TenantID {
		writeDomainError(w, fmt.Errorf("%w: cannot provision for tenant %q", device.ErrTenantMismatch, req.TenantID), "")
		return
	}

	dev := &device.Device{
		ID:             req.ID,
		TenantID:       caller.TenantID,
		Name:           req.Name,
		Vendor:         req.Vendor,
		Category:       req.Category,
		Model:          req.Model,
		ConnectionKind: req.ConnectionKind,
		CommandChannel: req.CommandChannel,
		StatusChannel:  req.StatusChannel,
	}
	if err := s.devices.CreateDevice(ctx, dev); err != nil {
		if !writeDomainError(w, err, "failed to create device") {
			s.logger.Error("failed to create device", "tenant", caller.TenantID, "error", err)
		}
		return
	}

	if err := s.bridges.DeviceAdded(ctx, dev); err != nil {
		// The device exists; it is picked up on the next bridge start.
		s.logger.Warn("device created but not activated", "device_id", dev.ID, "error", err)
	}

	s.auditLog(r, audit.ActionCreate, "device", dev.ID, map[string]any{
		"name":   dev.Name,
		"vendor": dev.Vendor,
	})

	created, err := s.devices.GetDevice(ctx, dev.ID)
	if err != nil {
		created = dev
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleDeleteDevice deprovisions a device. It is deactivated first; a
// device that stays subscribed is not deleted.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	dev, err := s.devices.GetTenantDevice(ctx, identity(r).TenantID, id)
	if err != nil {
		if !writeDomainError(w, err, "failed to get device") {
			s.logger.Error("failed to get device", "device_id", id, "error", err)
		}
		return
	}

	if err := s.bridges.DeviceRemoved(ctx, dev); err != nil {
		s.logger.Warn("failed to deactivate device", "device_id", id, "error", err)
	}
	if s.syncer.IsActive(id) {
		writeDomainError(w, fmt.Errorf("%w: %s is still subscribed", device.ErrDeviceActive, id), "")
		return
	}

	if err := s.devices.DeleteDevice(ctx, id); err != nil {
		if !writeDomainError(w, err, "failed to delete device") {
			s.logger.Error("failed to delete device", "device_id", id, "error", err)
		}
		return
	}
	if err := s.capabilities.Forget(ctx, id); err != nil {
		s.logger.Warn("failed to forget device capabilities", "device_id", id, "error", err)
	}

	s.auditLog(r, audit.ActionDelete, "device", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetCapabilities returns the capability descriptor the device
// resolves to: an announced schema, a catalog entry, the vendor fallback or
// an empty (passthrough-only) descriptor.
func (s *Server) handleGetCapabilities(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := s.devices.GetTenantDevice(r.Context(), identity(r).TenantID, id)
	if err != nil {
		if !writeDomainError(w, err, "failed to get device") {
			s.logger.Error("failed to get device", "device_id", id, "error", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, s.capabilities.Resolve(dev.ID, dev.Vendor, dev.Category))
}

// handleSendCommand translates a canonical action into the device's vendor
// dialect and publishes it on its command channel. The device's next status
// report confirms the change, so the response is 202.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	caller := identity(r)

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Action == "" {
		writeBadRequest(w, "action is required")
		return
	}

	msg, err := s.commander.SendCommand(r.Context(), caller.TenantID, id, req.Action, req.Value)
	if err != nil {
		if !writeDomainError(w, err, "failed to send command") {
			s.logger.Error("failed to send command", "device_id", id, "action", req.Action, "error", err)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"device_id": msg.DeviceID,
		"action":    req.Action,
		"values":    msg.Values,
	})
}

// handleGetStateHistory returns recent state changes of a device, newest first.
//
// Query parameters:
//   - limit: max entries (default 50, max 200)
func (s *Server) handleGetStateHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "state history not configured")
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if _, err := s.devices.GetTenantDevice(ctx, identity(r).TenantID, id); err != nil {
		if !writeDomainError(w, err, "failed to get device") {
			s.logger.Error("failed to get device", "device_id", id, "error", err)
		}
		return
	}

	entries, err := s.history.GetHistory(ctx, id, limit)
	if err != nil {
		s.logger.Error("failed to get state history", "device_id", id, "error", err)
		writeInternalError(w, "failed to get state history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "entries": entries, "count": len(entries)})
}

// parseHistoryLimit validates the limit query parameter.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}
