package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/homelink-core/internal/audit"
	"github.com/nerrad567/homelink-core/internal/automation"
)

// handleListScenes returns the tenant's scenes.
func (s *Server) handleListScenes(w http.ResponseWriter, r *http.Request) {
	scenes, err := s.scenes.ListByTenant(r.Context(), identity(r).TenantID)
	if err != nil {
		writeInternalError(w, "failed to list scenes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenes": scenes, "count": len(scenes)})
}

// handleGetScene returns a single scene by ID.
func (s *Server) handleGetScene(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid scene ID")
		return
	}

	scene, err := s.scenes.GetTenantScene(r.Context(), identity(r).TenantID, id)
	if err != nil {
		writeDomainError(w, err, "failed to get scene")
		return
	}

	writeJSON(w, http.StatusOK, scene)
}

// handleCreateScene creates a scene for the caller's tenant.
func (s *Server) handleCreateScene(w http.ResponseWriter, r *http.Request) {
	var scene automation.Scene
	if err := json.NewDecoder(r.Body).Decode(&scene); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	scene.TenantID = identity(r).TenantID

	if err := s.checkSceneDevices(r.Context(), &scene); err != nil {
		writeDomainError(w, err, "failed to create scene")
		return
	}
	if err := s.scenes.CreateScene(r.Context(), &scene); err != nil {
		if !writeDomainError(w, err, "failed to create scene") {
			s.logger.Error("failed to create scene", "error", err)
		}
		return
	}

	s.auditLog(r, audit.ActionCreate, "scene", scene.ID, map[string]any{"name": scene.Name})
	writeJSON(w, http.StatusCreated, scene)
}

// handleUpdateScene replaces a scene's definition.
func (s *Server) handleUpdateScene(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid scene ID")
		return
	}

	existing, err := s.scenes.GetTenantScene(ctx, identity(r).TenantID, id)
	if err != nil {
		writeDomainError(w, err, "failed to get scene")
		return
	}

	// Decode onto the existing scene so omitted fields are kept.
	if err := json.NewDecoder(r.Body).Decode(existing); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	existing.ID = id

	if err := s.checkSceneDevices(ctx, existing); err != nil {
		writeDomainError(w, err, "failed to update scene")
		return
	}
	if err := s.scenes.UpdateScene(ctx, existing); err != nil {
		if !writeDomainError(w, err, "failed to update scene") {
			s.logger.Error("failed to update scene", "scene_id", id, "error", err)
		}
		return
	}

	s.auditLog(r, audit.ActionUpdate, "scene", id, map[string]any{"name": existing.Name})
	writeJSON(w, http.StatusOK, existing)
}

// handleDeleteScene removes a scene by ID.
func (s *Server) handleDeleteScene(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid scene ID")
		return
	}

	if _, err := s.scenes.GetTenantScene(ctx, identity(r).TenantID, id); err != nil {
		writeDomainError(w, err, "failed to get scene")
		return
	}
	if err := s.scenes.DeleteScene(ctx, id); err != nil {
		if !writeDomainError(w, err, "failed to delete scene") {
			s.logger.Error("failed to delete scene", "scene_id", id, "error", err)
		}
		return
	}

	s.auditLog(r, audit.ActionDelete, "scene", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleActivateScene runs a scene.
//
// By default the activation runs in the background and the response is 202;
// the outcome arrives on the scene.activated WebSocket channel and in the
// execution history. With ?wait=true the request blocks and returns the
// finished execution.
func (s *Server) handleActivateScene(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := identity(r)
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid scene ID")
		return
	}

	// Not-found and disabled are reported synchronously in both modes.
	scene, err := s.scenes.GetTenantScene(ctx, caller.TenantID, id)
	if err != nil {
		writeDomainError(w, err, "failed to get scene")
		return
	}
	if !scene.Enabled {
		writeDomainError(w, automation.ErrSceneDisabled, "")
		return
	}

	source := "api:" + caller.Subject
	if r.URL.Query().Get("wait") == "true" {
		exec, err := s.sceneEngine.ActivateScene(ctx, caller.TenantID, id, automation.SceneTriggerManual, source)
		if err != nil {
			if !writeDomainError(w, err, "failed to activate scene") {
				s.logger.Error("failed to activate scene", "scene_id", id, "error", err)
			}
			return
		}
		writeJSON(w, http.StatusOK, exec)
		return
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if _, err := s.sceneEngine.ActivateScene(s.backgroundCtx(), caller.TenantID, id, automation.SceneTriggerManual, source); err != nil {
			s.logger.Warn("background scene activation failed", "scene_id", id, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"scene_id": id,
		"status":   "accepted",
		"message":  "scene activation started, the result follows on scene.activated",
	})
}

// handleListSceneExecutions returns execution history for a scene, newest first.
func (s *Server) handleListSceneExecutions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid scene ID")
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if _, err := s.scenes.GetTenantScene(ctx, identity(r).TenantID, id); err != nil {
		writeDomainError(w, err, "failed to get scene")
		return
	}

	executions, err := s.scenes.ListExecutions(ctx, id, limit)
	if err != nil {
		s.logger.Error("failed to list scene executions", "scene_id", id, "error", err)
		writeInternalError(w, "failed to list executions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"executions": executions, "count": len(executions)})
}

// checkSceneDevices rejects steps that target devices outside the scene's tenant.
func (s *Server) checkSceneDevices(ctx context.Context, scene *automation.Scene) error {
	for i, step := range scene.Actions {
		if step.DeviceID == "" {
			continue // left to scene validation
		}
		if _, err := s.devices.GetTenantDevice(ctx, scene.TenantID, step.DeviceID); err != nil {
			return fmt.Errorf("%w: step %d targets unknown device %q", automation.ErrInvalidAction, i, step.DeviceID)
		}
	}
	return nil
}
