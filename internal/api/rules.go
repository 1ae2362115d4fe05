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

// ruleView is a rule with its runtime status.
type ruleView struct {
	*automation.Rule
	Status *automation.RuleStatus `json:"status,omitempty"`
}

// triggerRequest is the optional body of POST /rules/{id}/trigger.
type triggerRequest struct {
	Value any `json:"value"`
}

func (s *Server) viewRule(rule *automation.Rule) ruleView {
	v := ruleView{Rule: rule}
	if st, ok := s.ruleEngine.Status(rule.ID); ok {
		v.Status = &st
	}
	return v
}

// handleListRules returns the tenant's rules with their runtime status.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.ListByTenant(r.Context(), identity(r).TenantID)
	if err != nil {
		writeInternalError(w, "failed to list rules")
		return
	}

	views := make([]ruleView, len(rules))
	for i := range rules {
		views[i] = s.viewRule(&rules[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": views, "count": len(views)})
}

// handleGetRule returns a single rule with its runtime status.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid rule ID")
		return
	}

	rule, err := s.rules.GetTenantRule(r.Context(), identity(r).TenantID, id)
	if err != nil {
		writeDomainError(w, err, "failed to get rule")
		return
	}
	writeJSON(w, http.StatusOK, s.viewRule(rule))
}

// handleCreateRule creates a rule for the caller's tenant. The engine picks
// it up through the registry's change hook.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule automation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	rule.TenantID = identity(r).TenantID
	rule.LastTriggeredAt = nil

	if err := s.checkRuleReferences(r.Context(), &rule); err != nil {
		writeDomainError(w, err, "failed to create rule")
		return
	}
	if err := s.rules.CreateRule(r.Context(), &rule); err != nil {
		if !writeDomainError(w, err, "failed to create rule") {
			s.logger.Error("failed to create rule", "error", err)
		}
		return
	}

	s.auditLog(r, audit.ActionCreate, "rule", rule.ID, map[string]any{"name": rule.Name})
	writeJSON(w, http.StatusCreated, rule)
}

// handleUpdateRule replaces a rule's definition.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid rule ID")
		return
	}

	existing, err := s.rules.GetTenantRule(ctx, identity(r).TenantID, id)
	if err != nil {
		writeDomainError(w, err, "failed to get rule")
		return
	}

	// Decode onto the existing rule so omitted fields are kept.
	if err := json.NewDecoder(r.Body).Decode(existing); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	existing.ID = id

	if err := s.checkRuleReferences(ctx, existing); err != nil {
		writeDomainError(w, err, "failed to update rule")
		return
	}
	if err := s.rules.UpdateRule(ctx, existing); err != nil {
		if !writeDomainError(w, err, "failed to update rule") {
			s.logger.Error("failed to update rule", "rule_id", id, "error", err)
		}
		return
	}

	s.auditLog(r, audit.ActionUpdate, "rule", id, map[string]any{"name": existing.Name, "enabled": existing.Enabled})
	writeJSON(w, http.StatusOK, existing)
}

// handleDeleteRule removes a rule by ID.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid rule ID")
		return
	}

	if _, err := s.rules.GetTenantRule(ctx, identity(r).TenantID, id); err != nil {
		writeDomainError(w, err, "failed to get rule")
		return
	}
	if err := s.rules.DeleteRule(ctx, id); err != nil {
		if !writeDomainError(w, err, "failed to delete rule") {
			s.logger.Error("failed to delete rule", "rule_id", id, "error", err)
		}
		return
	}

	s.auditLog(r, audit.ActionDelete, "rule", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleTriggerRule fires a rule by hand. It goes through the same debounce
// and throttle path as device events, so the response is 202.
func (s *Server) handleTriggerRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid rule ID")
		return
	}

	var req triggerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	if err := s.ruleEngine.Trigger(r.Context(), identity(r).TenantID, id, req.Value); err != nil {
		if !writeDomainError(w, err, "failed to trigger rule") {
			s.logger.Error("failed to trigger rule", "rule_id", id, "error", err)
		}
		return
	}

	s.auditLog(r, audit.ActionTrigger, "rule", id, nil)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"rule_id": id,
		"status":  "accepted",
	})
}

// handleListRuleExecutions returns a rule's executions, last outcome first.
//
// Query parameters:
//   - limit: max entries (default 50, max 200)
func (s *Server) handleListRuleExecutions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid rule ID")
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if _, err := s.rules.GetTenantRule(ctx, identity(r).TenantID, id); err != nil {
		writeDomainError(w, err, "failed to get rule")
		return
	}

	executions, err := s.rules.ListExecutions(ctx, id, limit)
	if err != nil {
		s.logger.Error("failed to list rule executions", "rule_id", id, "error", err)
		writeInternalError(w, "failed to list executions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions, "count": len(executions)})
}

// checkRuleReferences rejects rules whose trigger device, action devices or
// scenes belong to another tenant or do not exist.
func (s *Server) checkRuleReferences(ctx context.Context, rule *automation.Rule) error {
	if rule.Trigger.Type == automation.TriggerDevice && rule.Trigger.DeviceID != "" {
		if _, err := s.devices.GetTenantDevice(ctx, rule.TenantID, rule.Trigger.DeviceID); err != nil {
			return fmt.Errorf("%w: trigger device %q not found", automation.ErrInvalidTrigger, rule.Trigger.DeviceID)
		}
	}
	for i, a := range rule.Actions {
		switch a.Type {
		case automation.ActionDevice:
			if a.DeviceID == "" {
				continue
			}
			if _, err := s.devices.GetTenantDevice(ctx, rule.TenantID, a.DeviceID); err != nil {
				return fmt.Errorf("%w: action %d targets unknown device %q", automation.ErrInvalidAction, i, a.DeviceID)
			}
		case automation.ActionScene:
			if a.SceneID == "" {
				continue
			}
			if _, err := s.scenes.GetTenantScene(ctx, rule.TenantID, a.SceneID); err != nil {
				return fmt.Errorf("%w: action %d targets unknown scene %q", automation.ErrInvalidAction, i, a.SceneID)
			}
		}
	}
	return nil
}
