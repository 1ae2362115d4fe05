package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleRegistry provides rule management with caching and thread safety.
// It wraps a RuleRepository and notifies a listener after every mutation so
// the RuleEngine can swap in the new rule set.
//
// All public methods are thread-safe.
type RuleRegistry struct {
	repo    RuleRepository
	cache   map[string]*Rule
	cacheMu sync.RWMutex

	onChange func(ctx context.Context)
	logger   Logger
}

// NewRuleRegistry creates a new rule registry.
func NewRuleRegistry(repo RuleRepository) *RuleRegistry {
	return &RuleRegistry{
		repo:   repo,
		cache:  make(map[string]*Rule),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *RuleRegistry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetOnChange registers fn to run after every create, update and delete.
// Set it before the registry is shared.
func (r *RuleRegistry) SetOnChange(fn func(ctx context.Context)) {
	r.onChange = fn
}

// RefreshCache reloads all rules from the repository into the cache.
func (r *RuleRegistry) RefreshCache(ctx context.Context) error {
	rules, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Rule, len(rules))
	for i := range rules {
		r.cache[rules[i].ID] = rules[i].DeepCopy()
	}

	r.logger.Info("rule cache refreshed", "count", len(rules))
	return nil
}

// GetRule retrieves a rule by ID as a deep copy.
func (r *RuleRegistry) GetRule(_ context.Context, id string) (*Rule, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if !ok {
		return nil, ErrRuleNotFound
	}
	return cached.DeepCopy(), nil
}

// GetTenantRule retrieves a rule owned by tenantID. A rule of another
// tenant is reported as not found.
func (r *RuleRegistry) GetTenantRule(ctx context.Context, tenantID, id string) (*Rule, error) {
	rule, err := r.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule.TenantID != tenantID {
		return nil, ErrRuleNotFound
	}
	return rule, nil
}

// ListRules returns every cached rule sorted by tenant then name.
func (r *RuleRegistry) ListRules(_ context.Context) ([]Rule, error) {
	return r.filter(func(*Rule) bool { return true }), nil
}

// ListByTenant returns the rules of one tenant sorted by name.
func (r *RuleRegistry) ListByTenant(_ context.Context, tenantID string) ([]Rule, error) {
	return r.filter(func(rule *Rule) bool { return rule.TenantID == tenantID }), nil
}

func (r *RuleRegistry) filter(keep func(*Rule) bool) []Rule {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	rules := make([]Rule, 0, len(r.cache))
	for _, rule := range r.cache {
		if keep(rule) {
			rules = append(rules, *rule.DeepCopy())
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].TenantID != rules[j].TenantID {
			return rules[i].TenantID < rules[j].TenantID
		}
		return rules[i].Name < rules[j].Name
	})
	return rules
}

// CreateRule validates, persists, and caches a new rule.
func (r *RuleRegistry) CreateRule(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = GenerateID()
	}
	if rule.Actions == nil {
		rule.Actions = []RuleAction{}
	}

	if err := ValidateRule(rule); err != nil {
		return err
	}

	if err := r.repo.Create(ctx, rule); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[rule.ID] = rule.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("rule created", "id", rule.ID, "tenant_id", rule.TenantID, "name", rule.Name)
	r.changed(ctx)
	return nil
}

// UpdateRule replaces a rule's definition. The stored tenant, creation time
// and last-triggered timestamp are kept.
func (r *RuleRegistry) UpdateRule(ctx context.Context, rule *Rule) error {
	r.cacheMu.RLock()
	existing, ok := r.cache[rule.ID]
	r.cacheMu.RUnlock()
	if !ok {
		return ErrRuleNotFound
	}
	rule.TenantID = existing.TenantID
	rule.CreatedAt = existing.CreatedAt
	rule.LastTriggeredAt = cloneTimePtr(existing.LastTriggeredAt)

	if err := ValidateRule(rule); err != nil {
		return err
	}

	if err := r.repo.Update(ctx, rule); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[rule.ID] = rule.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("rule updated", "id", rule.ID, "name", rule.Name)
	r.changed(ctx)
	return nil
}

// DeleteRule removes a rule from persistence and cache.
func (r *RuleRegistry) DeleteRule(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("rule deleted", "id", id)
	r.changed(ctx)
	return nil
}

// SetLastTriggered persists a rule's last-triggered time. It does not
// notify the change listener; the engine already holds the value.
func (r *RuleRegistry) SetLastTriggered(ctx context.Context, id string, at time.Time) error {
	if err := r.repo.SetLastTriggered(ctx, id, at); err != nil {
		return err
	}

	at = at.UTC()
	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		cached.LastTriggeredAt = &at
	}
	r.cacheMu.Unlock()
	return nil
}

// RecordExecution persists a finished rule execution.
func (r *RuleRegistry) RecordExecution(ctx context.Context, exec *RuleExecution) error {
	return r.repo.CreateExecution(ctx, exec)
}

// ListExecutions returns recent executions of a rule, newest first.
func (r *RuleRegistry) ListExecutions(ctx context.Context, ruleID string, limit int) ([]RuleExecution, error) {
	return r.repo.ListExecutions(ctx, ruleID, limit)
}

// GetRuleCount returns the number of cached rules.
func (r *RuleRegistry) GetRuleCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

func (r *RuleRegistry) changed(ctx context.Context) {
	if r.onChange != nil {
		r.onChange(ctx)
	}
}
