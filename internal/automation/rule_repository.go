package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RuleRepository defines the interface for rule persistence.
type RuleRepository interface {
	GetByID(ctx context.Context, id string) (*Rule, error)
	List(ctx context.Context) ([]Rule, error)
	ListByTenant(ctx context.Context, tenantID string) ([]Rule, error)
	Create(ctx context.Context, rule *Rule) error
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error
	SetLastTriggered(ctx context.Context, id string, at time.Time) error

	// Execution logging
	CreateExecution(ctx context.Context, exec *RuleExecution) error
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]RuleExecution, error)
}

const ruleColumns = `id, tenant_id, name, enabled, trigger_spec, condition_spec, actions,
			debounce_ms, throttle_ms, last_triggered_at, created_at, updated_at`

const ruleExecutionColumns = `id, rule_id, tenant_id, trigger_type, trigger_value, status,
			started_at, completed_at, results, actions_attempted, actions_failed`

// SQLiteRuleRepository implements RuleRepository using SQLite.
type SQLiteRuleRepository struct {
	db *sql.DB
}

// NewSQLiteRuleRepository creates a new SQLite-backed rule repository.
func NewSQLiteRuleRepository(db *sql.DB) *SQLiteRuleRepository {
	return &SQLiteRuleRepository{db: db}
}

// GetByID retrieves a rule by its unique identifier.
func (r *SQLiteRuleRepository) GetByID(ctx context.Context, id string) (*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("querying rule by id: %w", err)
	}
	return rule, nil
}

// List retrieves all rules ordered by tenant then name.
func (r *SQLiteRuleRepository) List(ctx context.Context) ([]Rule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY tenant_id, name`)
}

// ListByTenant retrieves the rules of one tenant ordered by name.
func (r *SQLiteRuleRepository) ListByTenant(ctx context.Context, tenantID string) ([]Rule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE tenant_id = ? ORDER BY name`, tenantID)
}

// Create inserts a new rule.
func (r *SQLiteRuleRepository) Create(ctx context.Context, rule *Rule) error {
	trigger, condition, actions, err := marshalRuleSpecs(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		rule.ID,
		rule.TenantID,
		rule.Name,
		boolToInt(rule.Enabled),
		trigger,
		condition,
		actions,
		rule.DebounceMS,
		rule.ThrottleMS,
		nullableTime(rule.LastTriggeredAt),
		rule.CreatedAt.Format(time.RFC3339),
		rule.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrRuleExists
		}
		return fmt.Errorf("inserting rule: %w", err)
	}
	return nil
}

// Update modifies the definition of an existing rule. The tenant and
// last-triggered timestamp are left alone.
func (r *SQLiteRuleRepository) Update(ctx context.Context, rule *Rule) error {
	trigger, condition, actions, err := marshalRuleSpecs(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE rules SET
			name = ?, enabled = ?, trigger_spec = ?, condition_spec = ?, actions = ?,
			debounce_ms = ?, throttle_ms = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		rule.Name,
		boolToInt(rule.Enabled),
		trigger,
		condition,
		actions,
		rule.DebounceMS,
		rule.ThrottleMS,
		rule.UpdatedAt.Format(time.RFC3339),
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating rule: %w", err)
	}
	return requireAffected(result, ErrRuleNotFound)
}

// Delete removes a rule by ID. Its executions go with it.
func (r *SQLiteRuleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	return requireAffected(result, ErrRuleNotFound)
}

// SetLastTriggered stores when the rule last attempted an action.
func (r *SQLiteRuleRepository) SetLastTriggered(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE rules SET last_triggered_at = ? WHERE id = ?",
		at.UTC().Format(sortableTime), id)
	if err != nil {
		return fmt.Errorf("updating last triggered: %w", err)
	}
	return requireAffected(result, ErrRuleNotFound)
}

// CreateExecution inserts a finished execution record.
func (r *SQLiteRuleRepository) CreateExecution(ctx context.Context, exec *RuleExecution) error {
	results, err := json.Marshal(exec.Results)
	if err != nil {
		return fmt.Errorf("marshalling results: %w", err)
	}
	var triggerValue sql.NullString
	if exec.TriggerValue != nil {
		data, err := json.Marshal(exec.TriggerValue)
		if err != nil {
			return fmt.Errorf("marshalling trigger value: %w", err)
		}
		triggerValue = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO rule_executions (` + ruleExecutionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		exec.ID,
		exec.RuleID,
		exec.TenantID,
		string(exec.TriggerType),
		triggerValue,
		string(exec.Status),
		exec.StartedAt.UTC().Format(sortableTime),
		nullableTime(exec.CompletedAt),
		string(results),
		exec.ActionsAttempted,
		exec.ActionsFailed,
	)
	if err != nil {
		return fmt.Errorf("inserting rule execution: %w", err)
	}
	return nil
}

// ListExecutions returns recent executions of a rule, newest first.
func (r *SQLiteRuleRepository) ListExecutions(ctx context.Context, ruleID string, limit int) ([]RuleExecution, error) {
	query := `SELECT ` + ruleExecutionColumns + `
		FROM rule_executions
		WHERE rule_id = ?
		ORDER BY started_at DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, ruleID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying rule executions: %w", err)
	}
	defer rows.Close()

	var out []RuleExecution
	for rows.Next() {
		exec, scanErr := scanRuleExecution(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning rule execution: %w", scanErr)
		}
		out = append(out, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rule executions: %w", err)
	}
	return out, nil
}

func (r *SQLiteRuleRepository) queryRules(ctx context.Context, query string, args ...any) ([]Rule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning rule: %w", scanErr)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rules: %w", err)
	}
	return rules, nil
}

func marshalRuleSpecs(rule *Rule) (trigger string, condition sql.NullString, actions string, err error) {
	t, err := json.Marshal(rule.Trigger)
	if err != nil {
		return "", sql.NullString{}, "", fmt.Errorf("marshalling trigger: %w", err)
	}
	if rule.Condition != nil {
		c, err := json.Marshal(rule.Condition)
		if err != nil {
			return "", sql.NullString{}, "", fmt.Errorf("marshalling condition: %w", err)
		}
		condition = sql.NullString{String: string(c), Valid: true}
	}
	a, err := json.Marshal(rule.Actions)
	if err != nil {
		return "", sql.NullString{}, "", fmt.Errorf("marshalling actions: %w", err)
	}
	return string(t), condition, string(a), nil
}

func scanRule(scanner rowScanner) (*Rule, error) {
	var rule Rule
	var enabled int
	var triggerJSON, actionsJSON, createdAt, updatedAt string
	var conditionJSON, lastTriggered sql.NullString

	err := scanner.Scan(
		&rule.ID,
		&rule.TenantID,
		&rule.Name,
		&enabled,
		&triggerJSON,
		&conditionJSON,
		&actionsJSON,
		&rule.DebounceMS,
		&rule.ThrottleMS,
		&lastTriggered,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled != 0
	rule.LastTriggeredAt = parseNullableTime(lastTriggered)
	rule.CreatedAt = parseTime(createdAt)
	rule.UpdatedAt = parseTime(updatedAt)

	if err := json.Unmarshal([]byte(triggerJSON), &rule.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshalling trigger: %w", err)
	}
	if conditionJSON.Valid && conditionJSON.String != "" {
		rule.Condition = &Condition{}
		if err := json.Unmarshal([]byte(conditionJSON.String), rule.Condition); err != nil {
			return nil, fmt.Errorf("unmarshalling condition: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(actionsJSON), &rule.Actions); err != nil {
		return nil, fmt.Errorf("unmarshalling actions: %w", err)
	}
	if rule.Actions == nil {
		rule.Actions = []RuleAction{}
	}
	return &rule, nil
}

func scanRuleExecution(scanner rowScanner) (*RuleExecution, error) {
	var e RuleExecution
	var triggerType, status, startedAt, resultsJSON string
	var triggerValue, completedAt sql.NullString

	err := scanner.Scan(
		&e.ID,
		&e.RuleID,
		&e.TenantID,
		&triggerType,
		&triggerValue,
		&status,
		&startedAt,
		&completedAt,
		&resultsJSON,
		&e.ActionsAttempted,
		&e.ActionsFailed,
	)
	if err != nil {
		return nil, err
	}

	e.TriggerType = TriggerType(triggerType)
	e.Status = Outcome(status)
	e.StartedAt = parseTime(startedAt)
	e.CompletedAt = parseNullableTime(completedAt)
	if triggerValue.Valid {
		if err := json.Unmarshal([]byte(triggerValue.String), &e.TriggerValue); err != nil {
			return nil, fmt.Errorf("unmarshalling trigger value: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(resultsJSON), &e.Results); err != nil {
		return nil, fmt.Errorf("unmarshalling results: %w", err)
	}
	return &e, nil
}
