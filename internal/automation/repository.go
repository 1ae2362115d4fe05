package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SceneRepository defines the interface for scene persistence.
// This abstraction allows different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type SceneRepository interface {
	// Scene CRUD
	GetByID(ctx context.Context, id string) (*Scene, error)
	List(ctx context.Context) ([]Scene, error)
	ListByTenant(ctx context.Context, tenantID string) ([]Scene, error)
	Create(ctx context.Context, scene *Scene) error
	Update(ctx context.Context, scene *Scene) error
	Delete(ctx context.Context, id string) error

	// Execution logging
	CreateExecution(ctx context.Context, exec *SceneExecution) error
	UpdateExecution(ctx context.Context, exec *SceneExecution) error
	GetExecution(ctx context.Context, id string) (*SceneExecution, error)
	ListExecutions(ctx context.Context, sceneID string, limit int) ([]SceneExecution, error)
}

// sceneColumns is the SELECT column list for scene queries.
const sceneColumns = `id, tenant_id, name, description, enabled, actions, created_at, updated_at`

// executionColumns is the SELECT column list for scene execution queries.
const executionColumns = `id, scene_id, triggered_at, completed_at,
			trigger_type, trigger_source, status,
			actions_total, actions_completed, actions_failed, actions_skipped,
			failures, duration_ms`

// SQLiteSceneRepository implements SceneRepository using SQLite.
type SQLiteSceneRepository struct {
	db *sql.DB
}

// NewSQLiteSceneRepository creates a new SQLite-backed scene repository.
func NewSQLiteSceneRepository(db *sql.DB) *SQLiteSceneRepository {
	return &SQLiteSceneRepository{db: db}
}

// GetByID retrieves a scene by its unique identifier.
func (r *SQLiteSceneRepository) GetByID(ctx context.Context, id string) (*Scene, error) {
	query := `SELECT ` + sceneColumns + ` FROM scenes WHERE id = ?`

	scene, err := scanScene(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSceneNotFound
		}
		return nil, fmt.Errorf("querying scene by id: %w", err)
	}
	return scene, nil
}

// List retrieves all scenes ordered by tenant then name.
func (r *SQLiteSceneRepository) List(ctx context.Context) ([]Scene, error) {
	query := `SELECT ` + sceneColumns + ` FROM scenes ORDER BY tenant_id, name`
	return r.queryScenes(ctx, query)
}

// ListByTenant retrieves the scenes of one tenant ordered by name.
func (r *SQLiteSceneRepository) ListByTenant(ctx context.Context, tenantID string) ([]Scene, error) {
	query := `SELECT ` + sceneColumns + ` FROM scenes WHERE tenant_id = ? ORDER BY name`
	return r.queryScenes(ctx, query, tenantID)
}

// Create inserts a new scene.
func (r *SQLiteSceneRepository) Create(ctx context.Context, scene *Scene) error {
	actionsJSON, err := json.Marshal(scene.Actions)
	if err != nil {
		return fmt.Errorf("marshalling actions: %w", err)
	}

	now := time.Now().UTC()
	if scene.CreatedAt.IsZero() {
		scene.CreatedAt = now
	}
	scene.UpdatedAt = now

	query := `
		INSERT INTO scenes (` + sceneColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		scene.ID,
		scene.TenantID,
		scene.Name,
		nullableString(scene.Description),
		boolToInt(scene.Enabled),
		string(actionsJSON),
		scene.CreatedAt.Format(time.RFC3339),
		scene.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrSceneExists
		}
		return fmt.Errorf("inserting scene: %w", err)
	}
	return nil
}

// Update modifies an existing scene. The tenant never changes.
func (r *SQLiteSceneRepository) Update(ctx context.Context, scene *Scene) error {
	actionsJSON, err := json.Marshal(scene.Actions)
	if err != nil {
		return fmt.Errorf("marshalling actions: %w", err)
	}

	scene.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE scenes SET
			name = ?, description = ?, enabled = ?, actions = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		scene.Name,
		nullableString(scene.Description),
		boolToInt(scene.Enabled),
		string(actionsJSON),
		scene.UpdatedAt.Format(time.RFC3339),
		scene.ID,
	)
	if err != nil {
		return fmt.Errorf("updating scene: %w", err)
	}
	return requireAffected(result, ErrSceneNotFound)
}

// Delete removes a scene by ID. Its executions go with it.
func (r *SQLiteSceneRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM scenes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting scene: %w", err)
	}
	return requireAffected(result, ErrSceneNotFound)
}

// CreateExecution inserts a new execution record.
func (r *SQLiteSceneRepository) CreateExecution(ctx context.Context, exec *SceneExecution) error {
	failuresJSON, err := marshalFailures(exec.Failures)
	if err != nil {
		return fmt.Errorf("marshalling failures: %w", err)
	}

	query := `
		INSERT INTO scene_executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		exec.ID,
		exec.SceneID,
		exec.TriggeredAt.UTC().Format(sortableTime),
		nullableTime(exec.CompletedAt),
		exec.TriggerType,
		nullableString(exec.TriggerSource),
		string(exec.Status),
		exec.ActionsTotal,
		exec.ActionsCompleted,
		exec.ActionsFailed,
		exec.ActionsSkipped,
		failuresJSON,
		exec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// UpdateExecution updates an existing execution record.
func (r *SQLiteSceneRepository) UpdateExecution(ctx context.Context, exec *SceneExecution) error {
	failuresJSON, err := marshalFailures(exec.Failures)
	if err != nil {
		return fmt.Errorf("marshalling failures: %w", err)
	}

	query := `
		UPDATE scene_executions SET
			completed_at = ?, status = ?,
			actions_total = ?, actions_completed = ?, actions_failed = ?, actions_skipped = ?,
			failures = ?, duration_ms = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		nullableTime(exec.CompletedAt),
		string(exec.Status),
		exec.ActionsTotal,
		exec.ActionsCompleted,
		exec.ActionsFailed,
		exec.ActionsSkipped,
		failuresJSON,
		exec.DurationMS,
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}
	return requireAffected(result, ErrExecutionNotFound)
}

// GetExecution retrieves an execution by ID.
func (r *SQLiteSceneRepository) GetExecution(ctx context.Context, id string) (*SceneExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM scene_executions WHERE id = ?`

	exec, err := scanExecutionRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return exec, nil
}

// ListExecutions retrieves recent executions for a scene, newest first.
func (r *SQLiteSceneRepository) ListExecutions(ctx context.Context, sceneID string, limit int) ([]SceneExecution, error) {
	limit = clampLimit(limit)

	query := `SELECT ` + executionColumns + `
		FROM scene_executions
		WHERE scene_id = ?
		ORDER BY triggered_at DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, sceneID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var executions []SceneExecution
	for rows.Next() {
		exec, scanErr := scanExecutionRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning execution: %w", scanErr)
		}
		executions = append(executions, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return executions, nil
}

// queryScenes executes a query and returns a slice of scenes.
func (r *SQLiteSceneRepository) queryScenes(ctx context.Context, query string, args ...any) ([]Scene, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying scenes: %w", err)
	}
	defer rows.Close()

	var scenes []Scene
	for rows.Next() {
		scene, scanErr := scanScene(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning scene: %w", scanErr)
		}
		scenes = append(scenes, *scene)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scenes: %w", err)
	}
	return scenes, nil
}

// ─── Row Scanning Helpers ───────────────────────────────────────────────────

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanScene(scanner rowScanner) (*Scene, error) {
	var s Scene
	var description sql.NullString
	var actionsJSON string
	var enabled int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&s.ID,
		&s.TenantID,
		&s.Name,
		&description,
		&enabled,
		&actionsJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		s.Description = &description.String
	}
	s.Enabled = enabled != 0
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)

	if actionsJSON != "" && actionsJSON != "[]" {
		if jsonErr := json.Unmarshal([]byte(actionsJSON), &s.Actions); jsonErr != nil {
			return nil, fmt.Errorf("unmarshalling actions: %w", jsonErr)
		}
	}
	if s.Actions == nil {
		s.Actions = []SceneAction{}
	}

	return &s, nil
}

func scanExecutionRow(scanner rowScanner) (*SceneExecution, error) {
	var e SceneExecution
	var triggeredAt string
	var completedAt, triggerSource, failuresJSON sql.NullString
	var status string

	err := scanner.Scan(
		&e.ID,
		&e.SceneID,
		&triggeredAt,
		&completedAt,
		&e.TriggerType,
		&triggerSource,
		&status,
		&e.ActionsTotal,
		&e.ActionsCompleted,
		&e.ActionsFailed,
		&e.ActionsSkipped,
		&failuresJSON,
		&e.DurationMS,
	)
	if err != nil {
		return nil, err
	}

	e.Status = ExecutionStatus(status)
	e.TriggeredAt = parseTime(triggeredAt)
	e.CompletedAt = parseNullableTime(completedAt)
	if triggerSource.Valid {
		e.TriggerSource = &triggerSource.String
	}

	if failuresJSON.Valid && failuresJSON.String != "" && failuresJSON.String != "null" {
		if jsonErr := json.Unmarshal([]byte(failuresJSON.String), &e.Failures); jsonErr != nil {
			return nil, fmt.Errorf("unmarshalling failures: %w", jsonErr)
		}
	}

	return &e, nil
}

// ─── SQL Helpers ────────────────────────────────────────────────────────────

// sortableTime is RFC 3339 with a fixed-width fraction, so execution
// timestamps order correctly as text.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(sortableTime), Valid: true}
}

// parseTime accepts both second and sub-second RFC 3339 timestamps.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalFailures(failures []ActionFailure) (sql.NullString, error) {
	if len(failures) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(failures)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func requireAffected(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

// clampLimit applies the default (10) and maximum (100) page size.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
