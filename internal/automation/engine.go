package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/homelink-core/internal/adapter"
	"github.com/nerrad567/homelink-core/internal/device"
	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
)

// Commander sends a canonical action to a device. device.Commander
// satisfies it.
type Commander interface {
	SendCommand(ctx context.Context, tenantID, deviceID, action string, value any) (adapter.OutboundMessage, error)
}

// WSHub is the interface for broadcasting WebSocket events.
type WSHub interface {
	// Broadcast sends an event to all clients subscribed to the given channel.
	Broadcast(channel string, payload any)
}

// defaultExecutionTimeout bounds a single scene activation or rule execution.
// Scenes with long step delays should still finish well within it.
const defaultExecutionTimeout = 60 * time.Second

// Error codes recorded on failed scene steps.
const (
	errorCodeDeviceNotFound = "DEVICE_NOT_FOUND"
	errorCodeInvalidCommand = "INVALID_COMMAND"
	errorCodePublishFailed  = "PUBLISH_FAILED"
)

// SceneEngine orchestrates scene execution.
//
// It loads scenes from the registry, runs their steps strictly in order
// through the device Commander, waits each step's delay on the clock, and
// logs execution results. A failed step is recorded and the rest still run.
//
// Thread Safety: ActivateScene is safe for concurrent use.
type SceneEngine struct {
	registry *SceneRegistry
	commands Commander
	repo     SceneRepository // For execution logging
	clock    clock.Clock
	hub      WSHub
	timeout  time.Duration
	logger   Logger
}

// NewSceneEngine creates a new scene engine. hub may be nil.
func NewSceneEngine(registry *SceneRegistry, commands Commander, repo SceneRepository, clk clock.Clock, hub WSHub) *SceneEngine {
	if clk == nil {
		clk = clock.Real()
	}
	return &SceneEngine{
		registry: registry,
		commands: commands,
		repo:     repo,
		clock:    clk,
		hub:      hub,
		timeout:  defaultExecutionTimeout,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the engine.
func (e *SceneEngine) SetLogger(logger Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetHub sets the WebSocket hub for activation events.
func (e *SceneEngine) SetHub(hub WSHub) {
	e.hub = hub
}

// SetTimeout bounds each activation. Non-positive values are ignored.
func (e *SceneEngine) SetTimeout(d time.Duration) {
	if d > 0 {
		e.timeout = d
	}
}

// ActivateScene runs a scene owned by tenantID and returns the finished
// execution record.
//
// Returns ErrSceneNotFound if the scene does not exist or belongs to another
// tenant, and ErrSceneDisabled if it is disabled. Step failures are not
// errors; they are reported in the execution.
func (e *SceneEngine) ActivateScene(ctx context.Context, tenantID, sceneID, triggerType, triggerSource string) (*SceneExecution, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	scene, err := e.registry.GetTenantScene(ctx, tenantID, sceneID)
	if err != nil {
		return nil, err
	}
	if !scene.Enabled {
		return nil, ErrSceneDisabled
	}
	if triggerType == "" {
		triggerType = SceneTriggerManual
	}

	started := e.clock.Now().UTC()
	exec := &SceneExecution{
		ID:           GenerateID(),
		SceneID:      sceneID,
		TriggeredAt:  started,
		TriggerType:  triggerType,
		Status:       StatusRunning,
		ActionsTotal: len(scene.Actions),
	}
	if triggerSource != "" {
		exec.TriggerSource = &triggerSource
	}

	if createErr := e.repo.CreateExecution(ctx, exec); createErr != nil {
		// Activation matters more than its log.
		e.logger.Error("failed to create execution record", "error", createErr)
	}

	e.logger.Info("scene activation started",
		"scene_id", sceneID,
		"scene_name", scene.Name,
		"execution_id", exec.ID,
		"actions", len(scene.Actions),
	)

	cancelled := false
	for i, step := range scene.Actions {
		if cancelled {
			exec.ActionsSkipped++
			continue
		}
		if err := e.wait(ctx, step.DelayMS); err != nil {
			cancelled = true
			exec.ActionsSkipped++
			continue
		}
		if _, err := e.commands.SendCommand(ctx, tenantID, step.DeviceID, step.Action, step.Value); err != nil {
			exec.ActionsFailed++
			exec.Failures = append(exec.Failures, ActionFailure{
				ActionIndex: i,
				DeviceID:    step.DeviceID,
				Action:      step.Action,
				ErrorCode:   classifyCommandError(err),
				ErrorMsg:    err.Error(),
			})
			e.logger.Warn("scene step failed",
				"scene_id", sceneID, "index", i, "device_id", step.DeviceID, "action", step.Action, "error", err)
			continue
		}
		exec.ActionsCompleted++
	}

	completedAt := e.clock.Now().UTC()
	exec.CompletedAt = &completedAt
	exec.DurationMS = int(completedAt.Sub(started).Milliseconds())
	exec.Status = sceneStatus(exec, cancelled)

	// The activation context may be spent; the record must still be written.
	logCtx, logCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer logCancel()
	if updateErr := e.repo.UpdateExecution(logCtx, exec); updateErr != nil {
		e.logger.Error("failed to update execution record", "error", updateErr)
	}

	e.logger.Info("scene activation complete",
		"scene_id", sceneID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"completed", exec.ActionsCompleted,
		"failed", exec.ActionsFailed,
		"skipped", exec.ActionsSkipped,
		"duration_ms", exec.DurationMS,
	)

	if e.hub != nil {
		e.hub.Broadcast("scene.activated", map[string]any{
			"tenant_id":    tenantID,
			"scene_id":     sceneID,
			"scene_name":   scene.Name,
			"execution_id": exec.ID,
			"status":       string(exec.Status),
			"duration_ms":  exec.DurationMS,
		})
	}

	return exec, nil
}

// wait blocks for delayMS on the engine clock.
func (e *SceneEngine) wait(ctx context.Context, delayMS int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if delayMS <= 0 {
		return nil
	}
	select {
	case <-e.clock.After(time.Duration(delayMS) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("step delayed: %w", ctx.Err())
	}
}

func sceneStatus(exec *SceneExecution, cancelled bool) ExecutionStatus {
	switch {
	case cancelled:
		return StatusCancelled
	case exec.ActionsTotal > 0 && exec.ActionsFailed == exec.ActionsTotal:
		return StatusFailed
	case exec.ActionsFailed > 0:
		return StatusPartial
	default:
		return StatusCompleted
	}
}

func classifyCommandError(err error) string {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		return errorCodeDeviceNotFound
	case errors.Is(err, adapter.ErrUnsupportedAction), errors.Is(err, adapter.ErrInvalidValue):
		return errorCodeInvalidCommand
	default:
		return errorCodePublishFailed
	}
}
