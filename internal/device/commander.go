package device

import (
	"context"
	"fmt"

	"github.com/nerrad567/homelink-core/internal/adapter"
	"github.com/nerrad567/homelink-core/internal/capability"
	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
)

// Commander translates canonical actions into vendor commands and publishes
// them on the device's command channel.
type Commander struct {
	devices      *Registry
	capabilities *capability.Registry
	bus          Bus
	clock        clock.Clock
	qos          byte
	history      StateHistoryRepository
	logger       Logger
}

// NewCommander creates a commander. clk defaults to the real clock.
func NewCommander(devices *Registry, caps *capability.Registry, bus Bus, clk clock.Clock, qos byte) *Commander {
	if clk == nil {
		clk = clock.Real()
	}
	return &Commander{
		devices:      devices,
		capabilities: caps,
		bus:          bus,
		clock:        clk,
		qos:          qos,
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger for the commander.
func (c *Commander) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetHistory records sent commands in the state history with source "command".
func (c *Commander) SetHistory(history StateHistoryRepository) {
	c.history = history
}

// SendCommand builds and publishes one action for a device of tenantID.
//
// Translation errors (adapter.ErrUnsupportedAction, adapter.ErrInvalidValue)
// are returned as is and never reach the broker. Device state is not changed
// here; the device's next status report confirms the command.
func (c *Commander) SendCommand(ctx context.Context, tenantID, deviceID, action string, value any) (adapter.OutboundMessage, error) {
	dev, err := c.devices.GetTenantDevice(ctx, tenantID, deviceID)
	if err != nil {
		return adapter.OutboundMessage{}, err
	}

	desc := c.capabilities.Resolve(dev.ID, dev.Vendor, dev.Category)
	msg, err := adapter.For(dev.Vendor, desc).BuildCommand(dev.ID, action, value)
	if err != nil {
		return adapter.OutboundMessage{}, fmt.Errorf("device %s action %s: %w", dev.ID, action, err)
	}

	if err := c.bus.Publish(ctx, dev.TenantID, dev.CommandChannel, msg.Payload, c.qos); err != nil {
		return adapter.OutboundMessage{}, fmt.Errorf("publishing command to %s: %w", dev.ID, err)
	}

	c.logger.Info("device command sent", "device_id", dev.ID, "action", action, "channel", dev.CommandChannel)

	if c.history != nil && len(msg.Values) > 0 {
		if err := c.history.RecordStateChange(ctx, dev.ID, State(msg.Values), StateHistorySourceCommand, c.clock.Now()); err != nil {
			c.logger.Warn("failed to record command history", "device_id", dev.ID, "error", err)
		}
	}
	return msg, nil
}
