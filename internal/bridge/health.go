package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/homelink-core/internal/capability"
	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
	"github.com/nerrad567/homelink-core/internal/infrastructure/mqtt"
)

const (
	// defaultHealthInterval applies when bridges.health_interval is unset.
	defaultHealthInterval = 30 * time.Second

	// publishTimeout bounds one health publish.
	publishTimeout = 5 * time.Second
)

// HealthStatus is the operational status reported by a bridge.
type HealthStatus string

// Health statuses.
const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopped  HealthStatus = "stopped"
)

// HealthMessage is the retained payload on {tenant}/bridge/{vendor}/health.
type HealthMessage struct {
	Tenant         string            `json:"tenant"`
	Vendor         capability.Vendor `json:"vendor"`
	Status         HealthStatus      `json:"status"`
	Timestamp      time.Time         `json:"timestamp"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	DevicesManaged int               `json:"devices_managed"`
	DevicesOffline int               `json:"devices_offline"`
	Reason         string            `json:"reason,omitempty"`
}

// HealthPublisher sends retained messages on a tenant's broker.
// *mqtt.Manager satisfies it.
type HealthPublisher interface {
	PublishRetained(ctx context.Context, tenantID, topic string, payload []byte) error
}

// deviceCounter reports how many devices a bridge manages and how many are offline.
type deviceCounter func() (managed, offline int)

// HealthReporter publishes a bridge's health on a fixed interval.
type HealthReporter struct {
	tenant    string
	vendor    capability.Vendor
	interval  time.Duration
	publisher HealthPublisher
	clock     clock.Clock
	counter   deviceCounter
	startTime time.Time

	mu       sync.Mutex
	timer    *clock.Timer
	stopped  bool
	stopOnce sync.Once

	logger Logger
}

func newHealthReporter(tenant string, vendor capability.Vendor, interval time.Duration,
	publisher HealthPublisher, clk clock.Clock, counter deviceCounter, logger Logger) *HealthReporter {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &HealthReporter{
		tenant:    tenant,
		vendor:    vendor,
		interval:  interval,
		publisher: publisher,
		clock:     clk,
		counter:   counter,
		startTime: clk.Now(),
		logger:    logger,
	}
}

// Start publishes the current status and then one report per interval.
func (h *HealthReporter) Start() {
	if err := h.PublishNow(); err != nil {
		h.logger.Warn("failed to publish initial bridge health", "tenant", h.tenant, "vendor", h.vendor, "error", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stopped {
		h.timer = h.clock.AfterFunc(h.interval, h.tick)
	}
}

func (h *HealthReporter) tick() {
	if err := h.PublishNow(); err != nil {
		h.logger.Warn("failed to publish bridge health", "tenant", h.tenant, "vendor", h.vendor, "error", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stopped {
		h.timer = h.clock.AfterFunc(h.interval, h.tick)
	}
}

// Stop ends periodic reporting and publishes a final "stopped" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		if h.timer != nil {
			h.timer.Stop()
		}
		h.mu.Unlock()

		if err := h.publish(HealthStopped, "bridge stopped"); err != nil {
			h.logger.Warn("failed to publish final bridge health", "tenant", h.tenant, "vendor", h.vendor, "error", err)
		}
	})
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publish(status, reason)
}

// determineStatus is degraded while any managed device is offline.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	managed, offline := h.counter()
	if offline > 0 {
		return HealthDegraded, fmt.Sprintf("%d of %d devices offline", offline, managed)
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	now := h.clock.Now()
	managed, offline := h.counter()
	msg := HealthMessage{
		Tenant:         h.tenant,
		Vendor:         h.vendor,
		Status:         status,
		Timestamp:      now.UTC(),
		UptimeSeconds:  int64(now.Sub(h.startTime).Seconds()),
		DevicesManaged: managed,
		DevicesOffline: offline,
		Reason:         reason,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling health: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return h.publisher.PublishRetained(ctx, h.tenant, mqtt.Topics{}.BridgeHealth(h.tenant, string(h.vendor)), payload)
}
