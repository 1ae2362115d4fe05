package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/homelink-core/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout bounds one connection attempt.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout bounds waiting for a publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// maxPayloadSize rejects payloads above 1MB before they reach the broker.
	maxPayloadSize = 1 << 20

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Backoff computes reconnect delays: Initial, then multiplied by Multiplier
// each attempt, capped at Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before the given zero-based reconnect attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// SessionConfig holds the per-session tunables derived from config.MQTTConfig.
type SessionConfig struct {
	QoS              byte
	Backoff          Backoff
	PublishQueueSize int
	ChannelBuffer    int
	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	ClientID         string
}

// sessionConfigFrom converts file configuration into session settings.
func sessionConfigFrom(cfg config.MQTTConfig, tenantID string) SessionConfig {
	sc := SessionConfig{
		QoS: byte(cfg.QoS), //nolint:gosec // validated 0-2 by config.Validate
		Backoff: Backoff{
			Initial:    time.Duration(cfg.Reconnect.InitialDelay) * time.Second,
			Max:        time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
			Multiplier: cfg.Reconnect.Multiplier,
		},
		PublishQueueSize: cfg.PublishQueueSize,
		ChannelBuffer:    cfg.ChannelBuffer,
		ConnectTimeout:   time.Duration(cfg.ConnectTimeout) * time.Second,
		PublishTimeout:   time.Duration(cfg.PublishTimeout) * time.Second,
		ClientID:         clientIDFor(cfg.BrokerFor(tenantID), tenantID),
	}
	return sc.withDefaults()
}

func (sc SessionConfig) withDefaults() SessionConfig {
	if sc.Backoff.Initial <= 0 {
		sc.Backoff.Initial = time.Second
	}
	if sc.Backoff.Max < sc.Backoff.Initial {
		sc.Backoff.Max = sc.Backoff.Initial
	}
	if sc.Backoff.Multiplier < 1 {
		sc.Backoff.Multiplier = 2
	}
	if sc.ChannelBuffer < 1 {
		sc.ChannelBuffer = 1
	}
	if sc.PublishQueueSize < 0 {
		sc.PublishQueueSize = 0
	}
	if sc.ConnectTimeout <= 0 {
		sc.ConnectTimeout = defaultConnectTimeout
	}
	if sc.PublishTimeout <= 0 {
		sc.PublishTimeout = defaultPublishTimeout
	}
	return sc
}

func clientIDFor(broker config.MQTTBrokerConfig, tenantID string) string {
	return broker.ClientID + "-" + tenantID
}

// buildClientOptions creates paho options for one tenant.
//
// Auto-reconnect and connect-retry are off: the Session runs its own backoff
// so it can queue publishes and restore ref-counted subscriptions itself.
func buildClientOptions(cfg config.MQTTConfig, tenantID string) *pahomqtt.ClientOptions {
	broker := cfg.BrokerFor(tenantID)
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, broker.Host, broker.Port))
	opts.SetClientID(clientIDFor(broker, tenantID))

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)

	connectTimeout := time.Duration(cfg.ConnectTimeout) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// configureLWT makes the broker publish an offline status for the tenant if
// Core drops without a clean disconnect. Retained so new subscribers see it.
func configureLWT(opts *pahomqtt.ClientOptions, tenantID, clientID string) {
	opts.SetWill(Topics{}.CoreStatus(tenantID), statusPayload("offline", clientID, "unexpected_disconnect"), 1, true)
}

// statusPayload builds the JSON body for Core status messages.
func statusPayload(status, clientID, reason string) string {
	if reason == "" {
		return fmt.Sprintf(`{"status":%q,"client_id":%q,"timestamp":%q}`,
			status, clientID, time.Now().UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf(`{"status":%q,"client_id":%q,"reason":%q,"timestamp":%q}`,
		status, clientID, reason, time.Now().UTC().Format(time.RFC3339))
}
