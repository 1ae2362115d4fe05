package mqtt

import (
	"context"
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/homelink-core/internal/infrastructure/config"
)

// Transport is one broker connection. A Session drives it and owns
// reconnection, so implementations must not reconnect on their own.
type Transport interface {
	// Connect blocks until the connection is up, fails, or ctx ends.
	// It may be called again after a connection loss.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. It does not fire OnConnectionLost.
	Disconnect()

	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	Subscribe(ctx context.Context, filter string, qos byte) error
	Unsubscribe(ctx context.Context, filter string) error
}

// TransportHandlers are the callbacks a Transport reports to.
//
// OnMessage must return quickly; the session only enqueues there.
type TransportHandlers struct {
	OnMessage        func(topic string, payload []byte)
	OnConnectionLost func(err error)
}

// TransportFactory builds the transport for one tenant session.
type TransportFactory func(tenantID string, handlers TransportHandlers) Transport

// pahoTransport adapts paho.mqtt.golang to Transport.
type pahoTransport struct {
	client pahomqtt.Client
}

// PahoFactory returns a TransportFactory backed by paho.mqtt.golang.
//
// Each tenant gets its own client ID ("<client_id>-<tenant>") and broker
// (mqtt.tenants overrides), with an LWT on the tenant's Core status topic.
func PahoFactory(cfg config.MQTTConfig) TransportFactory {
	return func(tenantID string, h TransportHandlers) Transport {
		opts := buildClientOptions(cfg, tenantID)
		configureLWT(opts, tenantID, clientIDFor(cfg.BrokerFor(tenantID), tenantID))

		opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
			if h.OnMessage != nil {
				h.OnMessage(msg.Topic(), msg.Payload())
			}
		})
		opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			if h.OnConnectionLost != nil {
				h.OnConnectionLost(err)
			}
		})

		return &pahoTransport{client: pahomqtt.NewClient(opts)}
	}
}

func (p *pahoTransport) Connect(ctx context.Context) error {
	if err := waitToken(ctx, p.client.Connect()); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

func (p *pahoTransport) Disconnect() {
	p.client.Disconnect(defaultDisconnectQuiesce)
}

func (p *pahoTransport) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	return waitToken(ctx, p.client.Publish(topic, qos, retained, payload))
}

func (p *pahoTransport) Subscribe(ctx context.Context, filter string, qos byte) error {
	// A nil callback routes messages to the default publish handler.
	return waitToken(ctx, p.client.Subscribe(filter, qos, nil))
}

func (p *pahoTransport) Unsubscribe(ctx context.Context, filter string) error {
	return waitToken(ctx, p.client.Unsubscribe(filter))
}

// waitToken blocks until a paho token completes or ctx ends.
func waitToken(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}
