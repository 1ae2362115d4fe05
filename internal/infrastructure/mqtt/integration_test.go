//go:build integration

package mqtt

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
	"github.com/nerrad567/homelink-core/internal/infrastructure/config"
)

// Integration tests against a real broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -count=1 -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
			Multiplier:   2,
		},
		PublishQueueSize: 16,
		ChannelBuffer:    64,
		ConnectTimeout:   5,
		PublishTimeout:   5,
	}
}

func integrationManager(t *testing.T, clientID string) *Manager {
	t.Helper()
	cfg := integrationConfig(clientID)
	m := NewManager(cfg, PahoFactory(cfg), clock.Real())
	t.Cleanup(func() { m.Close() }) //nolint:errcheck // Close never fails

	s, err := m.Session(context.Background(), "inttest")
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if s.State() != StateConnected {
		t.Skipf("broker not reachable at 127.0.0.1:1883 (state %v)", s.State())
	}
	return m
}

// TestIntegration_RoundTripOrdered publishes a burst to one topic and checks
// it comes back complete and in order.
func TestIntegration_RoundTripOrdered(t *testing.T) {
	m := integrationManager(t, "homelink-int-roundtrip")
	ctx := context.Background()
	topic := Topics{}.DeviceStatus("inttest", "ac-1")

	const n = 50
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	err := m.OnMessage(ctx, "inttest", Topics{}.AllDeviceStatus("inttest"), func(_ string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(payload))
		if len(got) == n {
			close(done)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("OnMessage() error = %v", err)
	}
	if err := m.Subscribe(ctx, "inttest", Topics{}.AllDeviceStatus("inttest"), 1); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for i := 0; i < n; i++ {
		if err := m.Publish(ctx, "inttest", topic, []byte(fmt.Sprint(i)), 1); err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("received %d of %d messages", len(got), n)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != fmt.Sprint(i) {
			t.Fatalf("message %d = %s, order not preserved", i, v)
		}
	}
}

// TestIntegration_RetainedCoreStatus checks the online status is retained.
func TestIntegration_RetainedCoreStatus(t *testing.T) {
	integrationManager(t, "homelink-int-status")

	observer := integrationManager(t, "homelink-int-observer")
	ctx := context.Background()
	status := make(chan string, 1)

	filter := Topics{}.CoreStatus("inttest")
	if err := observer.OnMessage(ctx, "inttest", filter, func(_ string, payload []byte) error {
		select {
		case status <- string(payload):
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("OnMessage() error = %v", err)
	}
	if err := observer.Subscribe(ctx, "inttest", filter, 1); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case p := <-status:
		t.Logf("retained status: %s", p)
	case <-time.After(5 * time.Second):
		t.Fatal("no retained core status received")
	}
}
