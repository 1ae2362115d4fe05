// Package mqtt is the Connection Manager: one broker session per tenant.
//
// A Session owns its reconnection. The paho transport runs with
// auto-reconnect disabled; on connection loss the session moves to
// reconnecting and retries with exponential backoff (mqtt.reconnect) until
// it is closed. On every (re)connect it restores its ref-counted
// subscriptions, flushes queued publishes in order, and publishes a retained
// online status on {tenant}/system/core/status, which also carries the LWT.
//
// # Publishing while not connected
//
//   - connecting / reconnecting: queued in a bounded FIFO
//     (mqtt.publish_queue_size). A full queue returns ErrQueueFull; a size of
//     zero returns ErrReconnecting.
//   - disconnected (never connected, or closed): ErrNotConnected.
//
// # Delivery
//
// Inbound messages are handed to a per-topic mailbox (mqtt.channel_buffer)
// drained by one worker per topic, so a topic's handlers see messages in
// arrival order while other topics proceed in parallel. A full mailbox drops
// the message and counts it. Handler panics are recovered and logged.
//
// # Usage
//
//	mgr := mqtt.NewManager(cfg.MQTT, nil, clock.Real())
//	defer mgr.Close()
//
//	status := mqtt.Topics{}.DeviceStatus("acme", "ac-1")
//	_ = mgr.OnMessage(ctx, "acme", status, func(topic string, payload []byte) error {
//	    return nil
//	})
//	_ = mgr.Subscribe(ctx, "acme", status, 1)
//
//	_ = mgr.Publish(ctx, "acme", mqtt.Topics{}.DeviceCommand("acme", "ac-1"), payload, 1)
package mqtt
