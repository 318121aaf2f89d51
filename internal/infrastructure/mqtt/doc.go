// Package mqtt publishes gateway and device events to an MQTT broker.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Topics
//
//	blulok/events/{gateway_id}/{event_type}   event stream (not retained)
//	blulok/gateways/{gateway_id}/status       latest gateway status (retained)
//	blulok/system/status                      service online/offline (retained, LWT)
//
// The prefix comes from mqtt.topic_prefix.
//
// # Security Considerations
//
//   - Enable TLS (mqtt.broker.tls) for any broker outside the host
//   - Payloads never contain gateway API keys or key material
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := client.Topics().Event("device.added", "gw-1")
//	err = client.Publish(topic, payload, 1, false)
package mqtt
