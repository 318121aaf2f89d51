// Package events fans gateway, device and command notifications out to
// external sinks.
//
// A Notifier accepts typed events without blocking the caller and delivers
// them from one goroutine to every registered Sink in order. Sinks exist for
// MQTT (retained gateway status plus per-event topics), Kafka (keyed by
// gateway id) and InfluxDB (heartbeat and device telemetry points). The
// operator API's websocket hub is also a Sink.
//
// Usage:
//
//	n := events.NewNotifier(events.NotifierConfig{
//	    Sinks:  []events.Sink{events.NewMQTTSink(mqttClient, mqtt.Topics{})},
//	    Logger: log,
//	})
//	n.Start()
//	defer n.Stop()
package events
