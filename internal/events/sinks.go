package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/device"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/influxdb"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/mqtt"
)

// MQTTPublisher is the part of mqtt.Client the MQTT sink uses.
type MQTTPublisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// MQTTSink publishes events under the service's topic prefix. Gateway status
// goes to the retained per-gateway status topic; everything else to
// {prefix}/events/{gateway}/{type}.
type MQTTSink struct {
	pub    MQTTPublisher
	topics mqtt.Topics
}

// NewMQTTSink creates an MQTT sink.
func NewMQTTSink(pub MQTTPublisher, topics mqtt.Topics) *MQTTSink {
	return &MQTTSink{pub: pub, topics: topics}
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Deliver implements Sink.
func (s *MQTTSink) Deliver(_ context.Context, e Event) error {
	if e.Type == TypeGatewayStatus {
		return s.pub.PublishJSON(s.topics.GatewayStatus(e.GatewayID), e, true)
	}
	return s.pub.PublishJSON(s.topics.Event(string(e.Type), e.GatewayID), e, false)
}

// KafkaProducer is the part of kafka.Writer the Kafka sink uses.
type KafkaProducer interface {
	Publish(ctx context.Context, key string, value []byte, headers map[string]string) error
}

// KafkaSink produces events keyed by gateway id, so one gateway's events
// stay ordered within a partition.
type KafkaSink struct {
	producer KafkaProducer
}

// NewKafkaSink creates a Kafka sink.
func NewKafkaSink(p KafkaProducer) *KafkaSink {
	return &KafkaSink{producer: p}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Deliver implements Sink.
func (s *KafkaSink) Deliver(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", e.Type, err)
	}
	return s.producer.Publish(ctx, e.GatewayID, value, map[string]string{
		"event_type": string(e.Type),
		"event_id":   e.ID,
	})
}

// TelemetryWriter is the part of influxdb.Client the telemetry sink uses.
type TelemetryWriter interface {
	WriteHeartbeat(hb influxdb.Heartbeat)
	WriteDeviceTelemetry(dt influxdb.DeviceTelemetry)
	WriteCommandOutcome(gatewayID, commandType, status string, attempts int, at time.Time)
}

// TelemetrySink turns events into time-series points: gateway heartbeats,
// device health observations and dead-lettered command outcomes.
type TelemetrySink struct {
	w TelemetryWriter
}

// NewTelemetrySink creates a telemetry sink.
func NewTelemetrySink(w TelemetryWriter) *TelemetrySink {
	return &TelemetrySink{w: w}
}

// Name implements Sink.
func (s *TelemetrySink) Name() string { return "influxdb" }

// Deliver implements Sink. Events carrying nothing measurable are skipped.
func (s *TelemetrySink) Deliver(_ context.Context, e Event) error {
	switch data := e.Data.(type) {
	case gateway.Status:
		if data.LastHeartbeat == nil {
			return nil
		}
		hb := influxdb.Heartbeat{
			GatewayID:   data.GatewayID,
			FacilityID:  data.FacilityID,
			CPUUsage:    data.CPUUsage,
			MemoryUsage: data.MemoryUsage,
			DeviceCount: data.DeviceCount,
			Time:        *data.LastHeartbeat,
		}
		if data.Uptime != nil {
			up := float64(*data.Uptime)
			hb.Uptime = &up
		}
		s.w.WriteHeartbeat(hb)
	case device.Device:
		s.w.WriteDeviceTelemetry(deviceTelemetry(data, e.Timestamp))
	case DeviceChanged:
		s.w.WriteDeviceTelemetry(deviceTelemetry(data.Device, e.Timestamp))
	case CommandDeadLettered:
		s.w.WriteCommandOutcome(e.GatewayID, string(data.CommandType), "dead_letter", data.Attempts, e.Timestamp)
	}
	return nil
}

func deviceTelemetry(d device.Device, at time.Time) influxdb.DeviceTelemetry {
	dt := influxdb.DeviceTelemetry{
		GatewayID:      d.GatewayID,
		DeviceID:       d.Serial,
		Online:         d.Status == device.StatusOnline,
		BatteryLevel:   d.BatteryLevel,
		SignalStrength: d.SignalStrength,
		Temperature:    d.Temperature,
		Time:           at,
	}
	if d.LockStatus != device.LockStatusUnknown && d.LockStatus != "" {
		locked := d.LockStatus == device.LockStatusLocked
		dt.Locked = &locked
	}
	return dt
}
