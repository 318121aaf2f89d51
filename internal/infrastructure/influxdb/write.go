package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementGatewayHeartbeat = "gateway_heartbeat"
	MeasurementDeviceTelemetry  = "device_telemetry"
	MeasurementCommandOutcome   = "command_outcome"
)

// Heartbeat is the resource snapshot a gateway reports with each heartbeat.
type Heartbeat struct {
	GatewayID   string
	FacilityID  string
	Uptime      *float64
	CPUUsage    *float64
	MemoryUsage *float64
	DeviceCount int
	Time        time.Time
}

// DeviceTelemetry is one observation of a device's health.
type DeviceTelemetry struct {
	GatewayID      string
	DeviceID       string
	Online         bool
	Locked         *bool
	BatteryLevel   *int
	SignalStrength *int
	Temperature    *float64
	Time           time.Time
}

// WriteHeartbeat records a gateway heartbeat. Non-blocking.
func (c *Client) WriteHeartbeat(hb Heartbeat) {
	c.write(heartbeatPoint(hb))
}

// WriteDeviceTelemetry records a device observation. Non-blocking.
func (c *Client) WriteDeviceTelemetry(dt DeviceTelemetry) {
	c.write(devicePoint(dt))
}

// WriteCommandOutcome records the end state of a queued command, tagged by
// gateway and command type.
func (c *Client) WriteCommandOutcome(gatewayID, commandType, status string, attempts int, at time.Time) {
	c.write(write.NewPoint(
		MeasurementCommandOutcome,
		map[string]string{
			"gateway_id":   gatewayID,
			"command_type": commandType,
			"status":       status,
		},
		map[string]interface{}{
			"attempts": attempts,
		},
		orNow(at),
	))
}

func heartbeatPoint(hb Heartbeat) *write.Point {
	fields := map[string]interface{}{
		"device_count": hb.DeviceCount,
	}
	if hb.Uptime != nil {
		fields["uptime_seconds"] = *hb.Uptime
	}
	if hb.CPUUsage != nil {
		fields["cpu_usage"] = *hb.CPUUsage
	}
	if hb.MemoryUsage != nil {
		fields["memory_usage"] = *hb.MemoryUsage
	}

	tags := map[string]string{"gateway_id": hb.GatewayID}
	if hb.FacilityID != "" {
		tags["facility_id"] = hb.FacilityID
	}
	return write.NewPoint(MeasurementGatewayHeartbeat, tags, fields, orNow(hb.Time))
}

func devicePoint(dt DeviceTelemetry) *write.Point {
	fields := map[string]interface{}{
		"online": dt.Online,
	}
	if dt.Locked != nil {
		fields["locked"] = *dt.Locked
	}
	if dt.BatteryLevel != nil {
		fields["battery_level"] = *dt.BatteryLevel
	}
	if dt.SignalStrength != nil {
		fields["signal_strength"] = *dt.SignalStrength
	}
	if dt.Temperature != nil {
		fields["temperature"] = *dt.Temperature
	}

	return write.NewPoint(
		MeasurementDeviceTelemetry,
		map[string]string{
			"gateway_id": dt.GatewayID,
			"device_id":  dt.DeviceID,
		},
		fields,
		orNow(dt.Time),
	)
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
