// Package influxdb records gateway and device telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with batched
// non-blocking writes. Every point also carries a service tag naming the
// cloud instance that wrote it.
//
// # Measurements
//
//	gateway_heartbeat   tags: gateway_id, facility_id   fields: uptime_seconds, cpu_usage, memory_usage, device_count
//	device_telemetry    tags: gateway_id, device_id     fields: online, locked, battery_level, signal_strength, temperature
//	command_outcome     tags: gateway_id, command_type, status   fields: attempts
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Service.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteHeartbeat(influxdb.Heartbeat{GatewayID: "gw-1", DeviceCount: 12})
//
// # Error Handling
//
// Writes are non-blocking; batch errors are delivered to the SetOnError
// callback and counted in Stats. Connection and health check errors are
// returned directly.
package influxdb
