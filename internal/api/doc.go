// Package api implements the operator HTTP API and event WebSocket for the
// gateway service.
//
// This package provides:
//   - Gateway endpoints: list, status, connect, disconnect, sync
//   - Direct device operations against a gateway: lock status, commands, keys
//   - Command queue endpoints: enqueue, list, inspect, attempts, retry,
//     requeue, cancel
//   - WebSocket hub relaying notifier events to subscribed clients
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server fronts gateway.Manager and commandqueue.Queue. Direct device
// operations run synchronously against the gateway; key changes go through
// the durable queue and are executed by the dispatcher. The Hub is an
// events.Sink, so every event the notifier fans out reaches WebSocket
// clients subscribed to its category ("gateway", "device", "command"), to
// "gateway:{id}", or to "*".
//
// # Security
//
// The API has no authentication and is meant for an internal network only.
//
// # Graceful Degradation
//
// Without a command queue the enqueue endpoint answers 503 and the read
// endpoints return empty results; gateway operations keep working.
package api
