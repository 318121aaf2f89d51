// Package gateway is the cloud-side representative of on-site access-control
// gateways.
//
// A Gateway owns one protocol.Protocol and one connection.Connection and
// layers on top of them:
//   - request/response correlation (SendMessageAndWait matches
//     correlationId to the request id and enforces a timeout)
//   - an application heartbeat on the capability-declared interval, with
//     inbound heartbeats updating the Status and being echoed back
//   - an owned device map maintained by RegisterDevice/UnregisterDevice
//   - typed device operations: status, commands, keys, push messages
//   - Sync, which feeds the gateway's device list to devicesync
//
// Three variants exist:
//
//	physical   persistent websocket to gateway hardware
//	http       REST API polled on PollFrequency; each poll runs Sync
//	simulated  in-process simulator for development and tests
//
// Application faults are reported as a CommandResult with Success false.
// Go errors are reserved for faults the caller must handle differently:
// capability gating (ErrCapabilityUnsupported), operations with no wire
// format yet (ErrNotImplemented), and transport or protocol failures.
//
// The Manager holds the live gateways of the process, persists their
// status through a Store, forwards status changes to a StatusNotifier, and
// implements commandqueue.Executor for queued key commands.
package gateway
