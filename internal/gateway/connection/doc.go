// Package connection provides the byte-level transports a gateway uses to
// reach its on-site hardware.
//
// Every transport implements Connection and shares the same state machine:
//
//	DISCONNECTED -> CONNECTING -> CONNECTED
//	CONNECTED -> RECONNECTING -> CONNECTED | ERROR   (streaming only)
//	any -> ERROR on a transport fault
//	any -> DISCONNECTED on Disconnect
//
// Each transition is delivered to observers as an EventStateChanged event
// with the old and new state. Received frames are delivered as EventMessage.
// Observers run on the goroutine that caused the event and must not call
// Connect, Disconnect or Send on the same connection synchronously; hand
// follow-up work to another goroutine instead.
//
// Transports:
//   - WebSocketConnection: persistent stream with keep-alive pings and
//     linear-backoff reconnection up to a fixed attempt count
//   - HTTPConnection: request/response polling; Send is not supported,
//     callers use MakeRequest
//   - SimulatedConnection: in-process gateway with configurable latency and
//     reliability that answers requests asynchronously
package connection
