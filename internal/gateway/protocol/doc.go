// Package protocol defines the gateway message envelope and the versioned
// rules for encoding, decoding and validating it.
//
// The envelope is JSON. Field names (id, type, source, destination,
// protocolVersion, timestamp, payload, priority, timeout, correlationId) and
// every enum string value are part of the compatibility surface shared with
// gateway firmware and must not change.
//
// A response always carries correlationId equal to the request's id. The
// envelope never inspects the payload; typed payload structs for the common
// message types live in payloads.go and are decoded by callers.
//
// Protocols are stateless beyond their static declarations, so the package
// keeps one cached instance per version:
//
//	p, err := protocol.Get(protocol.VersionCurrent)
//	data, err := p.Encode(msg)
//	msg, err := p.Decode(data)
package protocol
