package protocol

import "errors"

// Protocol faults. They are fatal to the message that caused them and are
// never retried.
var (
	// ErrMalformed is returned when bytes cannot be parsed as an envelope.
	// Callers treat it as a corrupt transport.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrMissingField is returned when a required envelope field is empty.
	ErrMissingField = errors.New("protocol: missing required field")

	// ErrUnsupportedType is returned when the message type is not declared
	// by the protocol version.
	ErrUnsupportedType = errors.New("protocol: unsupported message type")

	// ErrInvalidTimestamp is returned when the timestamp is absent or unparseable.
	ErrInvalidTimestamp = errors.New("protocol: invalid timestamp")

	// ErrInvalidPriority is returned for an unknown priority value.
	ErrInvalidPriority = errors.New("protocol: invalid priority")

	// ErrMessageTooLarge is returned when an encoded message exceeds the
	// version's size ceiling.
	ErrMessageTooLarge = errors.New("protocol: message exceeds size limit")

	// ErrUnsupportedVersion is returned by the factory for unknown versions.
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")

	// ErrNoPayload is returned when decoding the payload of a message that has none.
	ErrNoPayload = errors.New("protocol: message has no payload")
)
