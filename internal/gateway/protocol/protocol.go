package protocol

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Protocol versions.
const (
	VersionLegacy  = "1.0"
	VersionCurrent = "2.0"
	VersionTest    = "test"
)

// Protocol encodes, decodes and validates envelopes for one version.
type Protocol interface {
	// Version returns the protocol version string.
	Version() string

	// Encode serializes the envelope with the timestamp in canonical form.
	Encode(m *Message) ([]byte, error)

	// Decode is the inverse of Encode. A missing protocolVersion defaults
	// to Version(). Malformed input returns an error wrapping ErrMalformed.
	Decode(data []byte) (*Message, error)

	// Validate checks required fields, the message type and the timestamp.
	// nil means valid.
	Validate(m *Message) error

	// Capabilities returns the version's static declaration.
	Capabilities() Capabilities
}

// Capabilities is a protocol version's static declaration.
type Capabilities struct {
	Version               string        `json:"version"`
	MaxMessageSize        int           `json:"maxMessageSize"`
	HeartbeatInterval     time.Duration `json:"heartbeatInterval"`
	SupportsCompression   bool          `json:"supportsCompression"`
	SupportsEncryption    bool          `json:"supportsEncryption"`
	SupportedMessageTypes []MessageType `json:"supportedMessageTypes"`
}

// Supports reports whether typ is declared by the version.
func (c Capabilities) Supports(typ MessageType) bool {
	return slices.Contains(c.SupportedMessageTypes, typ)
}

// jsonProtocol is the single JSON implementation shared by every version;
// versions differ only in their Capabilities.
type jsonProtocol struct {
	caps Capabilities
}

func newJSONProtocol(caps Capabilities) *jsonProtocol {
	return &jsonProtocol{caps: caps}
}

func (p *jsonProtocol) Version() string { return p.caps.Version }

func (p *jsonProtocol) Capabilities() Capabilities {
	caps := p.caps
	caps.SupportedMessageTypes = slices.Clone(p.caps.SupportedMessageTypes)
	return caps
}

func (p *jsonProtocol) Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	w := wireMessage{
		ID:              m.ID,
		Type:            m.Type,
		Source:          m.Source,
		Destination:     m.Destination,
		ProtocolVersion: m.ProtocolVersion,
		Timestamp:       m.Timestamp.UTC().Format(TimestampLayout),
		Payload:         m.Payload,
		Priority:        m.Priority,
		Timeout:         m.Timeout,
		CorrelationID:   m.CorrelationID,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message %s: %w", m.Type, m.ID, err)
	}
	if len(data) > p.caps.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrMessageTooLarge, len(data), p.caps.MaxMessageSize)
	}
	return data, nil
}

func (p *jsonProtocol) Decode(data []byte) (*Message, error) {
	if len(data) > p.caps.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrMessageTooLarge, len(data), p.caps.MaxMessageSize)
	}

	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := &Message{
		ID:              w.ID,
		Type:            w.Type,
		Source:          w.Source,
		Destination:     w.Destination,
		ProtocolVersion: w.ProtocolVersion,
		Payload:         normalizePayload(w.Payload),
		Priority:        w.Priority,
		Timeout:         w.Timeout,
		CorrelationID:   w.CorrelationID,
	}
	if m.ProtocolVersion == "" {
		m.ProtocolVersion = p.caps.Version
	}
	if w.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %q", ErrMalformed, ErrInvalidTimestamp, w.Timestamp)
		}
		m.Timestamp = ts.UTC()
	}
	return m, nil
}

func (p *jsonProtocol) Validate(m *Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrMissingField)
	}
	for _, f := range []struct{ name, value string }{
		{"id", m.ID},
		{"type", string(m.Type)},
		{"source", m.Source},
		{"destination", m.Destination},
	} {
		if f.value == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}
	if !p.caps.Supports(m.Type) {
		return fmt.Errorf("%w: %q in protocol %s", ErrUnsupportedType, m.Type, p.caps.Version)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero time", ErrInvalidTimestamp)
	}
	if m.Priority != "" && !m.Priority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, m.Priority)
	}
	return nil
}

// versionCapabilities is the static declaration of every known version.
func versionCapabilities(version string) (Capabilities, bool) {
	switch version {
	case VersionLegacy:
		return Capabilities{
			Version:           VersionLegacy,
			MaxMessageSize:    64 << 10,
			HeartbeatInterval: 60 * time.Second,
			SupportedMessageTypes: slices.DeleteFunc(slices.Clone(AllMessageTypes), func(t MessageType) bool {
				return t == TypeFirmwareChunk
			}),
		}, true
	case VersionCurrent:
		return Capabilities{
			Version:               VersionCurrent,
			MaxMessageSize:        1 << 20,
			HeartbeatInterval:     30 * time.Second,
			SupportsCompression:   true,
			SupportsEncryption:    true,
			SupportedMessageTypes: slices.Clone(AllMessageTypes),
		}, true
	case VersionTest:
		return Capabilities{
			Version:               VersionTest,
			MaxMessageSize:        4 << 20,
			HeartbeatInterval:     5 * time.Second,
			SupportedMessageTypes: slices.Clone(AllMessageTypes),
		}, true
	}
	return Capabilities{}, false
}
