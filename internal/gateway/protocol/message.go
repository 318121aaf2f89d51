package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed set of envelope types.
type MessageType string

// Message types. The string values are wire format.
const (
	TypeStatusRequest         MessageType = "status_request"
	TypeStatusResponse        MessageType = "status_response"
	TypeDeviceCommand         MessageType = "device_command"
	TypeCommandResponse       MessageType = "command_response"
	TypeKeyAdd                MessageType = "key_add"
	TypeKeyRemove             MessageType = "key_remove"
	TypeKeyList               MessageType = "key_list"
	TypeAccessGrant           MessageType = "access_grant"
	TypeAccessDeny            MessageType = "access_deny"
	TypeFirmwareUpdateRequest MessageType = "firmware_update_request"
	TypeFirmwareUpdateStatus  MessageType = "firmware_update_status"
	TypeFirmwareChunk         MessageType = "firmware_chunk"
	TypeHeartbeat             MessageType = "heartbeat"
	TypePing                  MessageType = "ping"
	TypePong                  MessageType = "pong"
	TypeError                 MessageType = "error"
)

// AllMessageTypes lists every message type in declaration order.
var AllMessageTypes = []MessageType{
	TypeStatusRequest, TypeStatusResponse,
	TypeDeviceCommand, TypeCommandResponse,
	TypeKeyAdd, TypeKeyRemove, TypeKeyList,
	TypeAccessGrant, TypeAccessDeny,
	TypeFirmwareUpdateRequest, TypeFirmwareUpdateStatus, TypeFirmwareChunk,
	TypeHeartbeat, TypePing, TypePong,
	TypeError,
}

// Priority is the delivery priority of a message.
type Priority string

// Priorities. The string values are wire format.
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// CloudEndpoint is the source/destination literal for the cloud side.
const CloudEndpoint = "cloud"

// TimestampLayout is the canonical textual timestamp: UTC, millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Message is the gateway wire envelope.
type Message struct {
	ID              string
	Type            MessageType
	Source          string
	Destination     string
	ProtocolVersion string
	Timestamp       time.Time
	// Payload is opaque to the envelope. nil encodes as JSON null.
	Payload  json.RawMessage
	Priority Priority
	// Timeout is the response wait budget in seconds; 0 means unset.
	Timeout       int
	CorrelationID string
}

// wireMessage is the JSON shape of Message.
type wireMessage struct {
	ID              string          `json:"id"`
	Type            MessageType     `json:"type"`
	Source          string          `json:"source"`
	Destination     string          `json:"destination"`
	ProtocolVersion string          `json:"protocolVersion,omitempty"`
	Timestamp       string          `json:"timestamp"`
	Payload         json.RawMessage `json:"payload"`
	Priority        Priority        `json:"priority,omitempty"`
	Timeout         int             `json:"timeout,omitempty"`
	CorrelationID   string          `json:"correlationId,omitempty"`
}

// NewMessage builds a message with a fresh id, the current time and normal
// priority. payload is marshalled to JSON; a nil payload stays null.
func NewMessage(typ MessageType, source, destination string, payload any) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:          uuid.NewString(),
		Type:        typ,
		Source:      source,
		Destination: destination,
		Timestamp:   Now(),
		Payload:     raw,
		Priority:    PriorityNormal,
	}, nil
}

// Reply builds a response to m: endpoints swapped, same protocol version,
// and CorrelationID set to m.ID.
func (m *Message) Reply(typ MessageType, payload any) (*Message, error) {
	resp, err := NewMessage(typ, m.Destination, m.Source, payload)
	if err != nil {
		return nil, err
	}
	resp.ProtocolVersion = m.ProtocolVersion
	resp.CorrelationID = m.ID
	resp.Priority = m.Priority
	return resp, nil
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.CorrelationID != ""
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s %s", ErrNoPayload, m.Type, m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Type, err)
	}
	return nil
}

// Now returns the current time truncated to the canonical timestamp precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return normalizePayload(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return normalizePayload(raw), nil
}

// normalizePayload maps a JSON null payload to nil so null survives a round trip.
func normalizePayload(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}
