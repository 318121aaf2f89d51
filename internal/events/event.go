package events

import (
	"strings"
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/commandqueue"
	"github.com/skatamatic/blulok-cloud-sub006/internal/device"
)

// Type names an event.
type Type string

// Event types.
const (
	TypeGatewayStatus       Type = "gateway.status"
	TypeDeviceAdded         Type = "device.added"
	TypeDeviceRemoved       Type = "device.removed"
	TypeDeviceChanged       Type = "device.changed"
	TypeCommandDeadLettered Type = "command.dead_lettered"
)

// Category is the part of the type before the dot: "gateway", "device" or
// "command". Websocket clients subscribe by category.
func (t Type) Category() string {
	c, _, _ := strings.Cut(string(t), ".")
	return c
}

// Event is one notification fanned out to every sink.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	GatewayID string    `json:"gatewayId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Data is gateway.Status, device.Device, DeviceRemoved, DeviceChanged
	// or CommandDeadLettered depending on Type.
	Data any `json:"data"`
}

// DeviceRemoved is the data of a device.removed event.
type DeviceRemoved struct {
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	GatewayID  string `json:"gatewayId"`
}

// DeviceChanged is the data of a device.changed event.
type DeviceChanged struct {
	Device device.Device `json:"device"`
	Fields []string      `json:"fields"`
}

// CommandDeadLettered is the data of a command.dead_lettered event.
type CommandDeadLettered struct {
	CommandID   string                   `json:"commandId"`
	FacilityID  string                   `json:"facilityId"`
	DeviceID    string                   `json:"deviceId"`
	CommandType commandqueue.CommandType `json:"commandType"`
	Attempts    int                      `json:"attempts"`
	Error       string                   `json:"error"`
}
