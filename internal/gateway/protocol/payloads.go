package protocol

import "time"

// Payload shapes for the message types the cloud produces or consumes.
// Field names are wire format.

// HeartbeatPayload carries liveness and optional resource statistics.
type HeartbeatPayload struct {
	Timestamp   time.Time `json:"timestamp"`
	Uptime      *int64    `json:"uptime,omitempty"` // seconds
	CPUUsage    *float64  `json:"cpuUsage,omitempty"`
	MemoryUsage *float64  `json:"memoryUsage,omitempty"`
	DeviceCount *int      `json:"deviceCount,omitempty"`
}

// StatusRequestPayload asks for one device's status, or every device when
// DeviceID is empty.
type StatusRequestPayload struct {
	DeviceID string `json:"deviceId,omitempty"`
}

// DeviceStatusPayload is one device's reported state.
type DeviceStatusPayload struct {
	DeviceID        string     `json:"deviceId"`
	Serial          string     `json:"serial,omitempty"`
	GatewayDeviceID string     `json:"gatewayDeviceId,omitempty"`
	LockID          string     `json:"lockId,omitempty"`
	DeviceType      string     `json:"deviceType,omitempty"`
	Online          bool       `json:"online"`
	Locked          *bool      `json:"locked,omitempty"`
	BatteryLevel    *int       `json:"batteryLevel,omitempty"`
	SignalStrength  *int       `json:"signalStrength,omitempty"`
	Temperature     *float64   `json:"temperature,omitempty"`
	FirmwareVersion string     `json:"firmwareVersion,omitempty"`
	LastSeen        *time.Time `json:"lastSeen,omitempty"`
}

// StatusResponsePayload answers a status request. Device is set for a
// single-device request, Devices for a full listing.
type StatusResponsePayload struct {
	Device  *DeviceStatusPayload  `json:"device,omitempty"`
	Devices []DeviceStatusPayload `json:"devices,omitempty"`
}

// DeviceCommandPayload asks the gateway to act on a device.
type DeviceCommandPayload struct {
	DeviceID   string         `json:"deviceId"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Device command names understood by gateway firmware.
const (
	CommandLock             = "lock"
	CommandUnlock           = "unlock"
	CommandRegisterDevice   = "register_device"
	CommandUnregisterDevice = "unregister_device"
	CommandPushMessage      = "push_message"
)

// CommandResponsePayload is the gateway's answer to a command or key operation.
type CommandResponsePayload struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// KeyPayload identifies a credential on a lock. At most one of PublicKey,
// KeyCode or KeyToken is normally set.
type KeyPayload struct {
	DeviceID   string     `json:"deviceId"`
	UserID     string     `json:"userId,omitempty"`
	PublicKey  string     `json:"publicKey,omitempty"`
	KeyCode    string     `json:"keyCode,omitempty"`
	KeyToken   string     `json:"keyToken,omitempty"`
	ValidFrom  *time.Time `json:"validFrom,omitempty"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`
}

// KeyListPayload is both the key_list request (Keys empty) and its response.
type KeyListPayload struct {
	DeviceID string       `json:"deviceId"`
	Keys     []KeyPayload `json:"keys,omitempty"`
}

// ErrorPayload is carried by error messages.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
