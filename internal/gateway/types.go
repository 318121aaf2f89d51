package gateway

import (
	"context"
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/devicesync"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/connection"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/protocol"
)

// Type selects the gateway implementation.
type Type string

// Gateway types. The values are stored in the gateways table.
const (
	TypePhysical  Type = "physical"
	TypeHTTP      Type = "http"
	TypeSimulated Type = "simulated"
)

// Valid reports whether t is a known gateway type.
func (t Type) Valid() bool {
	switch t {
	case TypePhysical, TypeHTTP, TypeSimulated:
		return true
	}
	return false
}

// Key management versions for physical gateways.
const (
	KeyManagementV1 = "v1"
	// KeyManagementV2 distributes public keys to the lock itself. Its
	// encoding is not yet defined by lock firmware.
	KeyManagementV2 = "v2"
)

// Config is one gateway's stored configuration.
type Config struct {
	ID                   string        `json:"id"`
	FacilityID           string        `json:"facilityId"`
	Name                 string        `json:"name,omitempty"`
	Type                 Type          `json:"type"`
	ConnectionURL        string        `json:"connectionUrl,omitempty"`
	BaseURL              string        `json:"baseUrl,omitempty"`
	APIKey               string        `json:"-"`
	ProtocolVersion      string        `json:"protocolVersion,omitempty"`
	KeyManagementVersion string        `json:"keyManagementVersion,omitempty"`
	PollFrequency        time.Duration `json:"pollFrequency,omitempty"`
	IgnoreTLSValidation  bool          `json:"ignoreTlsValidation,omitempty"`
}

// Capabilities is the static declaration of a gateway type.
type Capabilities struct {
	ProtocolVersions         []string `json:"protocolVersions"`
	DeviceTypes              []string `json:"deviceTypes"`
	MaxConcurrentConnections int      `json:"maxConcurrentConnections"`
	FirmwareUpdate           bool     `json:"firmwareUpdate"`
	RemoteAccess             bool     `json:"remoteAccess"`
	KeyManagement            bool     `json:"keyManagement"`
	// HeartbeatInterval is zero for gateways that are polled instead.
	HeartbeatInterval time.Duration `json:"heartbeatInterval"`
}

// Status is a gateway's observable snapshot.
type Status struct {
	GatewayID       string           `json:"gatewayId"`
	FacilityID      string           `json:"facilityId"`
	Type            Type             `json:"type"`
	State           connection.State `json:"state"`
	LastHeartbeat   *time.Time       `json:"lastHeartbeat,omitempty"`
	Uptime          *int64           `json:"uptime,omitempty"`
	CPUUsage        *float64         `json:"cpuUsage,omitempty"`
	MemoryUsage     *float64         `json:"memoryUsage,omitempty"`
	DeviceCount     int              `json:"deviceCount"`
	ProtocolVersion string           `json:"protocolVersion"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// DeviceInfo is a device registered with a gateway instance.
type DeviceInfo struct {
	ID         string            `json:"id"`
	Serial     string            `json:"serial,omitempty"`
	DeviceType string            `json:"deviceType,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DeviceCommand is a direct device operation.
type DeviceCommand struct {
	DeviceID   string         `json:"deviceId"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// CommandResult is the outcome of a device operation. Failures are carried
// in Success and Error, never as a Go error.
type CommandResult struct {
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	ExecutedAt time.Time      `json:"executedAt"`
	Duration   time.Duration  `json:"duration"`
}

// Gateway is the cloud-side representative of one on-site gateway.
type Gateway interface {
	ID() string
	Config() Config
	Capabilities() Capabilities
	Status() Status

	// Initialize builds the protocol and connection. Connect calls it when
	// needed.
	Initialize(ctx context.Context) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// SendMessage validates, encodes and sends msg.
	SendMessage(ctx context.Context, msg *protocol.Message) error

	// SendMessageAndWait sends msg and waits up to timeout for the message
	// whose CorrelationID equals msg.ID.
	SendMessageAndWait(ctx context.Context, msg *protocol.Message, timeout time.Duration) (*protocol.Message, error)

	RegisterDevice(ctx context.Context, d DeviceInfo) error
	UnregisterDevice(ctx context.Context, deviceID string) error
	Devices() []DeviceInfo

	GetDeviceStatus(ctx context.Context, deviceID string) (*protocol.DeviceStatusPayload, error)
	ExecuteCommand(ctx context.Context, cmd DeviceCommand) CommandResult
	AddKey(ctx context.Context, key protocol.KeyPayload) (CommandResult, error)
	RevokeKey(ctx context.Context, key protocol.KeyPayload) (CommandResult, error)
	GetKeys(ctx context.Context, deviceID string) ([]protocol.KeyPayload, error)
	GetAllLocks(ctx context.Context) ([]protocol.DeviceStatusPayload, error)
	SendPushMessage(ctx context.Context, deviceID, message string) CommandResult

	// Sync fetches the gateway's device list and reconciles the inventory.
	Sync(ctx context.Context) (*devicesync.Result, error)

	// SubscribeStatus registers fn for every status change and returns a
	// function that removes it.
	SubscribeStatus(fn func(Status)) (unsubscribe func())
}

// Synchronizer reconciles a reported device list. *devicesync.Synchronizer
// implements it.
type Synchronizer interface {
	Sync(ctx context.Context, gatewayID string, reported []devicesync.ReportedDevice) (*devicesync.Result, error)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// reportedDevice converts a gateway's device status into sync input.
func reportedDevice(d protocol.DeviceStatusPayload) devicesync.ReportedDevice {
	gwDeviceID := d.GatewayDeviceID
	if gwDeviceID == "" {
		gwDeviceID = d.DeviceID
	}
	return devicesync.ReportedDevice{
		Serial:          d.Serial,
		GatewayDeviceID: gwDeviceID,
		LockID:          d.LockID,
		DeviceType:      d.DeviceType,
		Online:          d.Online,
		Locked:          d.Locked,
		BatteryLevel:    d.BatteryLevel,
		SignalStrength:  d.SignalStrength,
		Temperature:     d.Temperature,
		FirmwareVersion: d.FirmwareVersion,
	}
}
