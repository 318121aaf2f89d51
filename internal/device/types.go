package device

import "time"

// Status is a device's connectivity as last reported by its gateway.
type Status string

// Device statuses.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// StatusFromOnline maps a reported online flag to a Status.
func StatusFromOnline(online bool) Status {
	if online {
		return StatusOnline
	}
	return StatusOffline
}

// LockStatus is a lock's bolt position.
type LockStatus string

// Lock statuses.
const (
	LockStatusLocked   LockStatus = "locked"
	LockStatusUnlocked LockStatus = "unlocked"
	LockStatusUnknown  LockStatus = "unknown"
)

// LockStatusFromLocked maps a reported locked flag to a LockStatus.
func LockStatusFromLocked(locked bool) LockStatus {
	if locked {
		return LockStatusLocked
	}
	return LockStatusUnlocked
}

// DefaultDeviceType is used when a gateway does not report one.
const DefaultDeviceType = "lock"

// Device is a lock or sensor attached to a gateway.
// This matches the devices table in migrations/20260301_120000_initial_schema.up.sql.
type Device struct {
	// Identity
	ID        string `json:"id"`
	GatewayID string `json:"gateway_id"`

	// Serial is the resolved stable identifier: the reported serial, or the
	// gateway-local id, or the lock id.
	Serial          string  `json:"serial"`
	GatewayDeviceID *string `json:"gateway_device_id,omitempty"`
	LockID          *string `json:"lock_id,omitempty"`

	DeviceType string `json:"device_type"`

	// UnitID is assigned by the facility workflow, never by gateway sync.
	UnitID *string `json:"unit_id,omitempty"`

	// Reported state
	Status          Status     `json:"status"`
	LockStatus      LockStatus `json:"lock_status"`
	BatteryLevel    *int       `json:"battery_level,omitempty"`
	SignalStrength  *int       `json:"signal_strength,omitempty"`
	Temperature     *float64   `json:"temperature,omitempty"`
	FirmwareVersion *string    `json:"firmware_version,omitempty"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
