package devicesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/device"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/lock"
)

// ErrNoIdentifier is recorded for a reported device with no serial,
// gateway-local id or lock id.
var ErrNoIdentifier = errors.New("devicesync: reported device has no identifier")

// ReportedDevice is one entry of a gateway's device list.
// Nil pointer fields were not reported and are never diffed.
type ReportedDevice struct {
	Serial          string
	GatewayDeviceID string
	LockID          string
	DeviceType      string
	Online          bool
	Locked          *bool
	BatteryLevel    *int
	SignalStrength  *int
	Temperature     *float64
	FirmwareVersion string
}

// Identifier resolves the stable identifier: serial, then gateway-local id,
// then lock id. Empty when none is set.
func (r ReportedDevice) Identifier() string {
	switch {
	case r.Serial != "":
		return r.Serial
	case r.GatewayDeviceID != "":
		return r.GatewayDeviceID
	default:
		return r.LockID
	}
}

// Changed field names reported to Notifier.DeviceChanged.
const (
	FieldStatus     = "status"
	FieldLockStatus = "lock_status"
	FieldBattery    = "battery_level"
)

// Notifier receives inventory changes made by a sync pass.
type Notifier interface {
	DeviceAdded(d device.Device)
	DeviceRemoved(deviceID, deviceType, gatewayID string)
	DeviceChanged(d device.Device, fields []string)
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

type noopNotifier struct{}

func (noopNotifier) DeviceAdded(device.Device)             {}
func (noopNotifier) DeviceRemoved(string, string, string)  {}
func (noopNotifier) DeviceChanged(device.Device, []string) {}

// ItemError is a per-device failure inside a pass.
type ItemError struct {
	Identifier string `json:"identifier"`
	Op         string `json:"op"`
	Err        error  `json:"-"`
	Message    string `json:"error"`
}

// Result summarizes one pass. Added, Removed and Updated hold resolved
// identifiers.
type Result struct {
	GatewayID string        `json:"gatewayId"`
	Added     []string      `json:"added"`
	Removed   []string      `json:"removed"`
	Updated   []string      `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Errors    []ItemError   `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Config holds Synchronizer dependencies. Repository is required.
type Config struct {
	Repository device.Repository
	Locker     lock.Locker
	Notifier   Notifier
	Logger     Logger
}

// Synchronizer runs reconciliation passes.
//
// Thread Safety:
//   - Sync is safe for concurrent use; passes for one gateway are serialized.
type Synchronizer struct {
	repo     device.Repository
	locker   lock.Locker
	notifier Notifier
	logger   Logger
}

// New creates a Synchronizer. A nil Locker defaults to an in-process one.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Repository == nil {
		return nil, errors.New("devicesync: repository is required")
	}
	s := &Synchronizer{
		repo:     cfg.Repository,
		locker:   cfg.Locker,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
	}
	if s.locker == nil {
		s.locker = lock.NewLocal()
	}
	if s.notifier == nil {
		s.notifier = noopNotifier{}
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	return s, nil
}

// Sync reconciles gatewayID's persisted devices against reported.
// It fails only when the lock or the persisted snapshot cannot be obtained;
// per-device failures are collected in Result.Errors.
func (s *Synchronizer) Sync(ctx context.Context, gatewayID string, reported []ReportedDevice) (*Result, error) {
	start := time.Now()

	unlock, err := s.locker.Lock(ctx, "devicesync:"+gatewayID)
	if err != nil {
		return nil, fmt.Errorf("locking gateway %s for sync: %w", gatewayID, err)
	}
	defer unlock()

	persisted, err := s.repo.FindByGateway(ctx, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("loading devices for gateway %s: %w", gatewayID, err)
	}

	res := &Result{GatewayID: gatewayID}

	existing := make(map[string]*device.Device, len(persisted))
	for i := range persisted {
		existing[persisted[i].Serial] = &persisted[i]
	}

	seen := make(map[string]bool, len(reported))
	for _, r := range reported {
		id := r.Identifier()
		if id == "" {
			s.fail(res, "", "resolve", ErrNoIdentifier)
			continue
		}
		if seen[id] {
			s.logger.Warn("duplicate device in gateway report", "gateway_id", gatewayID, "serial", id)
			continue
		}
		seen[id] = true

		if d, ok := existing[id]; ok {
			s.update(ctx, res, d, r)
			continue
		}
		s.add(ctx, res, gatewayID, id, r)
	}

	for i := range persisted {
		d := &persisted[i]
		if seen[d.Serial] {
			continue
		}
		if err := s.repo.Delete(ctx, d.ID); err != nil && !errors.Is(err, device.ErrDeviceNotFound) {
			s.fail(res, d.Serial, "delete", err)
			continue
		}
		res.Removed = append(res.Removed, d.Serial)
		s.notifier.DeviceRemoved(d.ID, d.DeviceType, gatewayID)
	}

	res.Duration = time.Since(start)
	s.logger.Info("device sync complete",
		"gateway_id", gatewayID,
		"added", len(res.Added),
		"removed", len(res.Removed),
		"updated", len(res.Updated),
		"unchanged", res.Unchanged,
		"errors", len(res.Errors),
		"duration", res.Duration,
	)
	return res, nil
}

func (s *Synchronizer) add(ctx context.Context, res *Result, gatewayID, id string, r ReportedDevice) {
	now := time.Now().UTC()
	d := &device.Device{
		GatewayID:       gatewayID,
		Serial:          id,
		GatewayDeviceID: optional(r.GatewayDeviceID),
		LockID:          optional(r.LockID),
		DeviceType:      r.DeviceType,
		Status:          device.StatusFromOnline(r.Online),
		LockStatus:      device.LockStatusUnknown,
		BatteryLevel:    r.BatteryLevel,
		SignalStrength:  r.SignalStrength,
		Temperature:     r.Temperature,
		FirmwareVersion: optional(r.FirmwareVersion),
		LastSeen:        &now,
		Metadata: map[string]any{
			"autoCreated":  true,
			"source":       "gateway_sync",
			"discoveredAt": now.Format(time.RFC3339),
		},
	}
	if r.Locked != nil {
		d.LockStatus = device.LockStatusFromLocked(*r.Locked)
	}

	if err := s.repo.Create(ctx, d); err != nil {
		s.fail(res, id, "create", err)
		return
	}
	res.Added = append(res.Added, id)
	s.notifier.DeviceAdded(*d)
}

// update applies only the fields that differ.
func (s *Synchronizer) update(ctx context.Context, res *Result, d *device.Device, r ReportedDevice) {
	var changed []string

	if status := device.StatusFromOnline(r.Online); status != d.Status {
		if err := s.repo.UpdateStatus(ctx, d.ID, status); err != nil {
			s.fail(res, d.Serial, "update_status", err)
			return
		}
		d.Status = status
		changed = append(changed, FieldStatus)
	}

	if r.Locked != nil {
		if ls := device.LockStatusFromLocked(*r.Locked); ls != d.LockStatus {
			if err := s.repo.UpdateLockState(ctx, d.ID, ls); err != nil {
				s.fail(res, d.Serial, "update_lock_state", err)
				return
			}
			d.LockStatus = ls
			changed = append(changed, FieldLockStatus)
		}
	}

	if r.BatteryLevel != nil && (d.BatteryLevel == nil || *d.BatteryLevel != *r.BatteryLevel) {
		if err := s.repo.UpdateBattery(ctx, d.ID, *r.BatteryLevel); err != nil {
			s.fail(res, d.Serial, "update_battery", err)
			return
		}
		level := *r.BatteryLevel
		d.BatteryLevel = &level
		changed = append(changed, FieldBattery)
	}

	if len(changed) == 0 {
		res.Unchanged++
		return
	}
	res.Updated = append(res.Updated, d.Serial)
	s.notifier.DeviceChanged(*d, changed)
}

func (s *Synchronizer) fail(res *Result, id, op string, err error) {
	s.logger.Error("device sync step failed",
		"gateway_id", res.GatewayID,
		"serial", id,
		"op", op,
		"error", err,
	)
	res.Errors = append(res.Errors, ItemError{Identifier: id, Op: op, Err: err, Message: err.Error()})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
