package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository defines the device persistence operations the gateway core
// needs. This abstraction allows for different implementations (SQLite,
// mock, etc.) and enables unit testing without database dependencies.
type Repository interface {
	// FindByGateway returns every device attributed to a gateway, ordered
	// by serial.
	FindByGateway(ctx context.Context, gatewayID string) ([]Device, error)

	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// FindBySerial retrieves a gateway's device by resolved serial.
	// Returns ErrDeviceNotFound if none matches.
	FindBySerial(ctx context.Context, gatewayID, serial string) (*Device, error)

	// Create inserts a new device. An empty ID is filled with a UUID.
	// Returns ErrDeviceExists on ID or (gateway, serial) conflict.
	Create(ctx context.Context, device *Device) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error

	// UpdateStatus sets online/offline and refreshes last_seen.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// UpdateLockState sets the bolt position.
	UpdateLockState(ctx context.Context, id string, state LockStatus) error

	// UpdateBattery sets the battery percentage.
	UpdateBattery(ctx context.Context, id string, level int) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `
		SELECT id, gateway_id, serial, gateway_device_id, lock_id, device_type,
			unit_id, status, lock_status, battery_level, signal_strength,
			temperature, firmware_version, last_seen, metadata,
			created_at, updated_at
		FROM devices`

// FindByGateway returns every device attributed to a gateway.
func (r *SQLiteRepository) FindByGateway(ctx context.Context, gatewayID string) ([]Device, error) {
	return r.queryDevices(ctx, selectColumns+`
		WHERE gateway_id = ?
		ORDER BY serial`, gatewayID)
}

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// FindBySerial retrieves a gateway's device by resolved serial.
func (r *SQLiteRepository) FindBySerial(ctx context.Context, gatewayID, serial string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE gateway_id = ? AND serial = ?`, gatewayID, serial)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by serial: %w", err)
	}
	return d, nil
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	if device.GatewayID == "" || device.Serial == "" {
		return fmt.Errorf("%w: gateway_id and serial are required", ErrInvalidDevice)
	}
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	if device.DeviceType == "" {
		device.DeviceType = DefaultDeviceType
	}
	if device.Status == "" {
		device.Status = StatusOffline
	}
	if device.LockStatus == "" {
		device.LockStatus = LockStatusUnknown
	}

	var metadataJSON sql.NullString
	if device.Metadata != nil {
		data, err := json.Marshal(device.Metadata)
		if err != nil {
			return fmt.Errorf("marshalling metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(data), Valid: true}
	}

	now := time.Now().UTC()
	device.CreatedAt = now
	device.UpdatedAt = now

	query := `
		INSERT INTO devices (
			id, gateway_id, serial, gateway_device_id, lock_id, device_type,
			unit_id, status, lock_status, battery_level, signal_strength,
			temperature, firmware_version, last_seen, metadata,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		device.ID,
		device.GatewayID,
		device.Serial,
		nullableString(device.GatewayDeviceID),
		nullableString(device.LockID),
		device.DeviceType,
		nullableString(device.UnitID),
		string(device.Status),
		string(device.LockStatus),
		nullableInt(device.BatteryLevel),
		nullableInt(device.SignalStrength),
		nullableFloat(device.Temperature),
		nullableString(device.FirmwareVersion),
		nullableTime(device.LastSeen),
		metadataJSON,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return checkAffected(result)
}

// UpdateStatus sets online/offline and refreshes last_seen.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, status Status) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET status = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`,
		string(status), now, now, id,
	)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	return checkAffected(result)
}

// UpdateLockState sets the bolt position.
func (r *SQLiteRepository) UpdateLockState(ctx context.Context, id string, state LockStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET lock_status = ?, updated_at = ?
		WHERE id = ?`,
		string(state), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating lock state: %w", err)
	}
	return checkAffected(result)
}

// UpdateBattery sets the battery percentage.
func (r *SQLiteRepository) UpdateBattery(ctx context.Context, id string, level int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET battery_level = ?, updated_at = ?
		WHERE id = ?`,
		level, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating battery level: %w", err)
	}
	return checkAffected(result)
}

// queryDevices executes a query and returns a slice of devices.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a row or rows result into a Device.
func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var gatewayDeviceID, lockID, unitID, firmwareVersion sql.NullString
	var lastSeen, metadataJSON sql.NullString
	var battery, signal sql.NullInt64
	var temperature sql.NullFloat64
	var status, lockStatus, createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&d.GatewayID,
		&d.Serial,
		&gatewayDeviceID,
		&lockID,
		&d.DeviceType,
		&unitID,
		&status,
		&lockStatus,
		&battery,
		&signal,
		&temperature,
		&firmwareVersion,
		&lastSeen,
		&metadataJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.LockStatus = LockStatus(lockStatus)
	d.GatewayDeviceID = stringPtr(gatewayDeviceID)
	d.LockID = stringPtr(lockID)
	d.UnitID = stringPtr(unitID)
	d.FirmwareVersion = stringPtr(firmwareVersion)

	if battery.Valid {
		v := int(battery.Int64)
		d.BatteryLevel = &v
	}
	if signal.Valid {
		v := int(signal.Int64)
		d.SignalStrength = &v
	}
	if temperature.Valid {
		v := temperature.Float64
		d.Temperature = &v
	}
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			d.LastSeen = &t
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &d.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}
	return &d, nil
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
