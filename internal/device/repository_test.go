package device

import (
	"context"
	"errors"
	"testing"

	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/database"
	_ "github.com/skatamatic/blulok-cloud-sub006/migrations"
)

// setupTestDB opens an in-memory database with the embedded migrations applied.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func intPtr(v int) *int           { return &v }
func strPtr(v string) *string     { return &v }
func floatPtr(v float64) *float64 { return &v }

func testDevice(gatewayID, serial string) *Device {
	return &Device{
		GatewayID:       gatewayID,
		Serial:          serial,
		LockID:          strPtr("lock-" + serial),
		Status:          StatusOnline,
		LockStatus:      LockStatusLocked,
		BatteryLevel:    intPtr(80),
		SignalStrength:  intPtr(-60),
		Temperature:     floatPtr(21.5),
		FirmwareVersion: strPtr("2.1.0"),
		Metadata:        map[string]any{"autoCreated": true},
	}
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	d := testDevice("gw-1", "SN-001")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if d.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}

	got, err := repo.GetByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Serial != "SN-001" || got.GatewayID != "gw-1" {
		t.Errorf("GetByID() = %+v", got)
	}
	if got.DeviceType != DefaultDeviceType {
		t.Errorf("DeviceType = %q, want %q", got.DeviceType, DefaultDeviceType)
	}
	if got.Status != StatusOnline || got.LockStatus != LockStatusLocked {
		t.Errorf("Status/LockStatus = %s/%s", got.Status, got.LockStatus)
	}
	if got.BatteryLevel == nil || *got.BatteryLevel != 80 {
		t.Errorf("BatteryLevel = %v, want 80", got.BatteryLevel)
	}
	if got.Temperature == nil || *got.Temperature != 21.5 {
		t.Errorf("Temperature = %v, want 21.5", got.Temperature)
	}
	if got.LockID == nil || *got.LockID != "lock-SN-001" {
		t.Errorf("LockID = %v", got.LockID)
	}
	if got.UnitID != nil {
		t.Errorf("UnitID = %v, want nil", got.UnitID)
	}
	if got.Metadata["autoCreated"] != true {
		t.Errorf("Metadata = %v", got.Metadata)
	}
}

func TestSQLiteRepository_CreateValidation(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	if err := repo.Create(ctx, &Device{GatewayID: "gw-1"}); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("Create() without serial error = %v, want ErrInvalidDevice", err)
	}

	if err := repo.Create(ctx, testDevice("gw-1", "SN-001")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, testDevice("gw-1", "SN-001")); !errors.Is(err, ErrDeviceExists) {
		t.Errorf("Create() duplicate serial error = %v, want ErrDeviceExists", err)
	}
	// The same serial on another gateway is a different device.
	if err := repo.Create(ctx, testDevice("gw-2", "SN-001")); err != nil {
		t.Errorf("Create() same serial other gateway error = %v", err)
	}
}

func TestSQLiteRepository_FindByGateway(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	for _, d := range []*Device{
		testDevice("gw-1", "SN-B"),
		testDevice("gw-1", "SN-A"),
		testDevice("gw-2", "SN-C"),
	} {
		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	got, err := repo.FindByGateway(ctx, "gw-1")
	if err != nil {
		t.Fatalf("FindByGateway() error = %v", err)
	}
	if len(got) != 2 || got[0].Serial != "SN-A" || got[1].Serial != "SN-B" {
		t.Errorf("FindByGateway() = %+v, want SN-A, SN-B", got)
	}

	empty, err := repo.FindByGateway(ctx, "gw-none")
	if err != nil {
		t.Fatalf("FindByGateway() error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("FindByGateway(unknown) = %d devices, want 0", len(empty))
	}

	d, err := repo.FindBySerial(ctx, "gw-2", "SN-C")
	if err != nil {
		t.Fatalf("FindBySerial() error = %v", err)
	}
	if d.GatewayID != "gw-2" {
		t.Errorf("FindBySerial() gateway = %s", d.GatewayID)
	}
	if _, err := repo.FindBySerial(ctx, "gw-1", "SN-C"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("FindBySerial(wrong gateway) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_Updates(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	d := testDevice("gw-1", "SN-001")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.UpdateStatus(ctx, d.ID, StatusOffline); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if err := repo.UpdateLockState(ctx, d.ID, LockStatusUnlocked); err != nil {
		t.Fatalf("UpdateLockState() error = %v", err)
	}
	if err := repo.UpdateBattery(ctx, d.ID, 12); err != nil {
		t.Fatalf("UpdateBattery() error = %v", err)
	}

	got, err := repo.GetByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusOffline {
		t.Errorf("Status = %s, want %s", got.Status, StatusOffline)
	}
	if got.LockStatus != LockStatusUnlocked {
		t.Errorf("LockStatus = %s, want %s", got.LockStatus, LockStatusUnlocked)
	}
	if got.BatteryLevel == nil || *got.BatteryLevel != 12 {
		t.Errorf("BatteryLevel = %v, want 12", got.BatteryLevel)
	}
	if got.LastSeen == nil {
		t.Error("LastSeen = nil after UpdateStatus")
	}

	tests := []struct {
		name string
		fn   func() error
	}{
		{"UpdateStatus", func() error { return repo.UpdateStatus(ctx, "missing", StatusOnline) }},
		{"UpdateLockState", func() error { return repo.UpdateLockState(ctx, "missing", LockStatusLocked) }},
		{"UpdateBattery", func() error { return repo.UpdateBattery(ctx, "missing", 50) }},
		{"Delete", func() error { return repo.Delete(ctx, "missing") }},
	}
	for _, tt := range tests {
		t.Run(tt.name+" unknown id", func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrDeviceNotFound) {
				t.Errorf("%s() error = %v, want ErrDeviceNotFound", tt.name, err)
			}
		})
	}
}

func TestSQLiteRepository_Delete(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	d := testDevice("gw-1", "SN-001")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Delete(ctx, d.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.GetByID(ctx, d.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByID() after Delete error = %v, want ErrDeviceNotFound", err)
	}
}

func TestStatusMapping(t *testing.T) {
	if StatusFromOnline(true) != StatusOnline || StatusFromOnline(false) != StatusOffline {
		t.Error("StatusFromOnline mapping is wrong")
	}
	if LockStatusFromLocked(true) != LockStatusLocked || LockStatusFromLocked(false) != LockStatusUnlocked {
		t.Error("LockStatusFromLocked mapping is wrong")
	}
}
