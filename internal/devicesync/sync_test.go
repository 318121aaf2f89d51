package devicesync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/skatamatic/blulok-cloud-sub006/internal/device"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/database"
	_ "github.com/skatamatic/blulok-cloud-sub006/migrations"
)

func setupRepo(t *testing.T) *device.SQLiteRepository {
	t.Helper()
	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return device.NewSQLiteRepository(db.DB)
}

type removal struct{ deviceID, deviceType, gatewayID string }

// recordingNotifier captures inventory events.
type recordingNotifier struct {
	mu      sync.Mutex
	added   []string
	removed []removal
	changed map[string][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{changed: make(map[string][]string)}
}

func (n *recordingNotifier) DeviceAdded(d device.Device) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.added = append(n.added, d.Serial)
}

func (n *recordingNotifier) DeviceRemoved(deviceID, deviceType, gatewayID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = append(n.removed, removal{deviceID, deviceType, gatewayID})
}

func (n *recordingNotifier) DeviceChanged(d device.Device, fields []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed[d.Serial] = fields
}

// failingRepo fails Create for one serial.
type failingRepo struct {
	device.Repository
	failSerial string
}

func (r *failingRepo) Create(ctx context.Context, d *device.Device) error {
	if d.Serial == r.failSerial {
		return errors.New("disk full")
	}
	return r.Repository.Create(ctx, d)
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func seed(t *testing.T, repo device.Repository, gatewayID string, devices ...*device.Device) {
	t.Helper()
	for _, d := range devices {
		d.GatewayID = gatewayID
		if err := repo.Create(context.Background(), d); err != nil {
			t.Fatalf("Create(%s) error = %v", d.Serial, err)
		}
	}
}

func newSynchronizer(t *testing.T, repo device.Repository, n Notifier) *Synchronizer {
	t.Helper()
	s, err := New(Config{Repository: repo, Notifier: n})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestNew_RequiresRepository(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() without repository expected error, got nil")
	}
}

func TestReportedDevice_Identifier(t *testing.T) {
	tests := []struct {
		name string
		r    ReportedDevice
		want string
	}{
		{"serial wins", ReportedDevice{Serial: "S", GatewayDeviceID: "G", LockID: "L"}, "S"},
		{"gateway id next", ReportedDevice{GatewayDeviceID: "G", LockID: "L"}, "G"},
		{"lock id last", ReportedDevice{LockID: "L"}, "L"},
		{"none", ReportedDevice{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Identifier(); got != tt.want {
				t.Errorf("Identifier() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSync_AddsRemovesAndUpdates(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	seed(t, repo, "gw-1",
		&device.Device{Serial: "A", DeviceType: "lock", Status: device.StatusOnline, LockStatus: device.LockStatusLocked, BatteryLevel: intPtr(90)},
		&device.Device{Serial: "B", DeviceType: "lock", Status: device.StatusOnline, LockStatus: device.LockStatusLocked, BatteryLevel: intPtr(90)},
	)
	// A device on another gateway must be untouched.
	seed(t, repo, "gw-2", &device.Device{Serial: "A"})

	notifier := newRecordingNotifier()
	s := newSynchronizer(t, repo, notifier)

	res, err := s.Sync(ctx, "gw-1", []ReportedDevice{
		// B: same status, lock changed, battery changed.
		{Serial: "B", Online: true, Locked: boolPtr(false), BatteryLevel: intPtr(55)},
		// C: new, identified by lock id only.
		{LockID: "C", Online: true, Locked: boolPtr(true), FirmwareVersion: "2.1.0"},
	})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if !slices.Equal(res.Added, []string{"C"}) {
		t.Errorf("Added = %v, want [C]", res.Added)
	}
	if !slices.Equal(res.Removed, []string{"A"}) {
		t.Errorf("Removed = %v, want [A]", res.Removed)
	}
	if !slices.Equal(res.Updated, []string{"B"}) {
		t.Errorf("Updated = %v, want [B]", res.Updated)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %+v, want none", res.Errors)
	}

	devices, err := repo.FindByGateway(ctx, "gw-1")
	if err != nil {
		t.Fatalf("FindByGateway() error = %v", err)
	}
	if len(devices) != 2 || devices[0].Serial != "B" || devices[1].Serial != "C" {
		t.Fatalf("devices after sync = %+v, want B and C", devices)
	}

	b := devices[0]
	if b.Status != device.StatusOnline || b.LockStatus != device.LockStatusUnlocked || *b.BatteryLevel != 55 {
		t.Errorf("B after sync = status %s lock %s battery %d", b.Status, b.LockStatus, *b.BatteryLevel)
	}
	if got := notifier.changed["B"]; !slices.Equal(got, []string{FieldLockStatus, FieldBattery}) {
		t.Errorf("changed fields for B = %v, want [lock_status battery_level]", got)
	}

	c := devices[1]
	if c.UnitID != nil {
		t.Errorf("new device UnitID = %v, want nil", *c.UnitID)
	}
	if c.LockID == nil || *c.LockID != "C" {
		t.Errorf("new device LockID = %v, want C", c.LockID)
	}
	if c.FirmwareVersion == nil || *c.FirmwareVersion != "2.1.0" {
		t.Errorf("new device FirmwareVersion = %v, want 2.1.0", c.FirmwareVersion)
	}
	if c.Metadata["autoCreated"] != true {
		t.Errorf("new device Metadata = %v, want autoCreated", c.Metadata)
	}
	if c.LockStatus != device.LockStatusLocked {
		t.Errorf("new device LockStatus = %s, want locked", c.LockStatus)
	}

	if !slices.Equal(notifier.added, []string{"C"}) {
		t.Errorf("DeviceAdded calls = %v, want [C]", notifier.added)
	}
	if len(notifier.removed) != 1 || notifier.removed[0].gatewayID != "gw-1" || notifier.removed[0].deviceType != "lock" {
		t.Errorf("DeviceRemoved calls = %+v", notifier.removed)
	}

	other, err := repo.FindByGateway(ctx, "gw-2")
	if err != nil || len(other) != 1 {
		t.Errorf("gw-2 devices = %v, %v; want untouched", other, err)
	}
}

func TestSync_UnchangedWritesNothing(t *testing.T) {
	repo := setupRepo(t)
	seed(t, repo, "gw-1", &device.Device{Serial: "A", Status: device.StatusOnline, LockStatus: device.LockStatusLocked, BatteryLevel: intPtr(70)})

	notifier := newRecordingNotifier()
	s := newSynchronizer(t, repo, notifier)

	res, err := s.Sync(context.Background(), "gw-1", []ReportedDevice{
		{Serial: "A", Online: true, Locked: boolPtr(true), BatteryLevel: intPtr(70)},
	})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Unchanged != 1 || len(res.Updated) != 0 {
		t.Errorf("Unchanged = %d, Updated = %v; want 1 and none", res.Unchanged, res.Updated)
	}
	if len(notifier.changed) != 0 {
		t.Errorf("DeviceChanged called for %v, want no calls", notifier.changed)
	}
}

func TestSync_UnreportedFieldsAreNotDiffed(t *testing.T) {
	repo := setupRepo(t)
	seed(t, repo, "gw-1", &device.Device{Serial: "A", Status: device.StatusOnline, LockStatus: device.LockStatusLocked, BatteryLevel: intPtr(70)})
	s := newSynchronizer(t, repo, nil)

	res, err := s.Sync(context.Background(), "gw-1", []ReportedDevice{{Serial: "A", Online: true}})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Unchanged != 1 {
		t.Errorf("Unchanged = %d, want 1 (nil lock and battery are not changes)", res.Unchanged)
	}
}

func TestSync_FailureIsIsolated(t *testing.T) {
	repo := &failingRepo{Repository: setupRepo(t), failSerial: "BAD"}
	s := newSynchronizer(t, repo, nil)

	res, err := s.Sync(context.Background(), "gw-1", []ReportedDevice{
		{Serial: "GOOD-1", Online: true},
		{Serial: "BAD", Online: true},
		{},
		{Serial: "GOOD-2", Online: false},
	})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !slices.Equal(res.Added, []string{"GOOD-1", "GOOD-2"}) {
		t.Errorf("Added = %v, want [GOOD-1 GOOD-2]", res.Added)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("Errors = %+v, want 2", res.Errors)
	}
	if res.Errors[0].Identifier != "BAD" || res.Errors[0].Op != "create" {
		t.Errorf("Errors[0] = %+v, want create failure for BAD", res.Errors[0])
	}
	if !errors.Is(res.Errors[1].Err, ErrNoIdentifier) {
		t.Errorf("Errors[1].Err = %v, want ErrNoIdentifier", res.Errors[1].Err)
	}
}

func TestSync_ConcurrentPassesDoNotDuplicate(t *testing.T) {
	repo := setupRepo(t)
	s := newSynchronizer(t, repo, nil)
	report := []ReportedDevice{
		{Serial: "A", Online: true},
		{Serial: "B", Online: true},
		{Serial: "C", Online: true},
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Sync(context.Background(), "gw-1", report)
			if err != nil {
				t.Errorf("Sync() error = %v", err)
				return
			}
			if len(res.Errors) != 0 {
				t.Errorf("Sync() item errors = %+v", res.Errors)
			}
		}()
	}
	wg.Wait()

	devices, err := repo.FindByGateway(context.Background(), "gw-1")
	if err != nil {
		t.Fatalf("FindByGateway() error = %v", err)
	}
	if len(devices) != 3 {
		t.Errorf("devices = %d, want 3", len(devices))
	}
}

func TestSync_EmptyReportRetiresAll(t *testing.T) {
	repo := setupRepo(t)
	seed(t, repo, "gw-1", &device.Device{Serial: "A"}, &device.Device{Serial: "B"})
	s := newSynchronizer(t, repo, nil)

	res, err := s.Sync(context.Background(), "gw-1", nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(res.Removed) != 2 {
		t.Errorf("Removed = %v, want 2", res.Removed)
	}
}

// gatedRepo holds the first FindByGateway after it has read its rows.
type gatedRepo struct {
	device.Repository
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRepo) FindByGateway(ctx context.Context, gatewayID string) ([]device.Device, error) {
	devices, err := g.Repository.FindByGateway(ctx, gatewayID)
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return devices, err
}

func TestSync_ThroughRegistryWithConcurrentReader(t *testing.T) {
	ctx := context.Background()
	gated := &gatedRepo{Repository: setupRepo(t), entered: make(chan struct{}), release: make(chan struct{})}
	inventory := device.NewRegistry(gated)
	s := newSynchronizer(t, inventory, nil)

	// An operator read of a cold cache is still in flight when a pass adds X.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		if _, err := inventory.FindByGateway(ctx, "gw-1"); err != nil {
			t.Errorf("FindByGateway() error = %v", err)
		}
	}()
	<-gated.entered

	first, err := s.Sync(ctx, "gw-1", []ReportedDevice{{Serial: "X", Online: true}})
	if err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}
	if !slices.Equal(first.Added, []string{"X"}) {
		t.Fatalf("first Sync() added = %v, want [X]", first.Added)
	}
	close(gated.release)
	<-readerDone

	second, err := s.Sync(ctx, "gw-1", []ReportedDevice{{Serial: "X", Online: false}})
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if len(second.Errors) != 0 || len(second.Added) != 0 {
		t.Fatalf("second Sync() = added %v errors %+v, want an update only", second.Added, second.Errors)
	}
	if !slices.Equal(second.Updated, []string{"X"}) {
		t.Errorf("second Sync() updated = %v, want [X]", second.Updated)
	}

	persisted, err := gated.Repository.FindBySerial(ctx, "gw-1", "X")
	if err != nil {
		t.Fatalf("FindBySerial() error = %v", err)
	}
	if persisted.Status != device.StatusOffline {
		t.Errorf("persisted status = %s, want %s", persisted.Status, device.StatusOffline)
	}
}
