package device

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is a Repository that caches devices per gateway.
//
// A gateway's inventory is loaded from the wrapped repository on the first
// FindByGateway and served from memory afterwards. Every write goes to the
// repository first and then refreshes the cached copy, so the cache never
// holds a state the database rejected. A load that overlaps a write is
// returned to its caller but not cached.
//
// All public methods are thread-safe. Returned devices are deep copies.
type Registry struct {
	repo   Repository
	logger Logger

	mu     sync.RWMutex
	byID   map[string]*Device
	loaded map[string]bool // gateways whose full inventory is cached
	writes uint64          // bumped with every cache change made by a write
}

var _ Repository = (*Registry)(nil)

// NewRegistry creates a registry over repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		logger: noopLogger{},
		byID:   make(map[string]*Device),
		loaded: make(map[string]bool),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// FindByGateway returns the gateway's devices ordered by serial.
func (r *Registry) FindByGateway(ctx context.Context, gatewayID string) ([]Device, error) {
	r.mu.RLock()
	if r.loaded[gatewayID] {
		out := r.gatewayDevicesLocked(gatewayID)
		r.mu.RUnlock()
		return out, nil
	}
	gen := r.writes
	r.mu.RUnlock()

	devices, err := r.repo.FindByGateway(ctx, gatewayID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.writes != gen {
		r.mu.Unlock()
		r.logger.Debug("device inventory changed during load, not caching", "gateway_id", gatewayID)
		return devices, nil
	}
	for id, d := range r.byID {
		if d.GatewayID == gatewayID {
			delete(r.byID, id)
		}
	}
	for i := range devices {
		r.byID[devices[i].ID] = cloneDevice(&devices[i])
	}
	r.loaded[gatewayID] = true
	r.mu.Unlock()

	r.logger.Debug("device inventory cached", "gateway_id", gatewayID, "count", len(devices))
	return devices, nil
}

// GetByID returns a device, from cache when possible.
func (r *Registry) GetByID(ctx context.Context, id string) (*Device, error) {
	r.mu.RLock()
	cached, ok := r.byID[id]
	gen := r.writes
	r.mu.RUnlock()
	if ok {
		return cloneDevice(cached), nil
	}

	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.storeRead(d, gen)
	return d, nil
}

// FindBySerial returns a gateway's device by resolved serial.
func (r *Registry) FindBySerial(ctx context.Context, gatewayID, serial string) (*Device, error) {
	r.mu.RLock()
	if r.loaded[gatewayID] {
		defer r.mu.RUnlock()
		for _, d := range r.byID {
			if d.GatewayID == gatewayID && d.Serial == serial {
				return cloneDevice(d), nil
			}
		}
		return nil, fmt.Errorf("%w: serial %s on gateway %s", ErrDeviceNotFound, serial, gatewayID)
	}
	gen := r.writes
	r.mu.RUnlock()

	d, err := r.repo.FindBySerial(ctx, gatewayID, serial)
	if err != nil {
		return nil, err
	}
	r.storeRead(d, gen)
	return d, nil
}

// Create inserts a device and caches the stored record.
func (r *Registry) Create(ctx context.Context, device *Device) error {
	if err := r.repo.Create(ctx, device); err != nil {
		return err
	}
	r.refresh(ctx, device.ID, device.GatewayID)
	return nil
}

// Delete removes a device.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.byID, id)
	r.writes++
	r.mu.Unlock()
	return nil
}

// UpdateStatus sets online/offline.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status Status) error {
	if err := r.repo.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	r.refresh(ctx, id, "")
	return nil
}

// UpdateLockState sets the bolt position.
func (r *Registry) UpdateLockState(ctx context.Context, id string, state LockStatus) error {
	if err := r.repo.UpdateLockState(ctx, id, state); err != nil {
		return err
	}
	r.refresh(ctx, id, "")
	return nil
}

// UpdateBattery sets the battery percentage.
func (r *Registry) UpdateBattery(ctx context.Context, id string, level int) error {
	if err := r.repo.UpdateBattery(ctx, id, level); err != nil {
		return err
	}
	r.refresh(ctx, id, "")
	return nil
}

// Invalidate drops a gateway's cached inventory. The next FindByGateway
// reloads it.
func (r *Registry) Invalidate(gatewayID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	delete(r.loaded, gatewayID)
	for id, d := range r.byID {
		if d.GatewayID == gatewayID {
			delete(r.byID, id)
		}
	}
}

// Stats is a snapshot of the cached inventory.
type Stats struct {
	TotalDevices int                `json:"total_devices"`
	Gateways     int                `json:"gateways"`
	ByStatus     map[Status]int     `json:"by_status"`
	ByLockStatus map[LockStatus]int `json:"by_lock_status"`
}

// GetStats returns statistics over cached devices only.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalDevices: len(r.byID),
		ByStatus:     make(map[Status]int),
		ByLockStatus: make(map[LockStatus]int),
	}
	gateways := make(map[string]struct{})
	for _, d := range r.byID {
		gateways[d.GatewayID] = struct{}{}
		stats.ByStatus[d.Status]++
		stats.ByLockStatus[d.LockStatus]++
	}
	stats.Gateways = len(gateways)
	return stats
}

func (r *Registry) gatewayDevicesLocked(gatewayID string) []Device {
	out := make([]Device, 0)
	for _, d := range r.byID {
		if d.GatewayID == gatewayID {
			out = append(out, *cloneDevice(d))
		}
	}
	slices.SortFunc(out, func(a, b Device) int { return cmp.Compare(a.Serial, b.Serial) })
	return out
}

// storeRead caches a record read from the repository unless a write has
// landed since the read began.
func (r *Registry) storeRead(d *Device, gen uint64) {
	r.mu.Lock()
	if r.writes == gen {
		r.byID[d.ID] = cloneDevice(d)
	}
	r.mu.Unlock()
}

// storeWritten caches a record just written to the repository.
func (r *Registry) storeWritten(d *Device) {
	r.mu.Lock()
	r.byID[d.ID] = cloneDevice(d)
	r.writes++
	r.mu.Unlock()
}

// refresh reloads one record after a write. A failed reload evicts the
// entry and the gateway's loaded flag so the next read goes to the store.
// gatewayID may be empty when the record is already cached.
func (r *Registry) refresh(ctx context.Context, id, gatewayID string) {
	d, err := r.repo.GetByID(ctx, id)
	if err == nil {
		r.storeWritten(d)
		return
	}

	r.logger.Warn("refreshing cached device", "id", id, "error", err)
	r.mu.Lock()
	r.writes++
	if cached, ok := r.byID[id]; ok {
		gatewayID = cached.GatewayID
		delete(r.byID, id)
	}
	delete(r.loaded, gatewayID)
	r.mu.Unlock()
}

func cloneDevice(d *Device) *Device {
	c := *d
	c.GatewayDeviceID = clonePtr(d.GatewayDeviceID)
	c.LockID = clonePtr(d.LockID)
	c.UnitID = clonePtr(d.UnitID)
	c.BatteryLevel = clonePtr(d.BatteryLevel)
	c.SignalStrength = clonePtr(d.SignalStrength)
	c.Temperature = clonePtr(d.Temperature)
	c.FirmwareVersion = clonePtr(d.FirmwareVersion)
	c.LastSeen = clonePtr(d.LastSeen)
	c.Metadata = maps.Clone(d.Metadata)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
