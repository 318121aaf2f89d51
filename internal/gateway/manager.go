package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skatamatic/blulok-cloud-sub006/internal/commandqueue"
	"github.com/skatamatic/blulok-cloud-sub006/internal/devicesync"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/protocol"
)

const (
	statusSaveTimeout = 5 * time.Second
	loadConcurrency   = 8
)

// StatusNotifier receives every gateway status change.
type StatusNotifier interface {
	GatewayStatusChanged(st Status)
}

// ManagerConfig holds Manager dependencies. All fields are optional.
type ManagerConfig struct {
	// Store persists configuration and status. Without it LoadAll finds
	// nothing and status is kept in memory only.
	Store Store

	// Queue receives Enqueue calls. A nil queue runs degraded.
	Queue *commandqueue.Queue

	// Options are passed to every gateway built by the manager.
	Options Options

	Notifier StatusNotifier
	Logger   Logger

	// Factory overrides New. Mainly for tests.
	Factory func(Config, Options) (Gateway, error)
}

type managedGateway struct {
	gw          Gateway
	unsubscribe func()
}

// Manager owns the live gateways of this process and is the entry point for
// lifecycle, device and command operations.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Manager struct {
	store    Store
	queue    *commandqueue.Queue
	opts     Options
	notifier StatusNotifier
	logger   Logger
	factory  func(Config, Options) (Gateway, error)

	mu       sync.RWMutex
	gateways map[string]*managedGateway
}

// NewManager creates a manager with no gateways.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	opts := cfg.Options
	if opts.Logger == nil {
		opts.Logger = logger
	}
	factory := cfg.Factory
	if factory == nil {
		factory = New
	}
	return &Manager{
		store:    cfg.Store,
		queue:    cfg.Queue,
		opts:     opts,
		notifier: cfg.Notifier,
		logger:   logger,
		factory:  factory,
		gateways: make(map[string]*managedGateway),
	}
}

// InitializeGateway builds, initializes and connects a gateway. A connect
// failure is logged and the gateway stays registered so it can be
// connected later. An already-managed id returns the existing gateway.
func (m *Manager) InitializeGateway(ctx context.Context, cfg Config) (Gateway, error) {
	m.mu.RLock()
	existing, ok := m.gateways[cfg.ID]
	m.mu.RUnlock()
	if ok {
		return existing.gw, nil
	}

	gw, err := m.factory(cfg, m.opts)
	if err != nil {
		return nil, err
	}
	if err := gw.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing gateway %s: %w", cfg.ID, err)
	}

	mg := &managedGateway{gw: gw}
	m.mu.Lock()
	if existing, ok := m.gateways[cfg.ID]; ok {
		m.mu.Unlock()
		return existing.gw, nil
	}
	m.gateways[cfg.ID] = mg
	m.mu.Unlock()
	mg.unsubscribe = gw.SubscribeStatus(m.statusChanged)

	if err := gw.Connect(ctx); err != nil {
		m.logger.Warn("gateway connect failed", "gateway_id", cfg.ID, "error", err)
	}
	return gw, nil
}

// ReinitializeGateway replaces a gateway with one built from cfg. The old
// instance is disconnected first.
func (m *Manager) ReinitializeGateway(ctx context.Context, cfg Config) (Gateway, error) {
	if err := m.RemoveGateway(ctx, cfg.ID); err != nil && !errors.Is(err, ErrGatewayNotFound) {
		m.logger.Warn("disconnecting replaced gateway", "gateway_id", cfg.ID, "error", err)
	}
	return m.InitializeGateway(ctx, cfg)
}

// RemoveGateway disconnects a gateway and stops managing it.
func (m *Manager) RemoveGateway(ctx context.Context, id string) error {
	m.mu.Lock()
	mg, ok := m.gateways[id]
	delete(m.gateways, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrGatewayNotFound, id)
	}
	err := mg.gw.Disconnect(ctx)
	if mg.unsubscribe != nil {
		mg.unsubscribe()
	}
	return err
}

// LoadAll initializes every gateway in the store concurrently. Individual
// failures are logged. Returns the number of gateways now managed.
func (m *Manager) LoadAll(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	configs, err := m.store.ListConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing gateways: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for _, cfg := range configs {
		g.Go(func() error {
			if _, err := m.InitializeGateway(gctx, cfg); err != nil {
				m.logger.Error("gateway initialization failed", "gateway_id", cfg.ID, "type", cfg.Type, "error", err)
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // Workers never return errors

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.gateways), nil
}

// SaveConfig stores cfg. It does not touch a running instance; use
// ReinitializeGateway for that.
func (m *Manager) SaveConfig(ctx context.Context, cfg Config) error {
	if m.store == nil {
		return nil
	}
	return m.store.UpsertConfig(ctx, cfg)
}

// Shutdown disconnects every gateway concurrently. All gateways are
// disconnected even when some fail; the failures are joined.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	managed := slices.Collect(maps.Values(m.gateways))
	m.gateways = make(map[string]*managedGateway)
	m.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	var g errgroup.Group
	for _, mg := range managed {
		g.Go(func() error {
			err := mg.gw.Disconnect(ctx)
			if mg.unsubscribe != nil {
				mg.unsubscribe()
			}
			if err != nil {
				m.logger.Warn("gateway disconnect failed during shutdown", "gateway_id", mg.gw.ID(), "error", err)
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // Workers never return errors

	m.logger.Info("gateway manager stopped", "gateways", len(managed), "failures", len(errs))
	return errors.Join(errs...)
}

// Gateway returns a managed gateway.
func (m *Manager) Gateway(id string) (Gateway, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mg, ok := m.gateways[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGatewayNotFound, id)
	}
	return mg.gw, nil
}

// Gateways returns every managed gateway ordered by id.
func (m *Manager) Gateways() []Gateway {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Gateway, 0, len(m.gateways))
	for _, id := range slices.Sorted(maps.Keys(m.gateways)) {
		out = append(out, m.gateways[id].gw)
	}
	return out
}

// Statuses returns the status of every managed gateway ordered by id.
func (m *Manager) Statuses() []Status {
	gws := m.Gateways()
	out := make([]Status, 0, len(gws))
	for _, gw := range gws {
		out = append(out, gw.Status())
	}
	return out
}

// Connect connects a managed gateway.
func (m *Manager) Connect(ctx context.Context, id string) error {
	gw, err := m.Gateway(id)
	if err != nil {
		return err
	}
	return gw.Connect(ctx)
}

// Disconnect disconnects a managed gateway.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	gw, err := m.Gateway(id)
	if err != nil {
		return err
	}
	return gw.Disconnect(ctx)
}

// SyncGateway runs one device synchronization pass.
func (m *Manager) SyncGateway(ctx context.Context, id string) (*devicesync.Result, error) {
	gw, err := m.Gateway(id)
	if err != nil {
		return nil, err
	}
	return gw.Sync(ctx)
}

// RegisterDevice registers a device with a gateway.
func (m *Manager) RegisterDevice(ctx context.Context, gatewayID string, d DeviceInfo) error {
	gw, err := m.Gateway(gatewayID)
	if err != nil {
		return err
	}
	return gw.RegisterDevice(ctx, d)
}

// UnregisterDevice removes a device from a gateway.
func (m *Manager) UnregisterDevice(ctx context.Context, gatewayID, deviceID string) error {
	gw, err := m.Gateway(gatewayID)
	if err != nil {
		return err
	}
	return gw.UnregisterDevice(ctx, deviceID)
}

// GetDeviceStatus asks a gateway for one device's status.
func (m *Manager) GetDeviceStatus(ctx context.Context, gatewayID, deviceID string) (*protocol.DeviceStatusPayload, error) {
	gw, err := m.Gateway(gatewayID)
	if err != nil {
		return nil, err
	}
	return gw.GetDeviceStatus(ctx, deviceID)
}

// ExecuteDeviceCommand runs a command directly, bypassing the queue. An
// unknown gateway is reported in the result.
func (m *Manager) ExecuteDeviceCommand(ctx context.Context, gatewayID string, cmd DeviceCommand) CommandResult {
	start := time.Now()
	gw, err := m.Gateway(gatewayID)
	if err != nil {
		return failedResult(start, err)
	}
	return gw.ExecuteCommand(ctx, cmd)
}

// AddKey installs a key directly.
func (m *Manager) AddKey(ctx context.Context, gatewayID string, key protocol.KeyPayload) (CommandResult, error) {
	gw, err := m.Gateway(gatewayID)
	if err != nil {
		return CommandResult{}, err
	}
	return gw.AddKey(ctx, key)
}

// RevokeKey removes a key directly.
func (m *Manager) RevokeKey(ctx context.Context, gatewayID string, key protocol.KeyPayload) (CommandResult, error) {
	gw, err := m.Gateway(gatewayID)
	if err != nil {
		return CommandResult{}, err
	}
	return gw.RevokeKey(ctx, key)
}

// GetKeys lists the keys on a lock.
func (m *Manager) GetKeys(ctx context.Context, gatewayID, deviceID string) ([]protocol.KeyPayload, error) {
	gw, err := m.Gateway(gatewayID)
	if err != nil {
		return nil, err
	}
	return gw.GetKeys(ctx, deviceID)
}

// GetAllLocks lists every lock a gateway reports.
func (m *Manager) GetAllLocks(ctx context.Context, gatewayID string) ([]protocol.DeviceStatusPayload, error) {
	gw, err := m.Gateway(gatewayID)
	if err != nil {
		return nil, err
	}
	return gw.GetAllLocks(ctx)
}

// SendPushMessage delivers a message through a device.
func (m *Manager) SendPushMessage(ctx context.Context, gatewayID, deviceID, message string) CommandResult {
	start := time.Now()
	gw, err := m.Gateway(gatewayID)
	if err != nil {
		return failedResult(start, err)
	}
	return gw.SendPushMessage(ctx, deviceID, message)
}

// Enqueue submits a command for durable delivery. It returns (nil, nil)
// when the queue is unavailable.
func (m *Manager) Enqueue(ctx context.Context, nc commandqueue.NewCommand) (*commandqueue.Command, error) {
	if m.queue == nil {
		m.logger.Warn("command queue not configured, command dropped",
			"gateway_id", nc.GatewayID, "device_id", nc.DeviceID, "command_type", nc.CommandType)
		return nil, nil
	}
	return m.queue.Enqueue(ctx, nc)
}

// Execute runs a queued command against its gateway. It implements
// commandqueue.Executor. Faults retrying cannot fix are marked permanent.
func (m *Manager) Execute(ctx context.Context, cmd commandqueue.Command) error {
	gw, err := m.Gateway(cmd.GatewayID)
	if err != nil {
		return err
	}

	switch cmd.CommandType {
	case commandqueue.CommandAddKey, commandqueue.CommandRevokeKey:
		var key protocol.KeyPayload
		if err := json.Unmarshal(cmd.Payload, &key); err != nil {
			return commandqueue.Permanent(fmt.Errorf("decoding %s payload: %w", cmd.CommandType, err))
		}
		if key.DeviceID == "" {
			key.DeviceID = cmd.DeviceID
		}

		var result CommandResult
		if cmd.CommandType == commandqueue.CommandAddKey {
			result, err = gw.AddKey(ctx, key)
		} else {
			result, err = gw.RevokeKey(ctx, key)
		}
		if err != nil {
			return classify(err)
		}
		if !result.Success {
			return fmt.Errorf("%w: %s", ErrCommandFailed, result.Error)
		}
		return nil
	}
	return commandqueue.Permanent(fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.CommandType))
}

// classify marks errors that no retry can fix as permanent.
func classify(err error) error {
	if errors.Is(err, ErrCapabilityUnsupported) ||
		errors.Is(err, ErrNotImplemented) ||
		IsProtocolFault(err) {
		return commandqueue.Permanent(err)
	}
	return err
}

func (m *Manager) statusChanged(st Status) {
	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), statusSaveTimeout)
		if err := m.store.SaveStatus(ctx, st); err != nil && !errors.Is(err, ErrGatewayNotFound) {
			m.logger.Warn("persisting gateway status", "gateway_id", st.GatewayID, "error", err)
		}
		cancel()
	}
	if m.notifier != nil {
		m.notifier.GatewayStatusChanged(st)
	}
}
