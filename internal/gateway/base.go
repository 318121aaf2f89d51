package gateway

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/devicesync"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/connection"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/protocol"
)

// resetTimeout bounds the disconnect/connect cycle after a corrupt frame.
const resetTimeout = 30 * time.Second

// variant is what a concrete gateway type supplies to the shared base.
type variant interface {
	capabilities() Capabilities
	defaultProtocolVersion() string
	newConnection(p protocol.Protocol) (connection.Connection, error)
	registerMessage(d DeviceInfo) protocol.DeviceCommandPayload
	unregisterMessage(deviceID string) protocol.DeviceCommandPayload
}

// base implements the Gateway behaviour shared by every variant: status,
// correlation, heartbeats, the device map and message-level operations.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Connection callbacks never block on network I/O; follow-up sends
//     run on their own goroutines.
type base struct {
	cfg     Config
	opts    Options
	caps    Capabilities
	variant variant
	logger  Logger

	mu         sync.RWMutex
	proto      protocol.Protocol
	conn       connection.Connection
	hbInterval time.Duration
	status     Status
	devices    map[string]DeviceInfo

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Message

	obsMu     sync.Mutex
	observers map[uint64]func(Status)
	nextObsID uint64

	hbMu   sync.Mutex
	hbStop chan struct{}

	wg sync.WaitGroup
}

func newBase(cfg Config, opts Options, v variant) *base {
	opts = opts.withDefaults()
	caps := v.capabilities()
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = v.defaultProtocolVersion()
	}
	return &base{
		cfg:     cfg,
		opts:    opts,
		caps:    caps,
		variant: v,
		logger:  opts.Logger,
		status: Status{
			GatewayID:       cfg.ID,
			FacilityID:      cfg.FacilityID,
			Type:            cfg.Type,
			State:           connection.StateDisconnected,
			ProtocolVersion: cfg.ProtocolVersion,
			UpdatedAt:       time.Now().UTC(),
		},
		devices:   make(map[string]DeviceInfo),
		pending:   make(map[string]chan *protocol.Message),
		observers: make(map[uint64]func(Status)),
	}
}

// ID returns the gateway id.
func (b *base) ID() string { return b.cfg.ID }

// Config returns the gateway configuration.
func (b *base) Config() Config { return b.cfg }

// Capabilities returns a copy of the capability set. Once initialized, the
// heartbeat interval is the one in effect for the negotiated protocol.
func (b *base) Capabilities() Capabilities {
	caps := b.caps
	caps.ProtocolVersions = slices.Clone(b.caps.ProtocolVersions)
	caps.DeviceTypes = slices.Clone(b.caps.DeviceTypes)
	caps.HeartbeatInterval = b.heartbeatInterval()
	return caps
}

// Status returns a snapshot of the current status.
func (b *base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// SubscribeStatus registers fn for status changes.
func (b *base) SubscribeStatus(fn func(Status)) func() {
	b.obsMu.Lock()
	id := b.nextObsID
	b.nextObsID++
	b.observers[id] = fn
	b.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.obsMu.Lock()
			delete(b.observers, id)
			b.obsMu.Unlock()
		})
	}
}

// Initialize resolves the protocol and builds the connection. It is a no-op
// once initialized.
func (b *base) Initialize(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}

	p, err := protocol.Get(b.cfg.ProtocolVersion)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if len(b.caps.ProtocolVersions) > 0 && !slices.Contains(b.caps.ProtocolVersions, p.Version()) {
		return fmt.Errorf("%w: protocol %s not supported by %s gateways", ErrInvalidConfig, p.Version(), b.cfg.Type)
	}
	conn, err := b.variant.newConnection(p)
	if err != nil {
		return fmt.Errorf("creating %s connection: %w", b.cfg.Type, err)
	}

	b.proto = p
	b.conn = conn
	b.hbInterval = effectiveHeartbeat(b.caps, b.opts, p)
	conn.Subscribe(b.handleEvent)
	b.logger.Debug("gateway initialized", "gateway_id", b.cfg.ID, "type", b.cfg.Type, "protocol_version", p.Version())
	return nil
}

// Connect initializes if needed, connects the transport and starts the
// heartbeat timer.
func (b *base) Connect(ctx context.Context) error {
	if err := b.Initialize(ctx); err != nil {
		return err
	}
	conn := b.connection()
	if err := conn.Connect(ctx); err != nil {
		b.setError(err.Error())
		return fmt.Errorf("connecting gateway %s: %w", b.cfg.ID, err)
	}
	// The state observer has already recorded CONNECTED; this covers a
	// connection that was connected before Initialize subscribed.
	b.setState(conn.State(), "")
	b.startHeartbeat()
	b.logger.Info("gateway connected", "gateway_id", b.cfg.ID, "type", b.cfg.Type)
	return nil
}

// Disconnect stops the heartbeat and closes the transport. Outstanding
// waits run out their own timeouts.
func (b *base) Disconnect(ctx context.Context) error {
	b.stopHeartbeat()
	conn := b.connection()
	if conn == nil {
		return nil
	}
	err := conn.Disconnect(ctx)
	b.setState(connection.StateDisconnected, "")
	b.wg.Wait()
	if err != nil {
		return fmt.Errorf("disconnecting gateway %s: %w", b.cfg.ID, err)
	}
	b.logger.Info("gateway disconnected", "gateway_id", b.cfg.ID)
	return nil
}

// SendMessage validates, encodes and sends msg.
func (b *base) SendMessage(ctx context.Context, msg *protocol.Message) error {
	b.mu.RLock()
	p, conn := b.proto, b.conn
	b.mu.RUnlock()
	if conn == nil {
		return ErrNotInitialized
	}
	if !conn.IsConnected() {
		return ErrNotConnected
	}
	if msg.ProtocolVersion == "" {
		msg.ProtocolVersion = p.Version()
	}
	if err := p.Validate(msg); err != nil {
		return fmt.Errorf("validating %s message: %w", msg.Type, err)
	}
	data, err := p.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, data); err != nil {
		return fmt.Errorf("sending %s message %s: %w", msg.Type, msg.ID, err)
	}
	return nil
}

// SendMessageAndWait sends msg and waits for its correlated response. A zero
// timeout uses Options.ResponseTimeout. The listener is removed on every
// return path.
func (b *base) SendMessageAndWait(ctx context.Context, msg *protocol.Message, timeout time.Duration) (*protocol.Message, error) {
	if timeout <= 0 {
		timeout = b.opts.ResponseTimeout
	}
	if msg.Timeout == 0 {
		msg.Timeout = int(math.Ceil(timeout.Seconds()))
	}

	ch := make(chan *protocol.Message, 1)
	b.pendingMu.Lock()
	b.pending[msg.ID] = ch
	b.pendingMu.Unlock()
	defer b.removePending(msg.ID)

	if err := b.SendMessage(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s %s after %v", ErrTimeout, msg.Type, msg.ID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RegisterDevice records d and forwards a registration command.
func (b *base) RegisterDevice(ctx context.Context, d DeviceInfo) error {
	if err := b.storeDevice(d); err != nil {
		return err
	}
	if err := b.forwardRegistration(ctx, b.variant.registerMessage(d)); err != nil {
		return fmt.Errorf("registering device %s: %w", d.ID, err)
	}
	return nil
}

// UnregisterDevice removes a known device and forwards the removal.
func (b *base) UnregisterDevice(ctx context.Context, deviceID string) error {
	if err := b.dropDevice(deviceID); err != nil {
		return err
	}
	if err := b.forwardRegistration(ctx, b.variant.unregisterMessage(deviceID)); err != nil {
		return fmt.Errorf("unregistering device %s: %w", deviceID, err)
	}
	return nil
}

func (b *base) storeDevice(d DeviceInfo) error {
	if d.ID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidConfig)
	}
	b.mu.Lock()
	b.devices[d.ID] = cloneDeviceInfo(d)
	b.mu.Unlock()
	b.refreshDeviceCount()
	return nil
}

func (b *base) dropDevice(deviceID string) error {
	b.mu.Lock()
	if _, ok := b.devices[deviceID]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotRegistered, deviceID)
	}
	delete(b.devices, deviceID)
	b.mu.Unlock()
	b.refreshDeviceCount()
	return nil
}

// Devices returns copies of the registered devices ordered by id.
func (b *base) Devices() []DeviceInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]DeviceInfo, 0, len(b.devices))
	for _, id := range slices.Sorted(maps.Keys(b.devices)) {
		out = append(out, cloneDeviceInfo(b.devices[id]))
	}
	return out
}

func (b *base) forwardRegistration(ctx context.Context, cmd protocol.DeviceCommandPayload) error {
	var resp protocol.CommandResponsePayload
	if err := b.request(ctx, protocol.TypeDeviceCommand, cmd, protocol.TypeCommandResponse, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrCommandFailed, resp.Error)
	}
	return nil
}

// GetDeviceStatus asks the gateway for one device's status.
func (b *base) GetDeviceStatus(ctx context.Context, deviceID string) (*protocol.DeviceStatusPayload, error) {
	var resp protocol.StatusResponsePayload
	req := protocol.StatusRequestPayload{DeviceID: deviceID}
	if err := b.request(ctx, protocol.TypeStatusRequest, req, protocol.TypeStatusResponse, &resp); err != nil {
		return nil, err
	}
	if resp.Device == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return resp.Device, nil
}

// GetAllLocks asks the gateway for every device it knows.
func (b *base) GetAllLocks(ctx context.Context) ([]protocol.DeviceStatusPayload, error) {
	var resp protocol.StatusResponsePayload
	if err := b.request(ctx, protocol.TypeStatusRequest, protocol.StatusRequestPayload{}, protocol.TypeStatusResponse, &resp); err != nil {
		return nil, err
	}
	if resp.Device != nil && len(resp.Devices) == 0 {
		return []protocol.DeviceStatusPayload{*resp.Device}, nil
	}
	return resp.Devices, nil
}

// ExecuteCommand runs a device command and reports the outcome as a result.
func (b *base) ExecuteCommand(ctx context.Context, cmd DeviceCommand) CommandResult {
	start := time.Now()
	var resp protocol.CommandResponsePayload
	err := b.request(ctx, protocol.TypeDeviceCommand, protocol.DeviceCommandPayload{
		DeviceID:   cmd.DeviceID,
		Command:    cmd.Command,
		Parameters: cmd.Parameters,
	}, protocol.TypeCommandResponse, &resp)
	return commandResult(start, resp, err)
}

// SendPushMessage delivers a user-facing message through a device.
func (b *base) SendPushMessage(ctx context.Context, deviceID, message string) CommandResult {
	return b.ExecuteCommand(ctx, DeviceCommand{
		DeviceID:   deviceID,
		Command:    protocol.CommandPushMessage,
		Parameters: map[string]any{"message": message},
	})
}

// AddKey installs a credential on a lock.
func (b *base) AddKey(ctx context.Context, key protocol.KeyPayload) (CommandResult, error) {
	return b.keyOperation(ctx, protocol.TypeKeyAdd, key)
}

// RevokeKey removes a credential from a lock.
func (b *base) RevokeKey(ctx context.Context, key protocol.KeyPayload) (CommandResult, error) {
	return b.keyOperation(ctx, protocol.TypeKeyRemove, key)
}

// keyOperation returns an error only for faults retrying cannot fix;
// everything else is carried in the result.
func (b *base) keyOperation(ctx context.Context, typ protocol.MessageType, key protocol.KeyPayload) (CommandResult, error) {
	if !b.caps.KeyManagement {
		return CommandResult{}, fmt.Errorf("%w: key management on %s gateway %s", ErrCapabilityUnsupported, b.cfg.Type, b.cfg.ID)
	}
	start := time.Now()
	var resp protocol.CommandResponsePayload
	err := b.request(ctx, typ, key, protocol.TypeCommandResponse, &resp)
	if IsProtocolFault(err) {
		return CommandResult{}, err
	}
	return commandResult(start, resp, err), nil
}

// GetKeys lists the credentials installed on a lock.
func (b *base) GetKeys(ctx context.Context, deviceID string) ([]protocol.KeyPayload, error) {
	if !b.caps.KeyManagement {
		return nil, fmt.Errorf("%w: key management on %s gateway %s", ErrCapabilityUnsupported, b.cfg.Type, b.cfg.ID)
	}
	var resp protocol.KeyListPayload
	if err := b.request(ctx, protocol.TypeKeyList, protocol.KeyListPayload{DeviceID: deviceID}, protocol.TypeKeyList, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// Sync fetches the device list and reconciles it.
func (b *base) Sync(ctx context.Context) (*devicesync.Result, error) {
	devices, err := b.GetAllLocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching devices from %s: %w", b.cfg.ID, err)
	}
	return b.reconcile(ctx, devices)
}

func (b *base) reconcile(ctx context.Context, devices []protocol.DeviceStatusPayload) (*devicesync.Result, error) {
	if b.opts.Synchronizer == nil {
		return nil, ErrNoSynchronizer
	}
	reported := make([]devicesync.ReportedDevice, 0, len(devices))
	for _, d := range devices {
		reported = append(reported, reportedDevice(d))
	}
	return b.opts.Synchronizer.Sync(ctx, b.cfg.ID, reported)
}

// request sends a typed request and decodes the response payload into out.
// An error response is returned as ErrRemote.
func (b *base) request(ctx context.Context, typ protocol.MessageType, payload any, want protocol.MessageType, out any) error {
	msg, err := b.newMessage(typ, payload)
	if err != nil {
		return err
	}
	resp, err := b.SendMessageAndWait(ctx, msg, 0)
	if err != nil {
		return err
	}
	if resp.Type == protocol.TypeError {
		var ep protocol.ErrorPayload
		resp.DecodePayload(&ep) //nolint:errcheck // Empty error text is still reported
		return fmt.Errorf("%w: %s", ErrRemote, ep.Error)
	}
	if resp.Type != want {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedResponse, resp.Type, want)
	}
	if out == nil {
		return nil
	}
	if err := resp.DecodePayload(out); err != nil {
		return fmt.Errorf("%w: %w", ErrUnexpectedResponse, err)
	}
	return nil
}

func (b *base) newMessage(typ protocol.MessageType, payload any) (*protocol.Message, error) {
	msg, err := protocol.NewMessage(typ, protocol.CloudEndpoint, b.cfg.ID, payload)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	if b.proto != nil {
		msg.ProtocolVersion = b.proto.Version()
	}
	b.mu.RUnlock()
	return msg, nil
}

func (b *base) connection() connection.Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn
}

func (b *base) removePending(id string) {
	b.pendingMu.Lock()
	delete(b.pending, id)
	b.pendingMu.Unlock()
}

func (b *base) pendingCount() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// handleEvent is the connection observer. It runs on the transport's
// goroutine, sometimes under the transport's transition lock.
func (b *base) handleEvent(ev connection.Event) {
	switch ev.Kind {
	case connection.EventStateChanged:
		msg := ""
		if ev.Change.Err != nil {
			msg = ev.Change.Err.Error()
		}
		b.setState(ev.Change.To, msg)
		if ev.Change.To == connection.StateError {
			b.logger.Warn("gateway connection error", "gateway_id", b.cfg.ID, "error", ev.Change.Err)
		}
	case connection.EventMessage:
		b.handleData(ev.Data)
	case connection.EventError:
		b.logger.Warn("gateway transport fault", "gateway_id", b.cfg.ID, "error", ev.Err)
	}
}

func (b *base) handleData(data []byte) {
	b.mu.RLock()
	p := b.proto
	b.mu.RUnlock()

	msg, err := p.Decode(data)
	if err != nil {
		b.logger.Error("corrupt frame from gateway, resetting connection", "gateway_id", b.cfg.ID, "error", err)
		b.setError(err.Error())
		b.async(b.resetConnection)
		return
	}

	if msg.IsResponse() {
		b.pendingMu.Lock()
		ch, ok := b.pending[msg.CorrelationID]
		if ok {
			delete(b.pending, msg.CorrelationID)
		}
		b.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	}

	switch msg.Type {
	case protocol.TypeHeartbeat:
		b.handleHeartbeat(msg)
	case protocol.TypePing:
		if !msg.IsResponse() {
			b.async(func() { b.reply(msg, protocol.TypePong, nil) })
		}
	case protocol.TypeError:
		var ep protocol.ErrorPayload
		if err := msg.DecodePayload(&ep); err != nil || ep.Error == "" {
			ep.Error = "gateway reported an error"
		}
		b.logger.Warn("gateway reported error", "gateway_id", b.cfg.ID, "error", ep.Error, "code", ep.Code)
		b.setState(connection.StateError, ep.Error)
	}
}

func (b *base) handleHeartbeat(msg *protocol.Message) {
	var hb protocol.HeartbeatPayload
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&hb); err != nil {
			b.logger.Warn("invalid heartbeat payload", "gateway_id", b.cfg.ID, "error", err)
		}
	}

	now := time.Now().UTC()
	b.mu.Lock()
	b.status.LastHeartbeat = &now
	if hb.Uptime != nil {
		b.status.Uptime = hb.Uptime
	}
	if hb.CPUUsage != nil {
		b.status.CPUUsage = hb.CPUUsage
	}
	if hb.MemoryUsage != nil {
		b.status.MemoryUsage = hb.MemoryUsage
	}
	if hb.DeviceCount != nil {
		b.status.DeviceCount = *hb.DeviceCount
	}
	b.status.UpdatedAt = now
	st := b.status
	b.mu.Unlock()
	b.notify(st)

	if !msg.IsResponse() {
		b.async(func() {
			b.reply(msg, protocol.TypeHeartbeat, protocol.HeartbeatPayload{Timestamp: protocol.Now()})
		})
	}
}

func (b *base) reply(req *protocol.Message, typ protocol.MessageType, payload any) {
	resp, err := req.Reply(typ, payload)
	if err != nil {
		b.logger.Warn("building reply", "gateway_id", b.cfg.ID, "type", typ, "error", err)
		return
	}
	resp.Source = protocol.CloudEndpoint
	resp.Destination = b.cfg.ID
	if typ == protocol.TypeHeartbeat {
		resp.Priority = protocol.PriorityLow
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.ResponseTimeout)
	defer cancel()
	if err := b.SendMessage(ctx, resp); err != nil {
		b.logger.Debug("reply not sent", "gateway_id", b.cfg.ID, "type", typ, "error", err)
	}
}

func (b *base) resetConnection() {
	conn := b.connection()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	if err := conn.Disconnect(ctx); err != nil {
		b.logger.Warn("reset: disconnect failed", "gateway_id", b.cfg.ID, "error", err)
	}
	if err := conn.Connect(ctx); err != nil {
		b.logger.Warn("reset: reconnect failed", "gateway_id", b.cfg.ID, "error", err)
	}
}

// async runs fn on a goroutine tracked by Disconnect.
func (b *base) async(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// effectiveHeartbeat picks the heartbeat period: none for polled gateway
// types, else the configured override, the protocol's declared interval or
// the type default, in that order.
func effectiveHeartbeat(caps Capabilities, opts Options, p protocol.Protocol) time.Duration {
	switch {
	case caps.HeartbeatInterval <= 0:
		return 0
	case opts.HeartbeatInterval > 0:
		return opts.HeartbeatInterval
	case p != nil && p.Capabilities().HeartbeatInterval > 0:
		return p.Capabilities().HeartbeatInterval
	default:
		return caps.HeartbeatInterval
	}
}

func (b *base) heartbeatInterval() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.proto == nil {
		return b.caps.HeartbeatInterval
	}
	return b.hbInterval
}

func (b *base) startHeartbeat() {
	interval := b.heartbeatInterval()
	if interval <= 0 {
		return
	}
	b.hbMu.Lock()
	defer b.hbMu.Unlock()
	if b.hbStop != nil {
		return
	}
	stop := make(chan struct{})
	b.hbStop = stop

	b.async(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.sendHeartbeat()
			}
		}
	})
}

func (b *base) stopHeartbeat() {
	b.hbMu.Lock()
	defer b.hbMu.Unlock()
	if b.hbStop != nil {
		close(b.hbStop)
		b.hbStop = nil
	}
}

func (b *base) sendHeartbeat() {
	msg, err := b.newMessage(protocol.TypeHeartbeat, protocol.HeartbeatPayload{Timestamp: protocol.Now()})
	if err != nil {
		return
	}
	msg.Priority = protocol.PriorityLow
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.ResponseTimeout)
	defer cancel()
	if err := b.SendMessage(ctx, msg); err != nil && !errors.Is(err, ErrNotConnected) {
		b.logger.Warn("heartbeat send failed", "gateway_id", b.cfg.ID, "error", err)
	}
}

// setState records a state and error text and notifies observers when
// anything changed.
func (b *base) setState(state connection.State, errMsg string) {
	b.mu.Lock()
	if b.status.State == state && b.status.ErrorMessage == errMsg {
		b.mu.Unlock()
		return
	}
	b.status.State = state
	b.status.ErrorMessage = errMsg
	b.status.UpdatedAt = time.Now().UTC()
	st := b.status
	b.mu.Unlock()
	b.notify(st)
}

func (b *base) setError(msg string) {
	b.setState(connection.StateError, msg)
}

func (b *base) refreshDeviceCount() {
	b.mu.Lock()
	b.status.DeviceCount = len(b.devices)
	b.status.UpdatedAt = time.Now().UTC()
	st := b.status
	b.mu.Unlock()
	b.notify(st)
}

func (b *base) notify(st Status) {
	b.obsMu.Lock()
	observers := make([]func(Status), 0, len(b.observers))
	for _, fn := range b.observers {
		observers = append(observers, fn)
	}
	b.obsMu.Unlock()

	for _, fn := range observers {
		fn(st)
	}
}

// commandResult folds a request outcome into a CommandResult.
func commandResult(start time.Time, resp protocol.CommandResponsePayload, err error) CommandResult {
	r := CommandResult{ExecutedAt: start.UTC(), Duration: time.Since(start)}
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Success = resp.Success
	r.Error = resp.Error
	r.Data = resp.Data
	if !r.Success && r.Error == "" {
		r.Error = "rejected by gateway"
	}
	return r
}

// failedResult is a result for an operation that never reached the gateway.
func failedResult(start time.Time, err error) CommandResult {
	return commandResult(start, protocol.CommandResponsePayload{}, err)
}

// IsProtocolFault reports whether err is a message-level protocol violation.
// Such faults are never retried.
func IsProtocolFault(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{
		protocol.ErrMalformed,
		protocol.ErrMissingField,
		protocol.ErrUnsupportedType,
		protocol.ErrInvalidTimestamp,
		protocol.ErrInvalidPriority,
		protocol.ErrMessageTooLarge,
		protocol.ErrUnsupportedVersion,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func cloneDeviceInfo(d DeviceInfo) DeviceInfo {
	d.Metadata = maps.Clone(d.Metadata)
	return d
}
