package connection

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/protocol"
)

const (
	defaultSimDeviceCount = 5
	simMaxReplyDelay      = 20 * time.Millisecond
	simFirmwareVersion    = "2.1.0"
	simDeviceType         = "blulok"
)

// SimulatedConfig configures a SimulatedConnection.
type SimulatedConfig struct {
	// GatewayID names the simulated far side. Used in generated serials.
	GatewayID string

	// ProtocolVersion used to decode requests and encode replies.
	// Default: protocol.VersionTest.
	ProtocolVersion string

	// MinLatency and MaxLatency bound the delay added to Connect and Send.
	MinLatency time.Duration
	MaxLatency time.Duration

	// Reliability is the probability in [0,1] that Connect or Send succeeds.
	// 1.0 never fails; 0 always fails.
	Reliability float64

	// Seed makes latency, failures and generated devices reproducible.
	// 0 seeds from the clock.
	Seed uint64

	// Devices is the initial device set. When empty, DeviceCount devices
	// are generated (default 5).
	Devices     []protocol.DeviceStatusPayload
	DeviceCount int

	Logger Logger
}

// SimulatedConnection is an in-process stand-in for gateway hardware. It
// answers ping, heartbeat, status, device command and key messages
// asynchronously through the same receive path real transports use.
type SimulatedConnection struct {
	machine

	cfg      SimulatedConfig
	protocol protocol.Protocol
	logger   Logger
	started  time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	stateMu sync.Mutex
	devices map[string]*protocol.DeviceStatusPayload
	order   []string
	keys    map[string][]protocol.KeyPayload
	stop    chan struct{}

	wg sync.WaitGroup
}

// NewSimulatedConnection validates cfg and seeds the simulated device set.
func NewSimulatedConnection(cfg SimulatedConfig) (*SimulatedConnection, error) {
	if cfg.Reliability < 0 || cfg.Reliability > 1 {
		return nil, fmt.Errorf("%w: reliability %v outside [0,1]", ErrInvalidConfig, cfg.Reliability)
	}
	if cfg.MinLatency < 0 || cfg.MaxLatency < cfg.MinLatency {
		return nil, fmt.Errorf("%w: latency bounds %v..%v", ErrInvalidConfig, cfg.MinLatency, cfg.MaxLatency)
	}
	if cfg.GatewayID == "" {
		cfg.GatewayID = "simulated"
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = protocol.VersionTest
	}
	p, err := protocol.Get(cfg.ProtocolVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano()) //nolint:gosec // Non-negative clock value
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	c := &SimulatedConnection{
		cfg:      cfg,
		protocol: p,
		logger:   logger,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), //nolint:gosec // Simulation, not security
		devices:  make(map[string]*protocol.DeviceStatusPayload),
		keys:     make(map[string][]protocol.KeyPayload),
	}
	c.initMachine()

	if len(cfg.Devices) > 0 {
		for _, d := range cfg.Devices {
			c.putDevice(d)
		}
	} else {
		n := cfg.DeviceCount
		if n <= 0 {
			n = defaultSimDeviceCount
		}
		for i := 1; i <= n; i++ {
			c.putDevice(c.generateDevice(i))
		}
	}
	return c, nil
}

// Connect succeeds after a simulated handshake delay unless the reliability
// roll fails.
func (c *SimulatedConnection) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	c.transition(StateConnecting, nil)
	if err := c.sleep(ctx, c.latency()); err != nil {
		c.transition(StateError, err)
		return err
	}
	if !c.roll() {
		c.transition(StateError, ErrSimulatedFailure)
		return ErrSimulatedFailure
	}

	c.stateMu.Lock()
	c.stop = make(chan struct{})
	c.started = time.Now()
	c.stateMu.Unlock()

	c.transition(StateConnected, nil)
	return nil
}

// Disconnect drops pending replies and waits for them to stop.
func (c *SimulatedConnection) Disconnect(ctx context.Context) error {
	c.stateMu.Lock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.stateMu.Unlock()
	c.transition(StateDisconnected, nil)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send accepts one encoded message and schedules the simulated reply.
func (c *SimulatedConnection) Send(ctx context.Context, data []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.sleep(ctx, c.latency()); err != nil {
		return err
	}
	if !c.roll() {
		c.emitError(ErrSimulatedFailure)
		return fmt.Errorf("%w: %w", ErrSendFailed, ErrSimulatedFailure)
	}
	c.recordSent(len(data))

	msg, err := c.protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	reply, err := c.respond(msg)
	if err != nil {
		c.logger.Warn("simulated reply failed", "message_id", msg.ID, "type", msg.Type, "error", err)
		return nil
	}
	if reply != nil {
		c.later(reply)
	}
	return nil
}

// Inject delivers raw bytes to observers as if the far side had sent them.
// It does nothing unless connected.
func (c *SimulatedConnection) Inject(data []byte) {
	if c.IsConnected() {
		c.deliver(data)
	}
}

// Devices returns a snapshot of the simulated device set.
func (c *SimulatedConnection) Devices() []protocol.DeviceStatusPayload {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.snapshotLocked()
}

// later encodes reply and delivers it after a short random delay, unless the
// connection closes first.
func (c *SimulatedConnection) later(reply *protocol.Message) {
	data, err := c.protocol.Encode(reply)
	if err != nil {
		c.logger.Warn("encoding simulated reply", "type", reply.Type, "error", err)
		return
	}

	c.stateMu.Lock()
	stop := c.stop
	c.stateMu.Unlock()
	if stop == nil {
		return
	}

	delay := c.randDuration(0, simMaxReplyDelay)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		if c.IsConnected() {
			c.deliver(data)
		}
	}()
}

// respond builds the far side's answer to msg, or nil when none is due.
func (c *SimulatedConnection) respond(msg *protocol.Message) (*protocol.Message, error) {
	switch msg.Type {
	case protocol.TypePing:
		return msg.Reply(protocol.TypePong, nil)

	case protocol.TypeHeartbeat:
		if msg.IsResponse() {
			return nil, nil
		}
		return msg.Reply(protocol.TypeHeartbeat, c.heartbeat())

	case protocol.TypeStatusRequest:
		var req protocol.StatusRequestPayload
		if len(msg.Payload) > 0 {
			if err := msg.DecodePayload(&req); err != nil {
				return nil, err
			}
		}
		return msg.Reply(protocol.TypeStatusResponse, c.status(req.DeviceID))

	case protocol.TypeDeviceCommand:
		var cmd protocol.DeviceCommandPayload
		if err := msg.DecodePayload(&cmd); err != nil {
			return msg.Reply(protocol.TypeCommandResponse, protocol.CommandResponsePayload{Error: err.Error()})
		}
		return msg.Reply(protocol.TypeCommandResponse, c.command(cmd))

	case protocol.TypeKeyAdd, protocol.TypeKeyRemove:
		var key protocol.KeyPayload
		if err := msg.DecodePayload(&key); err != nil {
			return msg.Reply(protocol.TypeCommandResponse, protocol.CommandResponsePayload{Error: err.Error()})
		}
		if msg.Type == protocol.TypeKeyAdd {
			return msg.Reply(protocol.TypeCommandResponse, c.addKey(key))
		}
		return msg.Reply(protocol.TypeCommandResponse, c.removeKey(key))

	case protocol.TypeKeyList:
		var req protocol.KeyListPayload
		if err := msg.DecodePayload(&req); err != nil {
			return nil, err
		}
		c.stateMu.Lock()
		keys := slices.Clone(c.keys[req.DeviceID])
		c.stateMu.Unlock()
		return msg.Reply(protocol.TypeKeyList, protocol.KeyListPayload{DeviceID: req.DeviceID, Keys: keys})

	case protocol.TypeFirmwareUpdateRequest:
		return msg.Reply(protocol.TypeFirmwareUpdateStatus, map[string]any{"status": "scheduled"})
	}

	c.logger.Debug("simulated gateway ignoring message", "type", msg.Type)
	return nil, nil
}

func (c *SimulatedConnection) heartbeat() protocol.HeartbeatPayload {
	c.stateMu.Lock()
	uptime := int64(time.Since(c.started).Seconds())
	count := len(c.devices)
	c.stateMu.Unlock()

	c.rngMu.Lock()
	cpu := 5 + c.rng.Float64()*30
	mem := 20 + c.rng.Float64()*40
	c.rngMu.Unlock()

	return protocol.HeartbeatPayload{
		Timestamp:   protocol.Now(),
		Uptime:      &uptime,
		CPUUsage:    &cpu,
		MemoryUsage: &mem,
		DeviceCount: &count,
	}
}

// status answers a status request. An unknown device yields an empty response.
func (c *SimulatedConnection) status(deviceID string) protocol.StatusResponsePayload {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if deviceID == "" {
		return protocol.StatusResponsePayload{Devices: c.snapshotLocked()}
	}
	d, ok := c.devices[deviceID]
	if !ok {
		return protocol.StatusResponsePayload{}
	}
	cp := *d
	return protocol.StatusResponsePayload{Device: &cp}
}

func (c *SimulatedConnection) command(cmd protocol.DeviceCommandPayload) protocol.CommandResponsePayload {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	now := protocol.Now()
	switch cmd.Command {
	case protocol.CommandLock, protocol.CommandUnlock:
		d, ok := c.devices[cmd.DeviceID]
		if !ok {
			return protocol.CommandResponsePayload{Error: "device not found: " + cmd.DeviceID}
		}
		locked := cmd.Command == protocol.CommandLock
		d.Locked = &locked
		d.LastSeen = &now
		return protocol.CommandResponsePayload{Success: true, Data: map[string]any{"locked": locked}}

	case protocol.CommandRegisterDevice:
		if _, ok := c.devices[cmd.DeviceID]; ok {
			return protocol.CommandResponsePayload{Success: true, Data: map[string]any{"alreadyRegistered": true}}
		}
		d := protocol.DeviceStatusPayload{
			DeviceID:        cmd.DeviceID,
			Serial:          stringParam(cmd.Parameters, "serial", cmd.DeviceID),
			DeviceType:      stringParam(cmd.Parameters, "deviceType", simDeviceType),
			Online:          true,
			FirmwareVersion: simFirmwareVersion,
			LastSeen:        &now,
		}
		c.putDeviceLocked(d)
		return protocol.CommandResponsePayload{Success: true}

	case protocol.CommandUnregisterDevice:
		if _, ok := c.devices[cmd.DeviceID]; !ok {
			return protocol.CommandResponsePayload{Error: "device not found: " + cmd.DeviceID}
		}
		delete(c.devices, cmd.DeviceID)
		delete(c.keys, cmd.DeviceID)
		c.order = slices.DeleteFunc(c.order, func(id string) bool { return id == cmd.DeviceID })
		return protocol.CommandResponsePayload{Success: true}

	case protocol.CommandPushMessage:
		return protocol.CommandResponsePayload{Success: true, Data: map[string]any{"delivered": true}}
	}
	return protocol.CommandResponsePayload{Error: "unsupported command: " + cmd.Command}
}

func (c *SimulatedConnection) addKey(key protocol.KeyPayload) protocol.CommandResponsePayload {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if _, ok := c.devices[key.DeviceID]; !ok {
		return protocol.CommandResponsePayload{Error: "device not found: " + key.DeviceID}
	}
	id := keyIdentity(key)
	for _, k := range c.keys[key.DeviceID] {
		if keyIdentity(k) == id {
			return protocol.CommandResponsePayload{Success: true, Data: map[string]any{"alreadyPresent": true}}
		}
	}
	c.keys[key.DeviceID] = append(c.keys[key.DeviceID], key)
	return protocol.CommandResponsePayload{Success: true}
}

func (c *SimulatedConnection) removeKey(key protocol.KeyPayload) protocol.CommandResponsePayload {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	id := keyIdentity(key)
	keys := c.keys[key.DeviceID]
	i := slices.IndexFunc(keys, func(k protocol.KeyPayload) bool { return keyIdentity(k) == id })
	if i < 0 {
		return protocol.CommandResponsePayload{Error: "key not found"}
	}
	c.keys[key.DeviceID] = slices.Delete(keys, i, i+1)
	return protocol.CommandResponsePayload{Success: true}
}

func (c *SimulatedConnection) generateDevice(i int) protocol.DeviceStatusPayload {
	locked := true
	battery := c.randInt(40, 100)
	signal := -c.randInt(40, 80)
	now := protocol.Now()
	return protocol.DeviceStatusPayload{
		DeviceID:        fmt.Sprintf("sim-lock-%03d", i),
		Serial:          fmt.Sprintf("SIM-%s-%04d", c.cfg.GatewayID, i),
		LockID:          fmt.Sprintf("lock-%03d", i),
		DeviceType:      simDeviceType,
		Online:          true,
		Locked:          &locked,
		BatteryLevel:    &battery,
		SignalStrength:  &signal,
		FirmwareVersion: simFirmwareVersion,
		LastSeen:        &now,
	}
}

func (c *SimulatedConnection) putDevice(d protocol.DeviceStatusPayload) {
	c.stateMu.Lock()
	c.putDeviceLocked(d)
	c.stateMu.Unlock()
}

func (c *SimulatedConnection) putDeviceLocked(d protocol.DeviceStatusPayload) {
	if _, ok := c.devices[d.DeviceID]; !ok {
		c.order = append(c.order, d.DeviceID)
	}
	c.devices[d.DeviceID] = &d
}

func (c *SimulatedConnection) snapshotLocked() []protocol.DeviceStatusPayload {
	out := make([]protocol.DeviceStatusPayload, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.devices[id])
	}
	return out
}

func (c *SimulatedConnection) roll() bool {
	if c.cfg.Reliability >= 1 {
		return true
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Float64() < c.cfg.Reliability
}

func (c *SimulatedConnection) latency() time.Duration {
	return c.randDuration(c.cfg.MinLatency, c.cfg.MaxLatency)
}

func (c *SimulatedConnection) randDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return lo + time.Duration(c.rng.Int64N(int64(hi-lo)))
}

func (c *SimulatedConnection) randInt(lo, hi int) int {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return lo + c.rng.IntN(hi-lo+1)
}

func (c *SimulatedConnection) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func keyIdentity(k protocol.KeyPayload) string {
	switch {
	case k.PublicKey != "":
		return k.PublicKey
	case k.KeyCode != "":
		return k.KeyCode
	default:
		return k.KeyToken
	}
}

func stringParam(params map[string]any, name, fallback string) string {
	if v, ok := params[name].(string); ok && v != "" {
		return v
	}
	return fallback
}
