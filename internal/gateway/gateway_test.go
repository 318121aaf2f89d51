package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/devicesync"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/connection"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/protocol"
)

func testOptions() Options {
	return Options{
		ResponseTimeout: 2 * time.Second,
		Simulation:      SimulationOptions{Reliability: 1, DeviceCount: 3, Seed: 7},
	}
}

func newSimGateway(t *testing.T, opts Options) *SimulatedGateway {
	t.Helper()
	g, err := NewSimulatedGateway(Config{ID: "gw-sim", FacilityID: "fac-1"}, opts)
	if err != nil {
		t.Fatalf("NewSimulatedGateway() error = %v", err)
	}
	t.Cleanup(func() {
		g.Disconnect(context.Background()) //nolint:errcheck // Test cleanup
	})
	return g
}

func connectedSimGateway(t *testing.T) *SimulatedGateway {
	t.Helper()
	g := newSimGateway(t, testOptions())
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return g
}

// inject delivers a message to the gateway as if the far side sent it.
func inject(t *testing.T, g *SimulatedGateway, msg *protocol.Message) {
	t.Helper()
	p, err := protocol.Get(protocol.VersionTest)
	if err != nil {
		t.Fatalf("protocol.Get() error = %v", err)
	}
	msg.ProtocolVersion = protocol.VersionTest
	data, err := p.Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	g.Simulator().Inject(data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fromGateway(t *testing.T, typ protocol.MessageType, payload any) *protocol.Message {
	t.Helper()
	m, err := protocol.NewMessage(typ, "gw-sim", protocol.CloudEndpoint, payload)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	return m
}

func TestSendMessageAndWait_Timeout(t *testing.T) {
	g := connectedSimGateway(t)

	// The simulator never answers access grants.
	msg, err := g.newMessage(protocol.TypeAccessGrant, map[string]string{"deviceId": "sim-lock-001"})
	if err != nil {
		t.Fatalf("newMessage() error = %v", err)
	}
	msg.ID = "cmd-1"

	start := time.Now()
	_, err = g.SendMessageAndWait(context.Background(), msg, 50*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SendMessageAndWait() error = %v, want ErrTimeout", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("SendMessageAndWait() returned after %v, want >= 50ms", elapsed)
	}
	if n := g.pendingCount(); n != 0 {
		t.Errorf("pendingCount() = %d after timeout, want 0", n)
	}
}

func TestSendMessageAndWait_MatchesCorrelationID(t *testing.T) {
	g := connectedSimGateway(t)

	msg, err := g.newMessage(protocol.TypeAccessGrant, nil)
	if err != nil {
		t.Fatalf("newMessage() error = %v", err)
	}
	msg.ID = "req-1"

	p, err := protocol.Get(protocol.VersionTest)
	if err != nil {
		t.Fatalf("protocol.Get() error = %v", err)
	}
	other := fromGateway(t, protocol.TypeCommandResponse, protocol.CommandResponsePayload{Success: false})
	other.CorrelationID = "someone-else"
	match := fromGateway(t, protocol.TypeCommandResponse, protocol.CommandResponsePayload{Success: true})
	match.CorrelationID = "req-1"
	var frames [][]byte
	for _, m := range []*protocol.Message{other, match} {
		data, err := p.Encode(m)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		frames = append(frames, data)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		for _, data := range frames {
			g.Simulator().Inject(data)
		}
	}()

	resp, err := g.SendMessageAndWait(context.Background(), msg, time.Second)
	if err != nil {
		t.Fatalf("SendMessageAndWait() error = %v", err)
	}
	if resp.CorrelationID != "req-1" {
		t.Errorf("response CorrelationID = %q, want req-1", resp.CorrelationID)
	}
	var payload protocol.CommandResponsePayload
	if err := resp.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if !payload.Success {
		t.Error("resolved with the uncorrelated response")
	}
	if n := g.pendingCount(); n != 0 {
		t.Errorf("pendingCount() = %d after response, want 0", n)
	}
}

func TestSendMessageAndWait_Ping(t *testing.T) {
	g := connectedSimGateway(t)

	msg, err := g.newMessage(protocol.TypePing, nil)
	if err != nil {
		t.Fatalf("newMessage() error = %v", err)
	}
	resp, err := g.SendMessageAndWait(context.Background(), msg, 0)
	if err != nil {
		t.Fatalf("SendMessageAndWait() error = %v", err)
	}
	if resp.Type != protocol.TypePong || resp.CorrelationID != msg.ID {
		t.Errorf("response = %s/%s, want pong/%s", resp.Type, resp.CorrelationID, msg.ID)
	}
	if msg.Timeout != 2 {
		t.Errorf("msg.Timeout = %d, want the default budget in seconds (2)", msg.Timeout)
	}
}

func TestSendMessage_Rejections(t *testing.T) {
	g := newSimGateway(t, testOptions())
	ctx := context.Background()

	msg, err := protocol.NewMessage(protocol.TypePing, protocol.CloudEndpoint, "gw-sim", nil)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if err := g.SendMessage(ctx, msg); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SendMessage() before Initialize error = %v, want ErrNotInitialized", err)
	}

	if err := g.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := g.SendMessage(ctx, msg); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendMessage() before Connect error = %v, want ErrNotConnected", err)
	}

	if err := g.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	msg.Source = ""
	if err := g.SendMessage(ctx, msg); !errors.Is(err, protocol.ErrMissingField) {
		t.Errorf("SendMessage() without source error = %v, want ErrMissingField", err)
	}
}

func TestConnect_PublishesStatus(t *testing.T) {
	g := newSimGateway(t, testOptions())

	var mu sync.Mutex
	var states []connection.State
	unsubscribe := g.SubscribeStatus(func(st Status) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	})

	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if st := g.Status(); st.State != connection.StateConnected || st.ProtocolVersion != protocol.VersionTest {
		t.Errorf("Status() = %s/%s, want connected/test", st.State, st.ProtocolVersion)
	}

	mu.Lock()
	got := append([]connection.State(nil), states...)
	mu.Unlock()
	if len(got) == 0 || got[len(got)-1] != connection.StateConnected {
		t.Errorf("observed states = %v, want ending in connected", got)
	}

	unsubscribe()
	if err := g.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if states[len(states)-1] == connection.StateDisconnected {
		t.Error("observer called after unsubscribe")
	}
	if g.Status().State != connection.StateDisconnected {
		t.Errorf("Status().State = %s after Disconnect, want disconnected", g.Status().State)
	}
}

func TestRegisterAndUnregisterDevice(t *testing.T) {
	g := connectedSimGateway(t)
	ctx := context.Background()

	if err := g.UnregisterDevice(ctx, "never-registered"); !errors.Is(err, ErrDeviceNotRegistered) {
		t.Fatalf("UnregisterDevice(unknown) error = %v, want ErrDeviceNotRegistered", err)
	}

	d := DeviceInfo{ID: "lock-new", Serial: "SER-NEW", DeviceType: "blulok", Metadata: map[string]string{"unit": "A1"}}
	if err := g.RegisterDevice(ctx, d); err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}

	devices := g.Devices()
	if len(devices) != 1 || devices[0].ID != "lock-new" {
		t.Fatalf("Devices() = %+v, want [lock-new]", devices)
	}
	devices[0].Metadata["unit"] = "mutated"
	if g.Devices()[0].Metadata["unit"] != "A1" {
		t.Error("Devices() exposed the internal map")
	}

	found := false
	for _, sd := range g.Simulator().Devices() {
		if sd.DeviceID == "lock-new" && sd.Serial == "SER-NEW" {
			found = true
		}
	}
	if !found {
		t.Error("registration was not forwarded to the gateway")
	}

	if err := g.UnregisterDevice(ctx, "lock-new"); err != nil {
		t.Fatalf("UnregisterDevice() error = %v", err)
	}
	if len(g.Devices()) != 0 {
		t.Errorf("Devices() = %+v after unregister, want empty", g.Devices())
	}
}

func TestInboundError_SetsErrorState(t *testing.T) {
	g := connectedSimGateway(t)

	inject(t, g, fromGateway(t, protocol.TypeError, protocol.ErrorPayload{Error: "tamper detected", Code: "E42"}))

	waitFor(t, "error state", func() bool {
		st := g.Status()
		return st.State == connection.StateError && st.ErrorMessage == "tamper detected"
	})
}

func TestInboundHeartbeat_UpdatesStatusAndEchoes(t *testing.T) {
	g := connectedSimGateway(t)
	sentBefore := g.Simulator().Stats().MessagesSent

	uptime := int64(120)
	cpu := 12.5
	count := 9
	hb := fromGateway(t, protocol.TypeHeartbeat, protocol.HeartbeatPayload{
		Timestamp:   protocol.Now(),
		Uptime:      &uptime,
		CPUUsage:    &cpu,
		DeviceCount: &count,
	})
	inject(t, g, hb)

	waitFor(t, "heartbeat status", func() bool {
		st := g.Status()
		return st.LastHeartbeat != nil && st.Uptime != nil && *st.Uptime == 120
	})
	st := g.Status()
	if st.CPUUsage == nil || *st.CPUUsage != 12.5 {
		t.Errorf("CPUUsage = %v, want 12.5", st.CPUUsage)
	}
	if st.DeviceCount != 9 {
		t.Errorf("DeviceCount = %d, want 9", st.DeviceCount)
	}

	waitFor(t, "heartbeat echo", func() bool {
		return g.Simulator().Stats().MessagesSent > sentBefore
	})
}

func TestCorruptFrame_ResetsConnection(t *testing.T) {
	g := connectedSimGateway(t)

	var mu sync.Mutex
	sawError := false
	g.SubscribeStatus(func(st Status) {
		if st.State == connection.StateError {
			mu.Lock()
			sawError = true
			mu.Unlock()
		}
	})

	g.Simulator().Inject([]byte("{not json"))

	waitFor(t, "reconnect after reset", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sawError && g.Status().State == connection.StateConnected
	})
}

func TestDeviceOperations(t *testing.T) {
	g := connectedSimGateway(t)
	ctx := context.Background()

	locks, err := g.GetAllLocks(ctx)
	if err != nil {
		t.Fatalf("GetAllLocks() error = %v", err)
	}
	if len(locks) != 3 {
		t.Fatalf("GetAllLocks() returned %d devices, want 3", len(locks))
	}

	status, err := g.GetDeviceStatus(ctx, locks[0].DeviceID)
	if err != nil {
		t.Fatalf("GetDeviceStatus() error = %v", err)
	}
	if status.Serial != locks[0].Serial {
		t.Errorf("GetDeviceStatus().Serial = %q, want %q", status.Serial, locks[0].Serial)
	}
	if _, err := g.GetDeviceStatus(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDeviceStatus(missing) error = %v, want ErrDeviceNotFound", err)
	}

	result := g.ExecuteCommand(ctx, DeviceCommand{DeviceID: locks[0].DeviceID, Command: protocol.CommandUnlock})
	if !result.Success {
		t.Errorf("ExecuteCommand(unlock) = %+v, want success", result)
	}
	if result.ExecutedAt.IsZero() {
		t.Error("ExecuteCommand() result has zero ExecutedAt")
	}

	result = g.ExecuteCommand(ctx, DeviceCommand{DeviceID: "missing", Command: protocol.CommandLock})
	if result.Success || result.Error == "" {
		t.Errorf("ExecuteCommand(missing device) = %+v, want failure with error text", result)
	}

	if result := g.SendPushMessage(ctx, locks[0].DeviceID, "Welcome"); !result.Success {
		t.Errorf("SendPushMessage() = %+v, want success", result)
	}
}

func TestKeyOperations(t *testing.T) {
	g := connectedSimGateway(t)
	ctx := context.Background()
	key := protocol.KeyPayload{DeviceID: "sim-lock-001", UserID: "user-1", PublicKey: "pk-abc"}

	result, err := g.AddKey(ctx, key)
	if err != nil {
		t.Fatalf("AddKey() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("AddKey() = %+v, want success", result)
	}

	keys, err := g.GetKeys(ctx, "sim-lock-001")
	if err != nil {
		t.Fatalf("GetKeys() error = %v", err)
	}
	if len(keys) != 1 || keys[0].PublicKey != "pk-abc" {
		t.Errorf("GetKeys() = %+v, want [pk-abc]", keys)
	}

	result, err = g.RevokeKey(ctx, key)
	if err != nil || !result.Success {
		t.Fatalf("RevokeKey() = %+v, %v, want success", result, err)
	}

	result, err = g.RevokeKey(ctx, key)
	if err != nil {
		t.Fatalf("RevokeKey(again) error = %v", err)
	}
	if result.Success {
		t.Error("RevokeKey() of an absent key reported success")
	}
}

// gatedVariant is a simulated variant with configurable capabilities.
type gatedVariant struct {
	b    *base
	caps Capabilities
	sim  *connection.SimulatedConnection
}

func (v *gatedVariant) capabilities() Capabilities     { return v.caps }
func (v *gatedVariant) defaultProtocolVersion() string { return protocol.VersionTest }
func (v *gatedVariant) newConnection(p protocol.Protocol) (connection.Connection, error) {
	sim, err := connection.NewSimulatedConnection(connection.SimulatedConfig{
		GatewayID:       v.b.cfg.ID,
		ProtocolVersion: p.Version(),
		Reliability:     1,
		Seed:            3,
		DeviceCount:     1,
	})
	v.sim = sim
	return sim, err
}
func (v *gatedVariant) registerMessage(d DeviceInfo) protocol.DeviceCommandPayload {
	return registrationCommand(d)
}
func (v *gatedVariant) unregisterMessage(id string) protocol.DeviceCommandPayload {
	return protocol.DeviceCommandPayload{DeviceID: id, Command: protocol.CommandUnregisterDevice}
}

func newGatedBase(t *testing.T, caps Capabilities) (*base, *gatedVariant) {
	t.Helper()
	return newGatedBaseWithOptions(t, caps, testOptions())
}

func newGatedBaseWithOptions(t *testing.T, caps Capabilities, opts Options) (*base, *gatedVariant) {
	t.Helper()
	v := &gatedVariant{caps: caps}
	b := newBase(Config{ID: "gw-gated", FacilityID: "fac-1", Type: TypeSimulated}, opts, v)
	v.b = b
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() {
		b.Disconnect(context.Background()) //nolint:errcheck // Test cleanup
	})
	return b, v
}

func TestKeyManagement_CapabilityGated(t *testing.T) {
	b, _ := newGatedBase(t, Capabilities{KeyManagement: false})
	ctx := context.Background()
	key := protocol.KeyPayload{DeviceID: "sim-lock-001", KeyCode: "1234"}

	if _, err := b.AddKey(ctx, key); !errors.Is(err, ErrCapabilityUnsupported) {
		t.Errorf("AddKey() error = %v, want ErrCapabilityUnsupported", err)
	}
	if _, err := b.RevokeKey(ctx, key); !errors.Is(err, ErrCapabilityUnsupported) {
		t.Errorf("RevokeKey() error = %v, want ErrCapabilityUnsupported", err)
	}
	if _, err := b.GetKeys(ctx, "sim-lock-001"); !errors.Is(err, ErrCapabilityUnsupported) {
		t.Errorf("GetKeys() error = %v, want ErrCapabilityUnsupported", err)
	}
}

func TestHeartbeatTimer(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	b, _ := newGatedBaseWithOptions(t, Capabilities{KeyManagement: true, HeartbeatInterval: time.Hour}, opts)
	if got := b.Capabilities().HeartbeatInterval; got != 20*time.Millisecond {
		t.Fatalf("HeartbeatInterval = %v, want configured 20ms", got)
	}

	// The simulator answers each heartbeat with a correlated heartbeat
	// carrying its statistics.
	waitFor(t, "heartbeat round trip", func() bool {
		st := b.Status()
		return st.LastHeartbeat != nil && st.Uptime != nil
	})
}

func TestHeartbeatInterval_FollowsProtocol(t *testing.T) {
	tests := []struct {
		name    string
		version string
		want    time.Duration
	}{
		{"legacy protocol", protocol.VersionLegacy, 60 * time.Second},
		{"current protocol", protocol.VersionCurrent, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewPhysicalGateway(Config{
				ID:              "gw-hw",
				FacilityID:      "fac-1",
				ConnectionURL:   "ws://127.0.0.1:1/gateway",
				ProtocolVersion: tt.version,
			}, testOptions())
			if err != nil {
				t.Fatalf("NewPhysicalGateway() error = %v", err)
			}
			if err := g.Initialize(context.Background()); err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}
			if got := g.Capabilities().HeartbeatInterval; got != tt.want {
				t.Errorf("HeartbeatInterval = %v, want %v", got, tt.want)
			}
		})
	}

	// Polled gateway types never heartbeat, whatever the protocol declares.
	if got := effectiveHeartbeat(Capabilities{}, Options{HeartbeatInterval: time.Second}, nil); got != 0 {
		t.Errorf("effectiveHeartbeat(polled) = %v, want 0", got)
	}
}

func TestPhysicalGateway_KeyManagementV2NotImplemented(t *testing.T) {
	g, err := NewPhysicalGateway(Config{
		ID:                   "gw-hw",
		FacilityID:           "fac-1",
		ConnectionURL:        "ws://127.0.0.1:1/gateway",
		KeyManagementVersion: KeyManagementV2,
	}, testOptions())
	if err != nil {
		t.Fatalf("NewPhysicalGateway() error = %v", err)
	}
	key := protocol.KeyPayload{DeviceID: "lock-1", PublicKey: "pk"}
	if _, err := g.AddKey(context.Background(), key); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("AddKey() error = %v, want ErrNotImplemented", err)
	}
	if _, err := g.RevokeKey(context.Background(), key); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("RevokeKey() error = %v, want ErrNotImplemented", err)
	}
}

// recordingSynchronizer captures Sync input.
type recordingSynchronizer struct {
	mu    sync.Mutex
	calls int
	last  []devicesync.ReportedDevice
	err   error
}

func (s *recordingSynchronizer) Sync(_ context.Context, gatewayID string, reported []devicesync.ReportedDevice) (*devicesync.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = reported
	if s.err != nil {
		return nil, s.err
	}
	return &devicesync.Result{GatewayID: gatewayID, Unchanged: len(reported)}, nil
}

func (s *recordingSynchronizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestSync(t *testing.T) {
	t.Run("without synchronizer", func(t *testing.T) {
		g := connectedSimGateway(t)
		if _, err := g.Sync(context.Background()); !errors.Is(err, ErrNoSynchronizer) {
			t.Errorf("Sync() error = %v, want ErrNoSynchronizer", err)
		}
	})

	t.Run("feeds reported devices", func(t *testing.T) {
		syncer := &recordingSynchronizer{}
		opts := testOptions()
		opts.Synchronizer = syncer
		g := newSimGateway(t, opts)
		if err := g.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		result, err := g.Sync(context.Background())
		if err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
		if result.GatewayID != "gw-sim" {
			t.Errorf("Result.GatewayID = %q, want gw-sim", result.GatewayID)
		}
		if len(syncer.last) != 3 {
			t.Fatalf("synchronizer got %d devices, want 3", len(syncer.last))
		}
		for _, d := range syncer.last {
			if d.Serial == "" || d.GatewayDeviceID == "" {
				t.Errorf("reported device %+v lacks serial or gateway id", d)
			}
		}
	})
}

func TestReportedDevice_FallsBackToDeviceID(t *testing.T) {
	got := reportedDevice(protocol.DeviceStatusPayload{DeviceID: "dev-9", Online: true})
	if got.GatewayDeviceID != "dev-9" {
		t.Errorf("GatewayDeviceID = %q, want dev-9", got.GatewayDeviceID)
	}
	if got.Identifier() != "dev-9" {
		t.Errorf("Identifier() = %q, want dev-9", got.Identifier())
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    Type
		wantErr error
	}{
		{name: "simulated", cfg: Config{ID: "a", Type: TypeSimulated}, want: TypeSimulated},
		{name: "physical", cfg: Config{ID: "b", Type: TypePhysical, ConnectionURL: "wss://gw.example.com/ws"}, want: TypePhysical},
		{name: "http", cfg: Config{ID: "c", Type: TypeHTTP, BaseURL: "https://gw.example.com", APIKey: "k"}, want: TypeHTTP},
		{name: "missing id", cfg: Config{Type: TypeSimulated}, wantErr: ErrInvalidConfig},
		{name: "unknown type", cfg: Config{ID: "d", Type: "zigbee"}, wantErr: ErrUnknownType},
		{name: "physical without url", cfg: Config{ID: "e", Type: TypePhysical}, wantErr: ErrInvalidConfig},
		{name: "http without api key", cfg: Config{ID: "f", Type: TypeHTTP, BaseURL: "https://gw"}, wantErr: ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, err := New(tt.cfg, Options{})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("New() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if gw.Config().Type != tt.want || gw.Status().Type != tt.want {
				t.Errorf("New() type = %s, want %s", gw.Config().Type, tt.want)
			}
			if gw.Status().State != connection.StateDisconnected {
				t.Errorf("new gateway state = %s, want disconnected", gw.Status().State)
			}
		})
	}
}

func TestInitialize_RejectsUnsupportedProtocol(t *testing.T) {
	g, err := NewHTTPGateway(Config{ID: "h", BaseURL: "https://gw", APIKey: "k", ProtocolVersion: protocol.VersionLegacy}, Options{})
	if err != nil {
		t.Fatalf("NewHTTPGateway() error = %v", err)
	}
	if err := g.Initialize(context.Background()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Initialize() error = %v, want ErrInvalidConfig", err)
	}
}

func TestIsProtocolFault(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{ErrTimeout, false},
		{protocol.ErrUnsupportedType, true},
		{errors.Join(errors.New("validating"), protocol.ErrMissingField), true},
	}
	for _, tt := range tests {
		if got := IsProtocolFault(tt.err); got != tt.want {
			t.Errorf("IsProtocolFault(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
