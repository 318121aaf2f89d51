package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/commandqueue"
	"github.com/skatamatic/blulok-cloud-sub006/internal/device"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/connection"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/config"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/database"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/logging"
	_ "github.com/skatamatic/blulok-cloud-sub006/migrations"
)

type testEnv struct {
	srv       *Server
	router    http.Handler
	manager   *gateway.Manager
	queue     *commandqueue.Queue
	inventory *device.Registry
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// testServer creates a Server over a manager holding one connected
// simulated gateway "gw-1" and a SQLite-backed command queue.
func testServer(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	queue := commandqueue.NewQueue(commandqueue.NewSQLiteStore(db.DB), nil)
	inventory := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	manager := gateway.NewManager(gateway.ManagerConfig{
		Queue: queue,
		Options: gateway.Options{
			ResponseTimeout: 2 * time.Second,
			Simulation:      gateway.SimulationOptions{Reliability: 1, DeviceCount: 3, Seed: 11},
		},
	})
	t.Cleanup(func() { manager.Shutdown(context.Background()) }) //nolint:errcheck // Test cleanup
	if _, err := manager.InitializeGateway(context.Background(), gateway.Config{
		ID: "gw-1", FacilityID: "fac-1", Type: gateway.TypeSimulated,
	}); err != nil {
		t.Fatalf("InitializeGateway() error = %v", err)
	}

	dispatcher, err := commandqueue.NewDispatcher(commandqueue.DispatcherConfig{Queue: queue, Executor: manager})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:         config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logger:     testLogger(),
		Manager:    manager,
		Queue:      queue,
		Dispatcher: dispatcher,
		Inventory:  inventory,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testEnv{srv: srv, router: srv.buildRouter(), manager: manager, queue: queue, inventory: inventory}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{Manager: gateway.NewManager(gateway.ManagerConfig{})}); err == nil {
		t.Error("New() without logger error = nil")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without manager error = nil")
	}
}

func TestHealth(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodGet, "/api/v1/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
	if resp["gateways"] != float64(1) || resp["gateways_connected"] != float64(1) {
		t.Errorf("gateway counts = %v/%v, want 1/1", resp["gateways_connected"], resp["gateways"])
	}
	if resp["command_queue"] != true {
		t.Errorf("command_queue = %v, want true", resp["command_queue"])
	}
}

func TestRequestID(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-id-1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-id-1" {
		t.Errorf("X-Request-ID = %q, want client-id-1", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/gateways", nil)
	req.Header.Set("Origin", "http://ops.local")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://ops.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestGateways_ListAndGet(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/gateways", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	list := decode[struct {
		Gateways []gateway.Status `json:"gateways"`
		Count    int              `json:"count"`
	}](t, w)
	if list.Count != 1 || list.Gateways[0].GatewayID != "gw-1" {
		t.Errorf("list = %+v", list)
	}

	w = env.do(t, http.MethodGet, "/api/v1/gateways/gw-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	detail := decode[gatewayDetail](t, w)
	if detail.Status.State != connection.StateConnected || !detail.Capabilities.KeyManagement {
		t.Errorf("detail = %+v", detail)
	}

	before := time.Now().UTC().Add(-time.Second)
	w = env.do(t, http.MethodGet, "/api/v1/gateways/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown gateway status = %d, want 404", w.Code)
	}
	apiErr := decode[Error](t, w)
	if apiErr.Status != http.StatusNotFound || apiErr.Code != ErrCodeNotFound || apiErr.Message == "" {
		t.Errorf("error body = %+v", apiErr)
	}
	if apiErr.Timestamp.Before(before) || apiErr.Timestamp.Location() != time.UTC {
		t.Errorf("error timestamp = %v, want a recent UTC time", apiErr.Timestamp)
	}
}

func TestGateways_DisconnectAndConnect(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/gateways/gw-1/disconnect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("disconnect status = %d: %s", w.Code, w.Body.String())
	}
	if st := decode[gateway.Status](t, w); st.State != connection.StateDisconnected {
		t.Errorf("state after disconnect = %s", st.State)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/gateways/gw-1/locks", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("locks while disconnected status = %d, want 503", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/gateways/gw-1/connect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("connect status = %d: %s", w.Code, w.Body.String())
	}
	if st := decode[gateway.Status](t, w); st.State != connection.StateConnected {
		t.Errorf("state after connect = %s", st.State)
	}
}

func TestGateways_SyncWithoutSynchronizer(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodPost, "/api/v1/gateways/gw-1/sync", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("sync status = %d, want 503 without a synchronizer", w.Code)
	}
}

func TestGateways_Inventory(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/gateways/gw-1/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("inventory status = %d", w.Code)
	}
	if got := decode[map[string]any](t, w)["count"]; got != float64(0) {
		t.Errorf("empty inventory count = %v, want 0", got)
	}

	if err := env.inventory.Create(context.Background(), &device.Device{
		GatewayID:  "gw-1",
		Serial:     "SN-1",
		DeviceType: device.DefaultDeviceType,
		Status:     device.StatusOnline,
		LockStatus: device.LockStatusLocked,
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	w = env.do(t, http.MethodGet, "/api/v1/gateways/gw-1/devices", "")
	list := decode[struct {
		Devices []device.Device `json:"devices"`
		Count   int             `json:"count"`
	}](t, w)
	if list.Count != 1 || list.Devices[0].Serial != "SN-1" {
		t.Errorf("inventory = %+v", list)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/gateways/missing/devices", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown gateway inventory status = %d, want 404", w.Code)
	}
}

func TestLocks_StatusCommandsAndKeys(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/gateways/gw-1/locks", "")
	if w.Code != http.StatusOK {
		t.Fatalf("locks status = %d", w.Code)
	}
	if got := decode[map[string]any](t, w)["count"]; got != float64(3) {
		t.Errorf("lock count = %v, want 3", got)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/gateways/gw-1/locks/sim-lock-002", ""); w.Code != http.StatusOK {
		t.Errorf("lock status = %d, want 200", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/gateways/gw-1/locks/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown lock status = %d, want 404", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/gateways/gw-1/locks/sim-lock-002/commands", `{"command":"unlock"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("command status = %d: %s", w.Code, w.Body.String())
	}
	if r := decode[gateway.CommandResult](t, w); !r.Success {
		t.Errorf("command result = %+v", r)
	}

	w = env.do(t, http.MethodPost, "/api/v1/gateways/gw-1/locks/nope/commands", `{"command":"unlock"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("command on unknown lock status = %d, want 502", w.Code)
	}

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", "/api/v1/gateways/gw-1/locks/sim-lock-002/commands", `{`, http.StatusBadRequest},
		{"missing command", "/api/v1/gateways/gw-1/locks/sim-lock-002/commands", `{"command":" "}`, http.StatusBadRequest},
		{"unknown gateway", "/api/v1/gateways/gw-x/locks/sim-lock-002/commands", `{"command":"lock"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, http.MethodPost, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	w = env.do(t, http.MethodGet, "/api/v1/gateways/gw-1/locks/sim-lock-002/keys", "")
	if w.Code != http.StatusOK {
		t.Fatalf("keys status = %d", w.Code)
	}
	if got := decode[map[string]any](t, w)["count"]; got != float64(0) {
		t.Errorf("key count = %v, want 0", got)
	}
}

func TestCommands_EnqueueExecuteAndInspect(t *testing.T) {
	env := testServer(t)

	body := `{"facilityId":"fac-1","gatewayId":"gw-1","deviceId":"sim-lock-001","commandType":"ADD_KEY","payload":{"keyCode":"1357"},"priority":3}`
	w := env.do(t, http.MethodPost, "/api/v1/commands", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d: %s", w.Code, w.Body.String())
	}
	cmd := decode[commandqueue.Command](t, w)
	if cmd.Status != commandqueue.StatusPending {
		t.Errorf("enqueued status = %s, want pending", cmd.Status)
	}

	// Same key while active returns the same command.
	w = env.do(t, http.MethodPost, "/api/v1/commands", body)
	if dup := decode[commandqueue.Command](t, w); dup.ID != cmd.ID {
		t.Errorf("duplicate enqueue id = %s, want %s", dup.ID, cmd.ID)
	}

	w = env.do(t, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/execute", "")
	if w.Code != http.StatusOK {
		t.Fatalf("execute status = %d: %s", w.Code, w.Body.String())
	}
	if got := decode[commandqueue.Command](t, w); got.Status != commandqueue.StatusSucceeded {
		t.Errorf("executed status = %s, want succeeded", got.Status)
	}

	w = env.do(t, http.MethodGet, "/api/v1/commands/"+cmd.ID+"/attempts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("attempts status = %d", w.Code)
	}
	attempts := decode[struct {
		Attempts []commandqueue.Attempt `json:"attempts"`
	}](t, w)
	if len(attempts.Attempts) != 1 || attempts.Attempts[0].Success == nil || !*attempts.Attempts[0].Success {
		t.Errorf("attempts = %+v, want one successful", attempts.Attempts)
	}

	w = env.do(t, http.MethodGet, "/api/v1/commands?status=succeeded&gateway_id=gw-1", "")
	if got := decode[map[string]any](t, w)["count"]; got != float64(1) {
		t.Errorf("filtered count = %v, want 1", got)
	}

	w = env.do(t, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/cancel", "")
	if w.Code != http.StatusConflict {
		t.Errorf("cancel succeeded command status = %d, want 409", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/commands/does-not-exist", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown command status = %d, want 404", w.Code)
	}
}

func TestCommands_CancelAndRetry(t *testing.T) {
	env := testServer(t)
	cmd, err := env.manager.Enqueue(context.Background(), commandqueue.NewCommand{
		FacilityID:  "fac-1",
		GatewayID:   "gw-1",
		DeviceID:    "sim-lock-003",
		CommandType: commandqueue.CommandRevokeKey,
		Payload:     json.RawMessage(`{"keyCode":"9"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	w := env.do(t, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/retry", "")
	if w.Code != http.StatusOK {
		t.Fatalf("retry status = %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", w.Code, w.Body.String())
	}
	if got := decode[commandqueue.Command](t, w); got.Status != commandqueue.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	w = env.do(t, http.MethodPost, "/api/v1/commands/"+cmd.ID+"/requeue", "")
	if w.Code != http.StatusConflict {
		t.Errorf("requeue cancelled status = %d, want 409", w.Code)
	}
}

func TestCommands_Validation(t *testing.T) {
	env := testServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid json", http.MethodPost, "/api/v1/commands", `nope`, http.StatusBadRequest},
		{"unknown type", http.MethodPost, "/api/v1/commands", `{"facilityId":"f","gatewayId":"g","deviceId":"d","commandType":"REBOOT"}`, http.StatusUnprocessableEntity},
		{"missing facility", http.MethodPost, "/api/v1/commands", `{"gatewayId":"g","deviceId":"d","commandType":"ADD_KEY"}`, http.StatusUnprocessableEntity},
		{"bad status filter", http.MethodGet, "/api/v1/commands?status=weird", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/v1/commands?limit=0", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestCommands_WithoutQueue(t *testing.T) {
	manager := gateway.NewManager(gateway.ManagerConfig{})
	srv, err := New(Deps{Logger: testLogger(), Manager: manager})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands",
		bytes.NewBufferString(`{"facilityId":"f","gatewayId":"g","deviceId":"d","commandType":"ADD_KEY"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("enqueue without queue status = %d, want 503", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/commands", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("list without queue status = %d, want 200", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/commands/x/execute", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("execute without dispatcher status = %d, want 503", w.Code)
	}
}

func TestServer_StartAndClose(t *testing.T) {
	env := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := env.srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := env.srv.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + env.srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := http.Get("http://" + env.srv.Addr() + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}
