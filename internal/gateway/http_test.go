package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/device"
	"github.com/skatamatic/blulok-cloud-sub006/internal/devicesync"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/connection"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/protocol"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/database"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/lock"
	_ "github.com/skatamatic/blulok-cloud-sub006/migrations"
)

const testAPIKey = "secret-key"

// fakeLockAPI serves the gateway REST API from an in-memory lock list.
type fakeLockAPI struct {
	mu       sync.Mutex
	locks    []protocol.DeviceStatusPayload
	commands []string
	pushes   []string
	polls    int
}

func newFakeLockAPI(t *testing.T, serials ...string) (*fakeLockAPI, *httptest.Server) {
	t.Helper()
	api := &fakeLockAPI{}
	for _, s := range serials {
		locked := true
		api.locks = append(api.locks, protocol.DeviceStatusPayload{
			DeviceID: "id-" + s, Serial: s, Online: true, Locked: &locked,
		})
	}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return api, srv
}

func (f *fakeLockAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(connection.APIKeyHeader) != testAPIKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/api/v1/locks":
		f.polls++
		json.NewEncoder(w).Encode(locksResponse{Locks: f.locks}) //nolint:errcheck // Test server

	case r.Method == http.MethodPost && path == "/api/v1/push":
		var req pushRequest
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck // Test server
		f.pushes = append(f.pushes, req.DeviceID+":"+req.Message)
		json.NewEncoder(w).Encode(protocol.CommandResponsePayload{Success: true}) //nolint:errcheck // Test server

	case strings.HasPrefix(path, "/api/v1/locks/"):
		rest := strings.TrimPrefix(path, "/api/v1/locks/")
		id, sub, _ := strings.Cut(rest, "/")
		var found *protocol.DeviceStatusPayload
		for i := range f.locks {
			if f.locks[i].DeviceID == id {
				found = &f.locks[i]
			}
		}
		if found == nil {
			http.Error(w, `{"error":"lock not found"}`, http.StatusNotFound)
			return
		}
		switch {
		case sub == "" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(found) //nolint:errcheck // Test server
		case sub == "commands" && r.Method == http.MethodPost:
			var req commandRequest
			json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck // Test server
			f.commands = append(f.commands, id+":"+req.Command)
			resp := protocol.CommandResponsePayload{Success: true}
			if req.Command == "explode" {
				resp = protocol.CommandResponsePayload{Error: "unsupported"}
			}
			json.NewEncoder(w).Encode(resp) //nolint:errcheck // Test server
		case sub == "keys" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(keysResponse{Keys: []protocol.KeyPayload{{DeviceID: id, KeyCode: "1234"}}}) //nolint:errcheck // Test server
		default:
			http.NotFound(w, r)
		}

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeLockAPI) setLocks(serials ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = nil
	for _, s := range serials {
		f.locks = append(f.locks, protocol.DeviceStatusPayload{DeviceID: "id-" + s, Serial: s, Online: true})
	}
}

func (f *fakeLockAPI) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func newTestHTTPGateway(t *testing.T, srv *httptest.Server, opts Options, pollEvery time.Duration) *HTTPGateway {
	t.Helper()
	g, err := NewHTTPGateway(Config{
		ID:            "gw-http",
		FacilityID:    "fac-1",
		BaseURL:       srv.URL,
		APIKey:        testAPIKey,
		PollFrequency: pollEvery,
	}, opts)
	if err != nil {
		t.Fatalf("NewHTTPGateway() error = %v", err)
	}
	g.Client = srv.Client()
	t.Cleanup(func() {
		g.Disconnect(context.Background()) //nolint:errcheck // Test cleanup
	})
	return g
}

func TestHTTPGateway_PollLoopDrivesSync(t *testing.T) {
	api, srv := newFakeLockAPI(t, "S1", "S2")
	syncer := &recordingSynchronizer{}
	opts := testOptions()
	opts.Synchronizer = syncer
	g := newTestHTTPGateway(t, srv, opts, 20*time.Millisecond)

	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, "several polls", func() bool { return syncer.callCount() >= 3 })
	if api.pollCount() < 3 {
		t.Errorf("server saw %d polls, want >= 3", api.pollCount())
	}
	st := g.Status()
	if st.LastHeartbeat == nil {
		t.Error("LastHeartbeat not set by successful poll")
	}
	if st.DeviceCount != 2 {
		t.Errorf("DeviceCount = %d, want 2", st.DeviceCount)
	}

	if err := g.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	after := syncer.callCount()
	time.Sleep(60 * time.Millisecond)
	if syncer.callCount() != after {
		t.Error("poll loop kept running after Disconnect")
	}
}

func TestHTTPGateway_DeviceOperations(t *testing.T) {
	api, srv := newFakeLockAPI(t, "S1")
	g := newTestHTTPGateway(t, srv, testOptions(), time.Hour)
	ctx := context.Background()
	if err := g.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	locks, err := g.GetAllLocks(ctx)
	if err != nil || len(locks) != 1 {
		t.Fatalf("GetAllLocks() = %v, %v, want one lock", locks, err)
	}

	d, err := g.GetDeviceStatus(ctx, "id-S1")
	if err != nil {
		t.Fatalf("GetDeviceStatus() error = %v", err)
	}
	if d.Serial != "S1" {
		t.Errorf("GetDeviceStatus().Serial = %q, want S1", d.Serial)
	}
	if _, err := g.GetDeviceStatus(ctx, "nope"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDeviceStatus(nope) error = %v, want ErrDeviceNotFound", err)
	}

	if r := g.ExecuteCommand(ctx, DeviceCommand{DeviceID: "id-S1", Command: protocol.CommandUnlock}); !r.Success {
		t.Errorf("ExecuteCommand(unlock) = %+v, want success", r)
	}
	if r := g.ExecuteCommand(ctx, DeviceCommand{DeviceID: "id-S1", Command: "explode"}); r.Success || r.Error != "unsupported" {
		t.Errorf("ExecuteCommand(explode) = %+v, want failure 'unsupported'", r)
	}
	if r := g.ExecuteCommand(ctx, DeviceCommand{DeviceID: "nope", Command: protocol.CommandLock}); r.Success || r.Error == "" {
		t.Errorf("ExecuteCommand(unknown lock) = %+v, want failure result", r)
	}

	if r := g.SendPushMessage(ctx, "id-S1", "hello"); !r.Success {
		t.Errorf("SendPushMessage() = %+v, want success", r)
	}

	keys, err := g.GetKeys(ctx, "id-S1")
	if err != nil || len(keys) != 1 {
		t.Errorf("GetKeys() = %v, %v, want one key", keys, err)
	}

	if _, err := g.AddKey(ctx, protocol.KeyPayload{DeviceID: "id-S1", KeyCode: "1"}); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("AddKey() error = %v, want ErrNotImplemented", err)
	}
	if _, err := g.RevokeKey(ctx, protocol.KeyPayload{DeviceID: "id-S1", KeyCode: "1"}); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("RevokeKey() error = %v, want ErrNotImplemented", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.commands) != 2 || api.commands[0] != "id-S1:unlock" {
		t.Errorf("server commands = %v", api.commands)
	}
	if len(api.pushes) != 1 || api.pushes[0] != "id-S1:hello" {
		t.Errorf("server pushes = %v", api.pushes)
	}
}

func TestHTTPGateway_SendNotSupported(t *testing.T) {
	_, srv := newFakeLockAPI(t)
	g := newTestHTTPGateway(t, srv, testOptions(), time.Hour)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	msg, err := g.newMessage(protocol.TypePing, nil)
	if err != nil {
		t.Fatalf("newMessage() error = %v", err)
	}
	if err := g.SendMessage(context.Background(), msg); !errors.Is(err, connection.ErrSendNotSupported) {
		t.Errorf("SendMessage() error = %v, want ErrSendNotSupported", err)
	}
}

func TestHTTPGateway_LocalRegistration(t *testing.T) {
	_, srv := newFakeLockAPI(t)
	g := newTestHTTPGateway(t, srv, testOptions(), time.Hour)
	ctx := context.Background()

	if err := g.RegisterDevice(ctx, DeviceInfo{ID: "lock-1"}); err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}
	if err := g.UnregisterDevice(ctx, "lock-2"); !errors.Is(err, ErrDeviceNotRegistered) {
		t.Errorf("UnregisterDevice(lock-2) error = %v, want ErrDeviceNotRegistered", err)
	}
	if err := g.UnregisterDevice(ctx, "lock-1"); err != nil {
		t.Errorf("UnregisterDevice(lock-1) error = %v", err)
	}
}

func TestHTTPGateway_PollFrequencyDefault(t *testing.T) {
	g, err := NewHTTPGateway(Config{ID: "h", BaseURL: "https://gw", APIKey: "k"}, Options{DefaultPollFrequency: 45 * time.Second})
	if err != nil {
		t.Fatalf("NewHTTPGateway() error = %v", err)
	}
	if got := g.PollFrequency(); got != 45*time.Second {
		t.Errorf("PollFrequency() = %v, want 45s", got)
	}
}

// TestHTTPGateway_ConcurrentSyncs runs manual syncs while the poll loop is
// active against a real inventory and checks no device is duplicated.
func TestHTTPGateway_ConcurrentSyncs(t *testing.T) {
	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := device.NewSQLiteRepository(db.DB)
	syncer, err := devicesync.New(devicesync.Config{Repository: repo, Locker: lock.NewLocal()})
	if err != nil {
		t.Fatalf("devicesync.New() error = %v", err)
	}

	api, srv := newFakeLockAPI(t, "S1", "S2", "S3")
	opts := testOptions()
	opts.Synchronizer = syncer
	g := newTestHTTPGateway(t, srv, opts, 5*time.Millisecond)
	ctx := context.Background()
	if err := g.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Sync(ctx); err != nil {
				t.Errorf("Sync() error = %v", err)
			}
		}()
	}
	wg.Wait()

	devices, err := repo.FindByGateway(ctx, "gw-http")
	if err != nil {
		t.Fatalf("FindByGateway() error = %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("inventory has %d devices, want 3", len(devices))
	}

	api.setLocks("S2", "S4")
	if _, err := g.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	devices, err = repo.FindByGateway(ctx, "gw-http")
	if err != nil {
		t.Fatalf("FindByGateway() error = %v", err)
	}
	var serials []string
	for _, d := range devices {
		serials = append(serials, d.Serial)
	}
	if strings.Join(serials, ",") != "S2,S4" {
		t.Errorf("inventory serials = %v, want [S2 S4]", serials)
	}
}
