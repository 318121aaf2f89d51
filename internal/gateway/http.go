package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/devicesync"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/connection"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/protocol"
)

// REST paths on an HTTP-polled gateway.
const (
	pathLocks = "/api/v1/locks"
	pathPush  = "/api/v1/push"

	defaultPollTimeout = 30 * time.Second
)

// HTTPGateway is a gateway exposing a REST API that the cloud polls. It has
// no message stream: device operations map to REST calls and device state
// arrives through the poll loop.
type HTTPGateway struct {
	*base

	rest *connection.HTTPConnection

	// Client overrides the HTTP client. Set before Initialize.
	Client *http.Client

	pollMu   sync.Mutex
	pollStop chan struct{}
	pollWg   sync.WaitGroup
}

type locksResponse struct {
	Locks []protocol.DeviceStatusPayload `json:"locks"`
}

type keysResponse struct {
	Keys []protocol.KeyPayload `json:"keys"`
}

type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type pushRequest struct {
	DeviceID string `json:"deviceId"`
	Message  string `json:"message"`
}

// NewHTTPGateway builds a polled gateway.
func NewHTTPGateway(cfg Config, opts Options) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: http gateway %s needs a base url", ErrInvalidConfig, cfg.ID)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: http gateway %s needs an api key", ErrInvalidConfig, cfg.ID)
	}
	cfg.Type = TypeHTTP
	g := &HTTPGateway{}
	g.base = newBase(cfg, opts, g)
	return g, nil
}

func (g *HTTPGateway) capabilities() Capabilities {
	return Capabilities{
		ProtocolVersions:         []string{protocol.VersionCurrent},
		DeviceTypes:              []string{"blulok"},
		MaxConcurrentConnections: 1,
		RemoteAccess:             true,
		KeyManagement:            true,
	}
}

func (g *HTTPGateway) defaultProtocolVersion() string {
	return protocol.VersionCurrent
}

func (g *HTTPGateway) newConnection(protocol.Protocol) (connection.Connection, error) {
	conn, err := connection.NewHTTPConnection(connection.HTTPConfig{
		BaseURL:            g.cfg.BaseURL,
		APIKey:             g.cfg.APIKey,
		RequestTimeout:     g.opts.RequestTimeout,
		InsecureSkipVerify: g.cfg.IgnoreTLSValidation,
		Client:             g.Client,
		Logger:             g.logger,
	})
	if err != nil {
		return nil, err
	}
	g.rest = conn
	return conn, nil
}

// The REST API has no registration call; the device map is local only.
func (g *HTTPGateway) registerMessage(d DeviceInfo) protocol.DeviceCommandPayload {
	return registrationCommand(d)
}

func (g *HTTPGateway) unregisterMessage(deviceID string) protocol.DeviceCommandPayload {
	return protocol.DeviceCommandPayload{DeviceID: deviceID, Command: protocol.CommandUnregisterDevice}
}

// PollFrequency returns the configured poll period or the default.
func (g *HTTPGateway) PollFrequency() time.Duration {
	if g.cfg.PollFrequency > 0 {
		return g.cfg.PollFrequency
	}
	return g.opts.DefaultPollFrequency
}

// Connect marks the transport usable and starts the poll loop. The first
// poll runs immediately.
func (g *HTTPGateway) Connect(ctx context.Context) error {
	if err := g.base.Connect(ctx); err != nil {
		return err
	}
	g.startPolling()
	return nil
}

// Disconnect stops the poll loop and marks the transport unusable.
func (g *HTTPGateway) Disconnect(ctx context.Context) error {
	g.stopPolling()
	return g.base.Disconnect(ctx)
}

// RegisterDevice records d locally.
func (g *HTTPGateway) RegisterDevice(_ context.Context, d DeviceInfo) error {
	return g.storeDevice(d)
}

// UnregisterDevice removes a known device locally.
func (g *HTTPGateway) UnregisterDevice(_ context.Context, deviceID string) error {
	return g.dropDevice(deviceID)
}

// GetAllLocks fetches every lock from the gateway.
func (g *HTTPGateway) GetAllLocks(ctx context.Context) ([]protocol.DeviceStatusPayload, error) {
	var resp locksResponse
	if err := g.call(ctx, http.MethodGet, pathLocks, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Locks, nil
}

// GetDeviceStatus fetches one lock.
func (g *HTTPGateway) GetDeviceStatus(ctx context.Context, deviceID string) (*protocol.DeviceStatusPayload, error) {
	var d protocol.DeviceStatusPayload
	if err := g.call(ctx, http.MethodGet, lockPath(deviceID), nil, &d); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, deviceID, err)
		}
		return nil, err
	}
	return &d, nil
}

// ExecuteCommand posts a command to a lock.
func (g *HTTPGateway) ExecuteCommand(ctx context.Context, cmd DeviceCommand) CommandResult {
	start := time.Now()
	var resp protocol.CommandResponsePayload
	err := g.call(ctx, http.MethodPost, lockPath(cmd.DeviceID)+"/commands", commandRequest{
		Command:    cmd.Command,
		Parameters: cmd.Parameters,
	}, &resp)
	return commandResult(start, resp, err)
}

// SendPushMessage posts a push message for a device.
func (g *HTTPGateway) SendPushMessage(ctx context.Context, deviceID, message string) CommandResult {
	start := time.Now()
	var resp protocol.CommandResponsePayload
	err := g.call(ctx, http.MethodPost, pathPush, pushRequest{DeviceID: deviceID, Message: message}, &resp)
	return commandResult(start, resp, err)
}

// AddKey is not available over the REST API.
func (g *HTTPGateway) AddKey(context.Context, protocol.KeyPayload) (CommandResult, error) {
	return CommandResult{}, fmt.Errorf("%w: key add on http gateway", ErrNotImplemented)
}

// RevokeKey is not available over the REST API.
func (g *HTTPGateway) RevokeKey(context.Context, protocol.KeyPayload) (CommandResult, error) {
	return CommandResult{}, fmt.Errorf("%w: key revoke on http gateway", ErrNotImplemented)
}

// GetKeys lists the keys on a lock.
func (g *HTTPGateway) GetKeys(ctx context.Context, deviceID string) ([]protocol.KeyPayload, error) {
	var resp keysResponse
	if err := g.call(ctx, http.MethodGet, lockPath(deviceID)+"/keys", nil, &resp); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, deviceID, err)
		}
		return nil, err
	}
	return resp.Keys, nil
}

// Sync fetches the lock list and reconciles it. Safe to call while the
// poll loop runs; the synchronizer serializes passes per gateway.
func (g *HTTPGateway) Sync(ctx context.Context) (*devicesync.Result, error) {
	devices, err := g.GetAllLocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching devices from %s: %w", g.cfg.ID, err)
	}
	g.markPolled(len(devices))
	return g.reconcile(ctx, devices)
}

func (g *HTTPGateway) call(ctx context.Context, method, path string, body, out any) error {
	g.mu.RLock()
	conn := g.rest
	g.mu.RUnlock()
	if conn == nil {
		return ErrNotInitialized
	}
	data, err := conn.MakeRequest(ctx, method, path, body, nil)
	if err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnexpectedResponse, method, path, err)
	}
	return nil
}

// markPolled records a successful poll as the gateway's heartbeat.
func (g *HTTPGateway) markPolled(deviceCount int) {
	now := time.Now().UTC()
	g.mu.Lock()
	g.status.LastHeartbeat = &now
	g.status.DeviceCount = deviceCount
	g.status.UpdatedAt = now
	st := g.status
	g.mu.Unlock()
	g.notify(st)
}

func (g *HTTPGateway) startPolling() {
	g.pollMu.Lock()
	defer g.pollMu.Unlock()
	if g.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	g.pollStop = stop
	interval := g.PollFrequency()

	g.pollWg.Add(1)
	go func() {
		defer g.pollWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		g.poll(stop)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				g.poll(stop)
			}
		}
	}()
}

func (g *HTTPGateway) stopPolling() {
	g.pollMu.Lock()
	stop := g.pollStop
	g.pollStop = nil
	g.pollMu.Unlock()
	if stop != nil {
		close(stop)
		g.pollWg.Wait()
	}
}

func (g *HTTPGateway) poll(stop <-chan struct{}) {
	timeout := g.opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := g.Sync(ctx)
	switch {
	case errors.Is(err, ErrNoSynchronizer):
		g.logger.Debug("poll completed without synchronizer", "gateway_id", g.cfg.ID)
	case err != nil:
		if ctx.Err() == nil {
			g.logger.Warn("gateway poll failed", "gateway_id", g.cfg.ID, "error", err)
		}
	default:
		g.logger.Debug("gateway poll completed", "gateway_id", g.cfg.ID,
			"added", len(result.Added), "removed", len(result.Removed), "updated", len(result.Updated))
	}
}

func lockPath(deviceID string) string {
	return pathLocks + "/" + url.PathEscape(deviceID)
}

func isNotFound(err error) bool {
	var se *connection.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
