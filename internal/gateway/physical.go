package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/connection"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/protocol"
)

// PhysicalGateway is on-site gateway hardware reached over a persistent
// websocket.
type PhysicalGateway struct {
	*base
}

// NewPhysicalGateway builds a websocket-backed gateway. Call Initialize or
// Connect before use.
func NewPhysicalGateway(cfg Config, opts Options) (*PhysicalGateway, error) {
	if cfg.ConnectionURL == "" {
		return nil, fmt.Errorf("%w: physical gateway %s needs a connection url", ErrInvalidConfig, cfg.ID)
	}
	cfg.Type = TypePhysical
	g := &PhysicalGateway{}
	g.base = newBase(cfg, opts, g)
	return g, nil
}

func (g *PhysicalGateway) capabilities() Capabilities {
	return Capabilities{
		ProtocolVersions:         []string{protocol.VersionLegacy, protocol.VersionCurrent},
		DeviceTypes:              []string{"blulok", "access_control", "sensor"},
		MaxConcurrentConnections: 1,
		FirmwareUpdate:           true,
		RemoteAccess:             true,
		KeyManagement:            true,
		HeartbeatInterval:        30 * time.Second,
	}
}

func (g *PhysicalGateway) defaultProtocolVersion() string {
	return protocol.VersionCurrent
}

func (g *PhysicalGateway) newConnection(protocol.Protocol) (connection.Connection, error) {
	header := http.Header{}
	if g.cfg.APIKey != "" {
		header.Set(connection.APIKeyHeader, g.cfg.APIKey)
	}
	return connection.NewWebSocketConnection(connection.WebSocketConfig{
		URL:                  g.cfg.ConnectionURL,
		Header:               header,
		HandshakeTimeout:     g.opts.HandshakeTimeout,
		KeepAliveInterval:    g.opts.KeepAliveInterval,
		ReconnectBaseDelay:   g.opts.ReconnectBaseDelay,
		MaxReconnectAttempts: g.opts.MaxReconnectAttempts,
		InsecureSkipVerify:   g.cfg.IgnoreTLSValidation,
		Logger:               g.logger,
	})
}

func (g *PhysicalGateway) registerMessage(d DeviceInfo) protocol.DeviceCommandPayload {
	return registrationCommand(d)
}

func (g *PhysicalGateway) unregisterMessage(deviceID string) protocol.DeviceCommandPayload {
	return protocol.DeviceCommandPayload{DeviceID: deviceID, Command: protocol.CommandUnregisterDevice}
}

// AddKey installs a credential. Key management v2 pushes keys into the lock
// itself and has no agreed firmware encoding yet.
func (g *PhysicalGateway) AddKey(ctx context.Context, key protocol.KeyPayload) (CommandResult, error) {
	if g.cfg.KeyManagementVersion == KeyManagementV2 {
		return CommandResult{}, fmt.Errorf("%w: key distribution to lock (key management %s)", ErrNotImplemented, KeyManagementV2)
	}
	return g.base.AddKey(ctx, key)
}

// RevokeKey removes a credential. See AddKey for key management v2.
func (g *PhysicalGateway) RevokeKey(ctx context.Context, key protocol.KeyPayload) (CommandResult, error) {
	if g.cfg.KeyManagementVersion == KeyManagementV2 {
		return CommandResult{}, fmt.Errorf("%w: key revocation on lock (key management %s)", ErrNotImplemented, KeyManagementV2)
	}
	return g.base.RevokeKey(ctx, key)
}

func registrationCommand(d DeviceInfo) protocol.DeviceCommandPayload {
	params := map[string]any{}
	if d.Serial != "" {
		params["serial"] = d.Serial
	}
	if d.DeviceType != "" {
		params["deviceType"] = d.DeviceType
	}
	for k, v := range d.Metadata {
		params[k] = v
	}
	return protocol.DeviceCommandPayload{DeviceID: d.ID, Command: protocol.CommandRegisterDevice, Parameters: params}
}
