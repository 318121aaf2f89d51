package gateway

import (
	"fmt"
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/connection"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/protocol"
)

// SimulatedGateway runs against an in-process simulated transport. It is
// used for local development and tests.
type SimulatedGateway struct {
	*base
	sim *connection.SimulatedConnection
}

// NewSimulatedGateway builds a simulated gateway.
func NewSimulatedGateway(cfg Config, opts Options) (*SimulatedGateway, error) {
	cfg.Type = TypeSimulated
	g := &SimulatedGateway{}
	g.base = newBase(cfg, opts, g)
	return g, nil
}

func (g *SimulatedGateway) capabilities() Capabilities {
	return Capabilities{
		ProtocolVersions:         []string{protocol.VersionLegacy, protocol.VersionCurrent, protocol.VersionTest},
		DeviceTypes:              []string{"blulok", "access_control", "sensor"},
		MaxConcurrentConnections: 1,
		FirmwareUpdate:           true,
		RemoteAccess:             true,
		KeyManagement:            true,
		HeartbeatInterval:        5 * time.Second,
	}
}

func (g *SimulatedGateway) defaultProtocolVersion() string {
	return protocol.VersionTest
}

func (g *SimulatedGateway) newConnection(p protocol.Protocol) (connection.Connection, error) {
	sim := g.opts.Simulation
	conn, err := connection.NewSimulatedConnection(connection.SimulatedConfig{
		GatewayID:       g.cfg.ID,
		ProtocolVersion: p.Version(),
		MinLatency:      sim.MinLatency,
		MaxLatency:      sim.MaxLatency,
		Reliability:     sim.Reliability,
		Seed:            sim.Seed,
		DeviceCount:     sim.DeviceCount,
		Logger:          g.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("simulated gateway %s: %w", g.cfg.ID, err)
	}
	g.sim = conn
	return conn, nil
}

func (g *SimulatedGateway) registerMessage(d DeviceInfo) protocol.DeviceCommandPayload {
	return registrationCommand(d)
}

func (g *SimulatedGateway) unregisterMessage(deviceID string) protocol.DeviceCommandPayload {
	return protocol.DeviceCommandPayload{DeviceID: deviceID, Command: protocol.CommandUnregisterDevice}
}

// Simulator returns the simulated transport, or nil before Initialize.
func (g *SimulatedGateway) Simulator() *connection.SimulatedConnection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sim
}
