package gateway

import (
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/config"
)

// Options are transport defaults and collaborators shared by every gateway.
type Options struct {
	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration

	// HeartbeatInterval overrides the protocol-declared heartbeat period
	// for gateway types that send heartbeats. Zero uses the protocol's.
	HeartbeatInterval time.Duration

	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	RequestTimeout       time.Duration

	// ResponseTimeout is the SendMessageAndWait budget when the caller
	// passes zero. Default: 10s.
	ResponseTimeout time.Duration

	// DefaultPollFrequency applies to HTTP gateways without their own.
	// Default: 30s.
	DefaultPollFrequency time.Duration

	Simulation SimulationOptions

	// Synchronizer backs Sync and the HTTP poll loop. Optional.
	Synchronizer Synchronizer

	Logger Logger
}

// SimulationOptions tune simulated gateways. The zero value is a perfectly
// reliable simulator with no added latency.
type SimulationOptions struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	Reliability float64
	DeviceCount int
	Seed        uint64
}

// OptionsFromConfig maps the gateways config section onto Options.
func OptionsFromConfig(cfg config.GatewaysConfig) Options {
	return Options{
		HandshakeTimeout:     cfg.HandshakeTimeout,
		KeepAliveInterval:    cfg.KeepAliveInterval,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		RequestTimeout:       cfg.RequestTimeout,
		ResponseTimeout:      cfg.ResponseTimeout,
		DefaultPollFrequency: cfg.DefaultPollFrequency,
		Simulation: SimulationOptions{
			MinLatency:  cfg.Simulation.MinLatency,
			MaxLatency:  cfg.Simulation.MaxLatency,
			Reliability: cfg.Simulation.Reliability,
			DeviceCount: cfg.Simulation.DeviceCount,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 10 * time.Second
	}
	if o.DefaultPollFrequency <= 0 {
		o.DefaultPollFrequency = 30 * time.Second
	}
	if o.Simulation == (SimulationOptions{}) {
		o.Simulation.Reliability = 1
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	return o
}
