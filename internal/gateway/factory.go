package gateway

import "fmt"

// New instantiates the gateway type named by cfg.Type. The gateway is not
// initialized or connected.
func New(cfg Config, opts Options) (Gateway, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: gateway id is required", ErrInvalidConfig)
	}
	switch cfg.Type {
	case TypePhysical:
		return NewPhysicalGateway(cfg, opts)
	case TypeHTTP:
		return NewHTTPGateway(cfg, opts)
	case TypeSimulated:
		return NewSimulatedGateway(cfg, opts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
}
