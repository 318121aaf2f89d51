package protocol

import (
	"fmt"
	"sync"
)

// Factory hands out one Protocol instance per version.
type Factory struct {
	mu    sync.Mutex
	cache map[string]Protocol
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{cache: make(map[string]Protocol)}
}

// Get returns the cached Protocol for version, creating it on first use.
// An empty version selects VersionCurrent.
func (f *Factory) Get(version string) (Protocol, error) {
	if version == "" {
		version = VersionCurrent
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.cache[version]; ok {
		return p, nil
	}
	caps, ok := versionCapabilities(version)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
	p := newJSONProtocol(caps)
	f.cache[version] = p
	return p, nil
}

var defaultFactory = NewFactory()

// Get returns the process-wide cached Protocol for version.
func Get(version string) (Protocol, error) {
	return defaultFactory.Get(version)
}

// SupportedVersions lists the versions Get accepts.
func SupportedVersions() []string {
	return []string{VersionLegacy, VersionCurrent, VersionTest}
}
