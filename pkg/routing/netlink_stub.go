//go:build !linux

package routing

// NewNetlinkPlatform returns an in-memory platform on non-Linux systems.
func NewNetlinkPlatform() (*MemoryPlatform, error) {
	return NewMemoryPlatform(), nil
}
