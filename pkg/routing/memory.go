package routing

import (
	"fmt"
	"sync"
)

// MemoryPlatform keeps interface addresses and MTUs in memory. It backs
// non-Linux builds and dry runs.
type MemoryPlatform struct {
	mu    sync.Mutex
	addrs map[string][]Address
	mtus  map[string]int
}

// NewMemoryPlatform creates an empty in-memory platform.
func NewMemoryPlatform() *MemoryPlatform {
	return &MemoryPlatform{
		addrs: make(map[string][]Address),
		mtus:  make(map[string]int),
	}
}

// Close is a no-op.
func (p *MemoryPlatform) Close() {}

// ReplaceAddress stores addr, replacing one with the same local prefix.
func (p *MemoryPlatform) ReplaceAddress(ifname string, addr Address) error {
	if !addr.Local.IsValid() {
		return fmt.Errorf("invalid local prefix")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, a := range p.addrs[ifname] {
		if a.Local == addr.Local {
			p.addrs[ifname][i] = addr
			return nil
		}
	}
	p.addrs[ifname] = append(p.addrs[ifname], addr)
	return nil
}

// DeleteAddress removes addr. Not found is not an error.
func (p *MemoryPlatform) DeleteAddress(ifname string, addr Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	addrs := p.addrs[ifname]
	for i, a := range addrs {
		if a.Local == addr.Local {
			p.addrs[ifname] = append(addrs[:i], addrs[i+1:]...)
			return nil
		}
	}
	return nil
}

// SetMTU records the MTU.
func (p *MemoryPlatform) SetMTU(ifname string, mtu int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mtus[ifname] = mtu
	return nil
}

// Addresses returns the addresses of ifname.
func (p *MemoryPlatform) Addresses(ifname string) []Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Address(nil), p.addrs[ifname]...)
}

// MTU returns the MTU of ifname, or 0 if it was never set.
func (p *MemoryPlatform) MTU(ifname string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mtus[ifname]
}
