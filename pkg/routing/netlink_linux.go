//go:build linux

package routing

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"github.com/vishvananda/netlink"
)

// NetlinkPlatform implements Platform using Linux netlink.
type NetlinkPlatform struct {
	// Handle for netlink operations
	handle *netlink.Handle
}

// NewNetlinkPlatform creates a new Linux netlink platform.
func NewNetlinkPlatform() (*NetlinkPlatform, error) {
	handle, err := netlink.NewHandle(syscall.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("create netlink handle: %w", err)
	}

	return &NetlinkPlatform{
		handle: handle,
	}, nil
}

// Close releases the netlink handle.
func (p *NetlinkPlatform) Close() {
	if p.handle != nil {
		p.handle.Close()
	}
}

// ReplaceAddress adds or replaces an interface address.
func (p *NetlinkPlatform) ReplaceAddress(ifname string, addr Address) error {
	link, err := p.handle.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("get interface %s: %w", ifname, err)
	}

	if err := p.handle.AddrReplace(link, toNetlinkAddr(addr)); err != nil {
		return fmt.Errorf("replace address: %w", err)
	}
	return nil
}

// DeleteAddress removes an interface address. A missing address is not an
// error.
func (p *NetlinkPlatform) DeleteAddress(ifname string, addr Address) error {
	link, err := p.handle.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("get interface %s: %w", ifname, err)
	}

	if err := p.handle.AddrDel(link, toNetlinkAddr(addr)); err != nil {
		// EADDRNOTAVAIL means the address is already gone
		if errors.Is(err, syscall.EADDRNOTAVAIL) {
			return nil
		}
		return fmt.Errorf("delete address: %w", err)
	}
	return nil
}

// SetMTU sets the interface MTU.
func (p *NetlinkPlatform) SetMTU(ifname string, mtu int) error {
	link, err := p.handle.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("get interface %s: %w", ifname, err)
	}

	if err := p.handle.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("set mtu: %w", err)
	}
	return nil
}

func toNetlinkAddr(addr Address) *netlink.Addr {
	nl := &netlink.Addr{IPNet: prefixToIPNet(addr.Local)}
	if addr.Peer.IsValid() {
		nl.Peer = prefixToIPNet(addr.Peer)
	}
	return nl
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	bits := 32
	if p.Addr().Is6() {
		bits = 128
	}
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), bits),
	}
}
