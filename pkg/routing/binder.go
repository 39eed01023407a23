package routing

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/sppp/pkg/ppp"
)

// ErrNotIPv4 is returned when InstallIPv4 is given a non-IPv4 address.
var ErrNotIPv4 = errors.New("not an IPv4 address")

// Address is an interface address with an optional point-to-point peer.
type Address struct {
	Local netip.Prefix
	Peer  netip.Prefix
}

func (a Address) String() string {
	if a.Peer.IsValid() {
		return fmt.Sprintf("%s peer %s", a.Local, a.Peer)
	}
	return a.Local.String()
}

// Platform configures addresses and MTU of a host interface.
type Platform interface {
	// ReplaceAddress adds addr to ifname, replacing an existing entry for
	// the same local address.
	ReplaceAddress(ifname string, addr Address) error
	DeleteAddress(ifname string, addr Address) error
	SetMTU(ifname string, mtu int) error
	Close()
}

// Binder applies IPCP and IPv6CP results to one host interface. It
// implements ppp.HostStack.
type Binder struct {
	platform Platform
	ifname   string
	logger   *zap.Logger

	mu  sync.Mutex
	v4  *Address
	v6  *Address
	mtu int
}

var _ ppp.HostStack = (*Binder)(nil)

// NewBinder creates a binder for ifname.
func NewBinder(platform Platform, ifname string, logger *zap.Logger) *Binder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder{
		platform: platform,
		ifname:   ifname,
		logger:   logger.With(zap.String("interface", ifname)),
	}
}

// InstallIPv4 sets local/32 with remote as the point-to-point peer.
func (b *Binder) InstallIPv4(local, remote netip.Addr) error {
	if !local.Is4() {
		return fmt.Errorf("install %s: %w", local, ErrNotIPv4)
	}
	addr := Address{Local: netip.PrefixFrom(local, 32)}
	if remote.Is4() && !remote.IsUnspecified() {
		addr.Peer = netip.PrefixFrom(remote, 32)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.replace(&b.v4, addr); err != nil {
		return err
	}
	b.logger.Info("IPv4 address installed", zap.Stringer("address", addr))
	return nil
}

// ClearIPv4 removes the address set by InstallIPv4.
func (b *Binder) ClearIPv4() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.v4 == nil {
		return nil
	}
	old := *b.v4
	b.v4 = nil
	if err := b.platform.DeleteAddress(b.ifname, old); err != nil {
		return fmt.Errorf("delete %s: %w", old, err)
	}
	b.logger.Info("IPv4 address removed", zap.Stringer("address", old))
	return nil
}

// InstallIPv6IfID sets the fe80::/64 link-local address formed from id. A
// zero identifier removes it.
func (b *Binder) InstallIPv6IfID(id ppp.InterfaceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id.IsZero() {
		if b.v6 == nil {
			return nil
		}
		old := *b.v6
		b.v6 = nil
		return b.platform.DeleteAddress(b.ifname, old)
	}

	addr := Address{Local: netip.PrefixFrom(id.LinkLocal(), 64)}
	if err := b.replace(&b.v6, addr); err != nil {
		return err
	}
	b.logger.Info("IPv6 link-local address installed", zap.Stringer("address", addr))
	return nil
}

// SetMTU sets the interface MTU.
func (b *Binder) SetMTU(mtu int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if mtu == b.mtu {
		return nil
	}
	if err := b.platform.SetMTU(b.ifname, mtu); err != nil {
		return fmt.Errorf("set mtu %d: %w", mtu, err)
	}
	b.mtu = mtu
	b.logger.Debug("MTU set", zap.Int("mtu", mtu))
	return nil
}

// Addresses returns the installed IPv4 and IPv6 addresses.
func (b *Binder) Addresses() (v4, v6 Address, ok4, ok6 bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.v4 != nil {
		v4, ok4 = *b.v4, true
	}
	if b.v6 != nil {
		v6, ok6 = *b.v6, true
	}
	return v4, v6, ok4, ok6
}

// replace installs addr in *slot, removing a different address first.
func (b *Binder) replace(slot **Address, addr Address) error {
	if cur := *slot; cur != nil && *cur != addr {
		if err := b.platform.DeleteAddress(b.ifname, *cur); err != nil {
			b.logger.Warn("failed to remove previous address",
				zap.Stringer("address", *cur), zap.Error(err))
		}
		*slot = nil
	}
	if err := b.platform.ReplaceAddress(b.ifname, addr); err != nil {
		return fmt.Errorf("add %s: %w", addr, err)
	}
	*slot = &addr
	return nil
}
