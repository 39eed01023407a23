package ppp

import (
	"net/netip"

	"go.uber.org/zap"
)

type ipcpFlags int

const (
	ipcpMyAddrDyn ipcpFlags = 1 << iota
	ipcpMyAddrSeen
	ipcpHisAddrDyn
	ipcpHisAddrSeen
)

// ipcpProto is the IP Control Protocol (RFC 1332, DNS per RFC 1877).
type ipcpProto struct {
	l  *Link
	st cpState

	addrFlags  ipcpFlags
	reqMyAddr  netip.Addr
	reqHisAddr netip.Addr
	dns        [2]netip.Addr

	local, remote netip.Addr // installed addresses
	installed     bool
}

func (p *ipcpProto) proto() uint16  { return ProtocolIPCP }
func (p *ipcpProto) key() timerKey  { return timerIPCP }
func (p *ipcpProto) flags() cpFlags { return cpNCP }
func (p *ipcpProto) cp() *cpState   { return &p.st }

func (p *ipcpProto) up()      { p.l.upEvent(p) }
func (p *ipcpProto) down()    { p.l.downEvent(p) }
func (p *ipcpProto) timeout() { p.l.toEvent(p) }

func dynamicAddr(a netip.Addr) bool {
	return !a.IsValid() || a.IsUnspecified()
}

func (p *ipcpProto) open() {
	l := p.l
	cfg := l.cfg.IPCP
	if cfg.Disabled {
		return
	}

	p.addrFlags = 0
	p.reqMyAddr = netip.Addr{}
	p.reqHisAddr = netip.Addr{}
	p.dns = [2]netip.Addr{}
	p.st.opts = optionSet{}

	if dynamicAddr(cfg.Local) {
		p.addrFlags |= ipcpMyAddrDyn
	}
	if dynamicAddr(cfg.Remote) {
		p.addrFlags |= ipcpHisAddrDyn
	}
	p.st.setOpt(IPCPOptIPAddress)
	if cfg.DNSQuery&1 != 0 {
		p.st.setOpt(IPCPOptPrimaryDNS)
	}
	if cfg.DNSQuery&2 != 0 {
		p.st.setOpt(IPCPOptSecondaryDNS)
	}

	l.openEvent(p)
}

func (p *ipcpProto) close() {
	l := p.l
	l.closeEvent(p)

	if p.installed {
		if err := l.host.ClearIPv4(); err != nil {
			l.logger.Warn("failed to clear IPv4 addresses", zap.Error(err))
		}
		p.installed = false
		p.local = netip.Addr{}
		p.remote = netip.Addr{}
	}
	if l.savedMTU > 0 {
		l.mtu = l.savedMTU
		l.savedMTU = 0
		if err := l.host.SetMTU(l.mtu); err != nil {
			l.logger.Warn("failed to restore MTU", zap.Int("mtu", l.mtu), zap.Error(err))
		}
	}
}

func (p *ipcpProto) rcr(pkt *Packet) (bool, error) {
	l := p.l
	opts, err := ParseOptions(pkt.Data)
	if err != nil {
		return false, err
	}

	var n negotiation
	for _, o := range opts {
		if o.Type != IPCPOptIPAddress || len(o.Data) != 4 {
			n.reject(o)
		}
	}
	if len(n.rej) > 0 {
		return l.respondConfigure(p, pkt, n), nil
	}

	remote := l.cfg.IPCP.Remote
	dyn := p.addrFlags&ipcpHisAddrDyn != 0
	for _, o := range opts {
		desired := optionAddr(o)
		if (!dyn && desired == remote) || (dyn && !desired.IsUnspecified()) {
			p.addrFlags |= ipcpHisAddrSeen
			p.reqHisAddr = desired
			continue
		}
		// Either the peer asked for an address (0.0.0.0) or offered one we
		// do not agree with. Both get our idea of its address, which is
		// 0.0.0.0 again when neither side knows it; the failure counter
		// turns the loop into a Reject.
		l.logger.Debug("nak peer address",
			zap.Stringer("offered", desired),
			zap.Stringer("configured", remote),
		)
		n.suggest(o, addrOption(IPCPOptIPAddress, remote))
	}

	// A peer that leaves its address out gets told the one we expect.
	if len(n.rej) == 0 && len(n.nak) == 0 && !dyn && p.addrFlags&ipcpHisAddrSeen == 0 {
		opt := addrOption(IPCPOptIPAddress, remote)
		n.suggest(opt, opt)
	}

	return l.respondConfigure(p, pkt, n), nil
}

func (p *ipcpProto) rcnRej(opts []Option) {
	for _, o := range opts {
		switch o.Type {
		case IPCPOptIPAddress, IPCPOptPrimaryDNS, IPCPOptSecondaryDNS:
			p.st.clearOpt(o.Type)
		}
	}
}

func (p *ipcpProto) rcnNak(opts []Option) {
	l := p.l
	for _, o := range opts {
		if len(o.Data) != 4 {
			continue
		}
		addr := optionAddr(o)
		switch o.Type {
		case IPCPOptIPAddress:
			if p.addrFlags&ipcpMyAddrDyn == 0 {
				l.logger.Debug("ignoring address nak, local address is static", zap.Stringer("addr", addr))
				continue
			}
			p.addrFlags |= ipcpMyAddrSeen
			p.reqMyAddr = addr
			l.logger.Debug("peer assigned address", zap.Stringer("addr", addr))
		case IPCPOptPrimaryDNS:
			p.dns[0] = addr
		case IPCPOptSecondaryDNS:
			p.dns[1] = addr
		}
	}
}

func (p *ipcpProto) ourAddr() netip.Addr {
	if p.addrFlags&ipcpMyAddrSeen != 0 {
		return p.reqMyAddr
	}
	if dynamicAddr(p.l.cfg.IPCP.Local) {
		return netip.IPv4Unspecified()
	}
	return p.l.cfg.IPCP.Local
}

func (p *ipcpProto) tlu() {
	l := p.l
	p.local = p.ourAddr()
	if p.addrFlags&ipcpHisAddrSeen != 0 {
		p.remote = p.reqHisAddr
	} else {
		p.remote = l.cfg.IPCP.Remote
	}

	if err := l.host.InstallIPv4(p.local, p.remote); err != nil {
		l.logger.Warn("failed to install IPv4 addresses",
			zap.Stringer("local", p.local),
			zap.Stringer("remote", p.remote),
			zap.Error(err),
		)
	}
	p.installed = true
	l.logger.Info("IPCP up",
		zap.Stringer("local", p.local),
		zap.Stringer("remote", p.remote),
		zap.Stringer("dns1", p.dns[0]),
		zap.Stringer("dns2", p.dns[1]),
	)

	if l.mtu > l.lcp.theirMRU {
		l.savedMTU = l.mtu
		l.mtu = l.lcp.theirMRU
		if err := l.host.SetMTU(l.mtu); err != nil {
			l.logger.Warn("failed to set MTU", zap.Int("mtu", l.mtu), zap.Error(err))
		}
	}
}

func (p *ipcpProto) tld() {}

func (p *ipcpProto) tls() {
	// LCP must stay up for us.
	p.l.protos |= protoBit(timerIPCP)
}

func (p *ipcpProto) tlf() {
	p.l.protos &^= protoBit(timerIPCP)
	p.l.checkAndClose()
}

func (p *ipcpProto) scr() {
	var opts []Option
	if p.st.optSet(IPCPOptIPAddress) {
		opts = append(opts, addrOption(IPCPOptIPAddress, p.ourAddr()))
	}
	if p.st.optSet(IPCPOptPrimaryDNS) {
		opts = append(opts, addrOption(IPCPOptPrimaryDNS, p.dns[0]))
	}
	if p.st.optSet(IPCPOptSecondaryDNS) {
		opts = append(opts, addrOption(IPCPOptSecondaryDNS, p.dns[1]))
	}
	p.l.sendConfigRequest(p, opts)
}
