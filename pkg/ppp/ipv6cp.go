package ppp

import (
	"go.uber.org/zap"
)

// ipv6cpProto is the IPv6 Control Protocol (RFC 5072). Only the interface
// identifier is negotiated; the prefix is always fe80::/64.
type ipv6cpProto struct {
	l  *Link
	st cpState

	myID     InterfaceID
	hisID    InterfaceID
	hisKnown bool
	dynamic  bool
}

func (p *ipv6cpProto) proto() uint16  { return ProtocolIPv6CP }
func (p *ipv6cpProto) key() timerKey  { return timerIPv6CP }
func (p *ipv6cpProto) flags() cpFlags { return cpNCP }
func (p *ipv6cpProto) cp() *cpState   { return &p.st }

func (p *ipv6cpProto) up()      { p.l.upEvent(p) }
func (p *ipv6cpProto) down()    { p.l.downEvent(p) }
func (p *ipv6cpProto) close()   { p.l.closeEvent(p) }
func (p *ipv6cpProto) timeout() { p.l.toEvent(p) }

func (p *ipv6cpProto) open() {
	l := p.l
	cfg := l.cfg.IPv6CP
	if cfg.Disabled {
		return
	}

	p.dynamic = cfg.InterfaceID.IsZero()
	if p.dynamic {
		p.myID = p.randomID(InterfaceID{})
	} else {
		p.myID = cfg.InterfaceID
	}
	p.hisID = cfg.PeerInterfaceID
	p.hisKnown = !cfg.PeerInterfaceID.IsZero()

	p.st.opts = optionSet{}
	p.st.setOpt(IPv6CPOptInterfaceID)
	l.openEvent(p)
}

// randomID returns a random non-zero identifier different from avoid, with
// the universal/local bit cleared.
func (p *ipv6cpProto) randomID(avoid InterfaceID) InterfaceID {
	var id InterfaceID
	for i := 0; i < 8; i++ {
		copy(id[:], p.l.randomBytes(8))
		id[0] &^= 0x02
		if !id.IsZero() && id != avoid && id != p.myID {
			return id
		}
	}
	// Degenerate random source: walk from the last draw.
	for id.IsZero() || id == avoid || id == p.myID {
		id[7]++
	}
	return id
}

func (p *ipv6cpProto) rcr(pkt *Packet) (bool, error) {
	l := p.l
	opts, err := ParseOptions(pkt.Data)
	if err != nil {
		return false, err
	}

	var n negotiation
	seen := false
	for _, o := range opts {
		if o.Type != IPv6CPOptInterfaceID || len(o.Data) != 8 || seen {
			n.reject(o)
			continue
		}
		seen = true
	}
	if len(n.rej) > 0 {
		return l.respondConfigure(p, pkt, n), nil
	}

	for _, o := range opts {
		var desired InterfaceID
		copy(desired[:], o.Data)

		collision := desired == p.myID
		nohis := desired.IsZero()

		switch {
		case !collision && !nohis:
			p.hisID = desired
			p.hisKnown = true
		case collision && !p.hisKnown:
			l.logger.Debug("peer offered our interface identifier", zap.Stringer("ifid", desired))
			n.reject(o)
		default:
			suggest := p.hisID
			if !p.hisKnown || suggest == p.myID || suggest.IsZero() {
				suggest = p.randomID(desired)
			}
			l.logger.Debug("nak peer interface identifier",
				zap.Stringer("offered", desired),
				zap.Stringer("suggested", suggest),
			)
			n.suggest(o, ifidOption(suggest))
		}
	}

	return l.respondConfigure(p, pkt, n), nil
}

func (p *ipv6cpProto) rcnRej(opts []Option) {
	for _, o := range opts {
		if o.Type == IPv6CPOptInterfaceID {
			p.st.clearOpt(IPv6CPOptInterfaceID)
		}
	}
}

func (p *ipv6cpProto) rcnNak(opts []Option) {
	l := p.l
	for _, o := range opts {
		if o.Type != IPv6CPOptInterfaceID || len(o.Data) != 8 {
			continue
		}
		var suggested InterfaceID
		copy(suggested[:], o.Data)

		if p.dynamic && !suggested.IsZero() && (!p.hisKnown || suggested != p.hisID) {
			p.myID = suggested
			l.logger.Debug("adopting suggested interface identifier", zap.Stringer("ifid", suggested))
		} else if p.dynamic {
			p.myID = p.randomID(p.hisID)
		}
		p.st.setOpt(IPv6CPOptInterfaceID)
	}
}

func (p *ipv6cpProto) tlu() {
	l := p.l
	if err := l.host.InstallIPv6IfID(p.myID); err != nil {
		l.logger.Warn("failed to install IPv6 link-local address",
			zap.Stringer("ifid", p.myID),
			zap.Error(err),
		)
	}
	l.logger.Info("IPv6CP up",
		zap.Stringer("local", p.myID.LinkLocal()),
		zap.Stringer("remote", p.hisID.LinkLocal()),
	)
}

func (p *ipv6cpProto) tld() {}

func (p *ipv6cpProto) tls() {
	p.l.protos |= protoBit(timerIPv6CP)
}

func (p *ipv6cpProto) tlf() {
	p.l.protos &^= protoBit(timerIPv6CP)
	p.l.checkAndClose()
}

func (p *ipv6cpProto) scr() {
	var opts []Option
	if p.st.optSet(IPv6CPOptInterfaceID) {
		opts = append(opts, ifidOption(p.myID))
	}
	p.l.sendConfigRequest(p, opts)
}
