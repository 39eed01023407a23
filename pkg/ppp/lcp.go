package ppp

import (
	"encoding/binary"

	"go.uber.org/zap"
)

// lcpProto is the Link Control Protocol (RFC 1661).
type lcpProto struct {
	l  *Link
	st cpState

	magic    uint32
	mru      int // what we advertise
	theirMRU int // what the peer can receive
	echoID   uint8
}

func newLCP(l *Link) *lcpProto {
	p := &lcpProto{
		l:        l,
		st:       cpState{state: StateInitial},
		mru:      DefaultMTU,
		theirMRU: DefaultMTU,
	}
	p.st.setOpt(LCPOptMagicNumber)
	return p
}

func (p *lcpProto) proto() uint16  { return ProtocolLCP }
func (p *lcpProto) key() timerKey  { return timerLCP }
func (p *lcpProto) flags() cpFlags { return cpLCP }
func (p *lcpProto) cp() *cpState   { return &p.st }

func (p *lcpProto) up() {
	l := p.l
	now := l.now()
	l.lastActivity = now
	l.lastReceive = now

	if l.cfg.Passive || l.cfg.AutoDial {
		// An incoming call on a passive or dial-on-demand link.
		l.running = true
		if p.st.state == StateInitial {
			l.callIn = true
			p.open()
		}
	} else if l.ifUp && p.st.state == StateInitial {
		l.running = true
		p.open()
	}

	l.upEvent(p)
}

func (p *lcpProto) down() {
	l := p.l
	l.downEvent(p)

	if !l.cfg.Passive && !l.cfg.AutoDial {
		l.ifDown("carrier lost")
	} else {
		l.logger.Info("carrier lost")
	}
	l.callIn = false
	if p.st.state != StateInitial {
		p.close()
	}
	l.running = false
}

func (p *lcpProto) open() {
	l := p.l
	if l.mtu < DefaultMTU {
		p.mru = l.mtu
		p.st.setOpt(LCPOptMRU)
	} else {
		p.mru = DefaultMTU
	}
	p.theirMRU = DefaultMTU
	p.st.setOpt(LCPOptMagicNumber)

	if l.hisAuth.Proto != 0 {
		p.st.setOpt(LCPOptAuthProto)
	} else {
		p.st.clearOpt(LCPOptAuthProto)
	}
	l.needAuth = false

	l.openEvent(p)
}

func (p *lcpProto) close()   { p.l.closeEvent(p) }
func (p *lcpProto) timeout() { p.l.toEvent(p) }

func (p *lcpProto) rcr(pkt *Packet) (bool, error) {
	l := p.l
	opts, err := ParseOptions(pkt.Data)
	if err != nil {
		return false, err
	}

	var n negotiation
	for _, o := range opts {
		switch o.Type {
		case LCPOptMagicNumber, LCPOptACCM:
			if len(o.Data) != 4 {
				n.reject(o)
			}
		case LCPOptMRU:
			if len(o.Data) != 2 {
				n.reject(o)
			}
		case LCPOptAuthProto:
			if len(o.Data) < 2 {
				n.reject(o)
				continue
			}
			if binary.BigEndian.Uint16(o.Data) == ProtocolCHAP && len(o.Data) != 3 {
				n.reject(o)
				continue
			}
			if l.myAuth.Proto == 0 {
				l.logger.Info("peer requires authentication but none is configured")
				n.reject(o)
				continue
			}
			// Stay in Authenticate after LCP opens until we have
			// authenticated ourselves.
			l.needAuth = true
		default:
			n.reject(o)
		}
	}
	if len(n.rej) > 0 {
		return l.respondConfigure(p, pkt, n), nil
	}

	for _, o := range opts {
		switch o.Type {
		case LCPOptMagicNumber:
			if p.magic == 0 || binary.BigEndian.Uint32(o.Data) != p.magic {
				l.loopCnt = 0
				continue
			}
			if l.loopCnt >= LoopAliveCount*5 {
				l.loopCnt = 0
				l.loopbackDetected()
				// The request that tripped detection goes unanswered.
				return false, nil
			}
			l.loopCnt++
			// Nak with our magic inverted; seeing it again in a Nak means
			// the peer is us.
			n.suggest(o, uint32Option(LCPOptMagicNumber, ^p.magic))
		case LCPOptMRU:
			mru := int(binary.BigEndian.Uint16(o.Data))
			if mru < MinMRU || mru > l.mtu {
				l.logger.Debug("nak peer MRU", zap.Int("mru", mru), zap.Int("mtu", l.mtu))
				n.suggest(o, uint16Option(LCPOptMRU, uint16(l.mtu)))
				continue
			}
			p.theirMRU = mru
		case LCPOptAuthProto:
			proto := binary.BigEndian.Uint16(o.Data)
			if proto != l.myAuth.Proto {
				n.suggest(o, authOption(l.myAuth.Proto))
				continue
			}
			if proto == ProtocolCHAP && o.Data[2] != CHAPAlgorithmMD5 {
				n.suggest(o, authOption(ProtocolCHAP))
			}
		}
	}

	ack := l.respondConfigure(p, pkt, n)
	if ack {
		l.loopCnt = 0
	}
	return ack, nil
}

func (p *lcpProto) rcnRej(opts []Option) {
	l := p.l
	for _, o := range opts {
		switch o.Type {
		case LCPOptMagicNumber:
			p.st.clearOpt(LCPOptMagicNumber)
			p.magic = 0
		case LCPOptMRU:
			p.st.clearOpt(LCPOptMRU)
			p.mru = DefaultMTU
		case LCPOptAuthProto:
			if l.hisAuth.Flags&NoCallout != 0 && !l.callIn {
				l.logger.Info("peer refused to authenticate on outgoing call")
				p.st.clearOpt(LCPOptAuthProto)
				continue
			}
			l.logger.Warn("peer refused to authenticate, closing")
			p.close()
		}
	}
}

func (p *lcpProto) rcnNak(opts []Option) {
	l := p.l
	for _, o := range opts {
		switch o.Type {
		case LCPOptMagicNumber:
			if !p.st.optSet(LCPOptMagicNumber) || len(o.Data) != 4 {
				continue
			}
			magic := binary.BigEndian.Uint32(o.Data)
			if magic == ^p.magic {
				p.magic = p.newMagic()
				l.logger.Debug("magic collision, new magic", zap.Uint32("magic", p.magic))
			} else {
				p.magic = magic
			}
		case LCPOptMRU:
			if len(o.Data) != 2 {
				continue
			}
			mru := int(binary.BigEndian.Uint16(o.Data))
			if mru < MinMRU || mru > l.mtu {
				mru = l.mtu
			}
			p.mru = mru
			p.st.setOpt(LCPOptMRU)
		case LCPOptAuthProto:
			l.logger.Warn("peer does not accept our authentication protocol, closing")
			p.close()
		}
	}
}

func (p *lcpProto) tlu() {
	l := p.l
	if !l.ifUp && l.running {
		l.ifRaise()
	}
	l.loopback = false

	if p.st.optSet(LCPOptAuthProto) || l.needAuth {
		l.setPhase(PhaseAuthenticate)
	} else {
		l.setPhase(PhaseNetwork)
	}

	for _, cp := range l.table {
		if cp.flags()&cpAuth != 0 {
			cp.open()
		}
	}
	if l.phase == PhaseNetwork {
		for _, cp := range l.table {
			if cp.flags()&cpNCP != 0 {
				cp.open()
			}
		}
	}

	for _, cp := range l.table {
		if l.protos&protoBit(cp.key()) != 0 && cp.flags()&cpLCP == 0 {
			cp.up()
		}
	}

	if l.phase == PhaseNetwork {
		l.checkAndClose()
	}
}

func (p *lcpProto) tld() {
	l := p.l
	l.setPhase(PhaseTerminate)

	// Down before Close so the upper layers do not send Terminate-Requests
	// after the peer already sent one to us.
	for _, cp := range l.table {
		if l.protos&protoBit(cp.key()) != 0 && cp.flags()&cpLCP == 0 {
			cp.down()
			cp.close()
		}
	}
	// Unfinished authentication exchanges go with the link.
	for _, cp := range l.table {
		if cp.flags()&cpAuth != 0 {
			cp.close()
		}
	}
}

func (p *lcpProto) tls() {
	l := p.l
	if l.authLocked() {
		l.logger.Warn("authentication failure limit reached, refusing to start",
			zap.Int("failures", l.authFailures),
		)
		l.ifDown("authentication failure limit")
		return
	}
	l.setPhase(PhaseEstablish)
	if l.lowerStarted != nil {
		l.lowerStarted()
	}
}

func (p *lcpProto) tlf() {
	l := p.l
	l.setPhase(PhaseDead)
	if l.lowerFinished != nil {
		l.lowerFinished()
	}
}

func (p *lcpProto) scr() {
	l := p.l
	var opts []Option

	if p.st.optSet(LCPOptMagicNumber) {
		if p.magic == 0 {
			p.magic = p.newMagic()
		}
		opts = append(opts, uint32Option(LCPOptMagicNumber, p.magic))
	}
	if p.st.optSet(LCPOptMRU) {
		opts = append(opts, uint16Option(LCPOptMRU, uint16(p.mru)))
	}
	if p.st.optSet(LCPOptAuthProto) {
		opts = append(opts, authOption(l.hisAuth.Proto))
	}

	l.sendConfigRequest(p, opts)
}

func (p *lcpProto) newMagic() uint32 {
	for i := 0; i < 8; i++ {
		if m := p.l.random32(); m != 0 && m != p.magic {
			return m
		}
	}
	return (p.magic + 1) | 1
}

func (l *Link) rcvEchoRequest(pkt *Packet) {
	p := l.lcp
	if p.st.state != StateOpened {
		l.logger.Debug("echo-request while LCP not opened")
		l.stats.ierrors++
		return
	}
	if len(pkt.Data) < 4 {
		l.inputError("lcp", ErrMalformedPacket)
		return
	}

	magic := binary.BigEndian.Uint32(pkt.Data[0:4])
	if p.st.optSet(LCPOptMagicNumber) && magic == p.magic {
		l.logger.Warn("echo-request carries our magic")
		l.loopbackDetected()
		return
	}

	reply := make([]byte, len(pkt.Data))
	copy(reply, pkt.Data)
	ours := uint32(0)
	if p.st.optSet(LCPOptMagicNumber) {
		ours = p.magic
	}
	binary.BigEndian.PutUint32(reply[0:4], ours)
	l.sendRejectData(ProtocolLCP, CodeEchoReply, pkt.Identifier, nil, reply)
}

func (l *Link) rcvEchoReply(pkt *Packet) {
	p := l.lcp
	if pkt.Identifier != p.echoID {
		l.stats.ierrors++
		return
	}
	if len(pkt.Data) < 4 {
		l.inputError("lcp", ErrMalformedPacket)
		return
	}

	magic := binary.BigEndian.Uint32(pkt.Data[0:4])
	if !p.st.optSet(LCPOptMagicNumber) || magic != p.magic {
		l.aliveCnt = 0
	}
}

// checkAndClose closes LCP once no NCP is left in the Network phase.
func (l *Link) checkAndClose() {
	if l.phase < PhaseNetwork {
		return
	}
	for _, cp := range l.table {
		if cp.flags()&cpNCP != 0 && l.protos&protoBit(cp.key()) != 0 {
			return
		}
	}
	l.logger.Info("no network protocols running, closing LCP")
	l.lcp.close()
}

// phaseNetwork enters the Network phase once authentication is complete.
func (l *Link) phaseNetwork() {
	l.setPhase(PhaseNetwork)

	for _, cp := range l.table {
		if cp.flags()&cpNCP != 0 {
			cp.open()
		}
	}
	for _, cp := range l.table {
		if cp.flags()&cpNCP != 0 && l.protos&protoBit(cp.key()) != 0 {
			cp.up()
		}
	}

	l.checkAndClose()
}
