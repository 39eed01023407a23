package ppp

import (
	"encoding/binary"

	"go.uber.org/zap"
)

// cpFlags classify a control protocol for LCP's phase handling.
type cpFlags int

const (
	cpLCP  cpFlags = 1 << iota // the link control protocol itself
	cpAuth                     // opened when LCP enters Authenticate
	cpNCP                      // opened when the link enters Network
)

// controlProtocol is implemented by every protocol that runs on the
// RFC 1661 automaton. The automaton itself lives on Link and drives these
// hooks; all methods are called with the Link lock held.
type controlProtocol interface {
	proto() uint16
	key() timerKey
	flags() cpFlags
	cp() *cpState

	up()
	down()
	open()
	close()
	timeout()

	// rcr analyses a Configure-Request, sends the Ack, Nak or Reject and
	// reports whether it was acknowledged. An error means the packet was
	// malformed and nothing was sent.
	rcr(pkt *Packet) (bool, error)
	rcnRej(opts []Option)
	rcnNak(opts []Option)

	tlu() // This-Layer-Up
	tld() // This-Layer-Down
	tls() // This-Layer-Started
	tlf() // This-Layer-Finished
	scr() // Send-Configure-Request
}

// cpState is the per-protocol automaton state of a Link.
type cpState struct {
	state  State
	seq    uint8 // identifier of the last packet we originated
	confID uint8 // identifier of our outstanding Configure-Request
	rst    int   // restart counter
	fail   int   // consecutive Naks sent
	opts   optionSet
}

// optionSet is a bitmap of option types we include in Configure-Requests.
type optionSet [4]uint64

func (s *cpState) nextID() uint8 {
	s.seq++
	return s.seq
}

func (s *cpState) optSet(t uint8) bool { return s.opts[t>>6]&(1<<(t&63)) != 0 }
func (s *cpState) setOpt(t uint8)      { s.opts[t>>6] |= 1 << (t & 63) }
func (s *cpState) clearOpt(t uint8)    { s.opts[t>>6] &^= 1 << (t & 63) }

// negotiation is the outcome of analysing a peer's Configure-Request.
// nakSrc holds the peer's original options behind each Nak entry so that an
// escalated round rejects what the peer actually sent.
type negotiation struct {
	rej    []Option
	nak    []Option
	nakSrc []Option
}

func (n *negotiation) reject(o Option) { n.rej = append(n.rej, o) }

func (n *negotiation) suggest(orig, o Option) {
	n.nak = append(n.nak, o)
	n.nakSrc = append(n.nakSrc, orig)
}

// changeState moves p to next and starts or stops its restart timer.
func (l *Link) changeState(p controlProtocol, next State) {
	st := p.cp()
	prev := st.state
	st.state = next

	if prev != next {
		l.logger.Debug("state change",
			zap.String("proto", ProtocolName(p.proto())),
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
		)
		l.observer.StateChanged(l.name, ProtocolName(p.proto()), prev, next)
	}

	if next.timed() {
		if !l.timers.pending(p.key()) {
			l.timers.arm(p.key(), l.cfg.RestartTimer, p.timeout)
		}
	} else {
		l.timers.cancel(p.key())
	}
}

func (l *Link) illegal(p controlProtocol, event string) {
	l.logger.Debug("illegal event",
		zap.String("proto", ProtocolName(p.proto())),
		zap.String("event", event),
		zap.String("state", p.cp().state.String()),
	)
}

// startRefused reports whether p is LCP and the authentication failure
// budget is spent. A locked link never sends a Configure-Request.
func (l *Link) startRefused(p controlProtocol, event string) bool {
	if p.flags()&cpLCP == 0 || !l.authLocked() {
		return false
	}
	l.logger.Warn("authentication failure limit reached, refusing to start LCP",
		zap.String("event", event),
		zap.Int("failures", l.authFailures),
	)
	return true
}

// upEvent: lower layer is up.
func (l *Link) upEvent(p controlProtocol) {
	st := p.cp()
	switch st.state {
	case StateInitial:
		l.changeState(p, StateClosed)
	case StateStarting:
		if l.startRefused(p, "up") {
			return
		}
		st.rst = l.cfg.MaxConfigure
		p.scr()
		l.changeState(p, StateReqSent)
	default:
		l.illegal(p, "up")
	}
}

// downEvent: lower layer is down.
func (l *Link) downEvent(p controlProtocol) {
	st := p.cp()
	switch st.state {
	case StateClosed, StateClosing:
		l.changeState(p, StateInitial)
	case StateStopped:
		p.tls()
		l.changeState(p, StateStarting)
	case StateStopping, StateReqSent, StateAckRcvd, StateAckSent:
		l.changeState(p, StateStarting)
	case StateOpened:
		p.tld()
		l.changeState(p, StateStarting)
	default:
		l.illegal(p, "down")
	}
}

// openEvent: administrative Open.
func (l *Link) openEvent(p controlProtocol) {
	st := p.cp()
	switch st.state {
	case StateInitial:
		p.tls()
		l.changeState(p, StateStarting)
	case StateStarting, StateStopped, StateReqSent, StateAckRcvd, StateAckSent, StateOpened:
	case StateClosed:
		if l.startRefused(p, "open") {
			return
		}
		st.rst = l.cfg.MaxConfigure
		p.scr()
		l.changeState(p, StateReqSent)
	case StateClosing:
		l.changeState(p, StateStopping)
	}
}

// closeEvent: administrative Close.
func (l *Link) closeEvent(p controlProtocol) {
	st := p.cp()
	switch st.state {
	case StateInitial, StateClosed, StateClosing:
	case StateStarting:
		p.tlf()
		l.changeState(p, StateInitial)
	case StateStopped:
		l.changeState(p, StateClosed)
	case StateStopping:
		l.changeState(p, StateClosing)
	case StateOpened:
		p.tld()
		fallthrough
	case StateReqSent, StateAckRcvd, StateAckSent:
		st.rst = l.cfg.MaxTerminate
		l.sendTermRequest(p)
		l.changeState(p, StateClosing)
	}
}

// toEvent: the restart timer fired.
func (l *Link) toEvent(p controlProtocol) {
	st := p.cp()
	l.logger.Debug("timeout",
		zap.String("proto", ProtocolName(p.proto())),
		zap.String("state", st.state.String()),
		zap.Int("rst", st.rst),
	)

	st.rst--
	if st.rst < 0 {
		// TO-
		switch st.state {
		case StateClosing:
			l.changeState(p, StateClosed)
			p.tlf()
		case StateStopping, StateReqSent, StateAckRcvd, StateAckSent:
			l.changeState(p, StateStopped)
			p.tlf()
		}
		return
	}

	// TO+
	switch st.state {
	case StateClosing, StateStopping:
		l.sendTermRequest(p)
		l.changeState(p, st.state)
	case StateReqSent, StateAckRcvd:
		p.scr()
		l.changeState(p, StateReqSent)
	case StateAckSent:
		p.scr()
		l.changeState(p, StateAckSent)
	}
}

// cpInput runs a received control packet through the automaton.
func (l *Link) cpInput(p controlProtocol, payload []byte) {
	pkt, err := ParsePacket(payload)
	if err != nil {
		l.inputError(ProtocolName(p.proto()), err)
		return
	}
	st := p.cp()

	l.logger.Debug("input",
		zap.String("proto", ProtocolName(p.proto())),
		zap.String("code", CodeName(pkt.Code)),
		zap.Uint8("id", pkt.Identifier),
		zap.String("state", st.state.String()),
	)

	isLCP := p.flags()&cpLCP != 0

	switch {
	case pkt.Code == CodeConfigRequest:
		l.rcvConfigRequest(p, pkt)
	case pkt.Code == CodeConfigAck:
		l.rcvConfigAck(p, pkt)
	case pkt.Code == CodeConfigNak || pkt.Code == CodeConfigReject:
		l.rcvConfigNakRej(p, pkt)
	case pkt.Code == CodeTermRequest:
		l.rcvTermRequest(p, pkt)
	case pkt.Code == CodeTermAck:
		l.rcvTermAck(p)
	case pkt.Code == CodeCodeReject:
		l.rcvCodeReject(p, pkt)
	case pkt.Code == CodeProtoReject && isLCP:
		l.rcvProtoReject(p, pkt)
	case pkt.Code == CodeEchoRequest && isLCP:
		l.rcvEchoRequest(pkt)
	case pkt.Code == CodeEchoReply && isLCP:
		l.rcvEchoReply(pkt)
	case pkt.Code == CodeDiscardReq && isLCP:
	default:
		l.logger.Debug("unknown code, sending code-reject",
			zap.String("proto", ProtocolName(p.proto())),
			zap.Uint8("code", pkt.Code),
		)
		l.sendRejectData(p.proto(), CodeCodeReject, st.nextID(), nil, payload[:pkt.Length])
		l.stats.ierrors++
	}
}

func (l *Link) rcvConfigRequest(p controlProtocol, pkt *Packet) {
	st := p.cp()
	switch st.state {
	case StateClosed:
		l.sendTermAck(p, pkt.Identifier)
		return
	case StateClosing, StateStopping:
		return
	case StateInitial, StateStarting:
		l.illegal(p, "rcr")
		l.stats.ierrors++
		return
	case StateStopped:
		if l.startRefused(p, "rcr") {
			return
		}
	}

	ack, err := p.rcr(pkt)
	if err != nil {
		l.inputError(ProtocolName(p.proto()), err)
		return
	}

	switch st.state {
	case StateOpened:
		p.tld()
		p.scr()
		fallthrough
	case StateReqSent, StateAckSent:
		if ack {
			l.changeState(p, StateAckSent)
		} else {
			l.changeState(p, StateReqSent)
		}
	case StateStopped:
		st.rst = l.cfg.MaxConfigure
		p.scr()
		if ack {
			l.changeState(p, StateAckSent)
		} else {
			l.changeState(p, StateReqSent)
		}
	case StateAckRcvd:
		if ack {
			l.changeState(p, StateOpened)
			p.tlu()
		} else {
			l.changeState(p, StateReqSent)
		}
	}
}

func (l *Link) rcvConfigAck(p controlProtocol, pkt *Packet) {
	st := p.cp()
	if pkt.Identifier != st.confID {
		l.logger.Debug("conf-ack id mismatch",
			zap.String("proto", ProtocolName(p.proto())),
			zap.Uint8("got", pkt.Identifier),
			zap.Uint8("want", st.confID),
		)
		l.stats.ierrors++
		return
	}

	switch st.state {
	case StateClosed, StateStopped:
		l.sendTermAck(p, pkt.Identifier)
	case StateClosing, StateStopping:
	case StateReqSent:
		st.rst = l.cfg.MaxConfigure
		l.changeState(p, StateAckRcvd)
	case StateOpened:
		p.tld()
		fallthrough
	case StateAckRcvd:
		p.scr()
		l.changeState(p, StateReqSent)
	case StateAckSent:
		st.rst = l.cfg.MaxConfigure
		l.changeState(p, StateOpened)
		p.tlu()
	default:
		l.illegal(p, "rca")
		l.stats.ierrors++
	}
}

func (l *Link) rcvConfigNakRej(p controlProtocol, pkt *Packet) {
	st := p.cp()
	if pkt.Identifier != st.confID {
		l.logger.Debug("conf-nak/rej id mismatch",
			zap.String("proto", ProtocolName(p.proto())),
			zap.Uint8("got", pkt.Identifier),
			zap.Uint8("want", st.confID),
		)
		l.stats.ierrors++
		return
	}

	opts, err := ParseOptions(pkt.Data)
	if err != nil {
		l.inputError(ProtocolName(p.proto()), err)
		return
	}
	if pkt.Code == CodeConfigNak {
		p.rcnNak(opts)
	} else {
		p.rcnRej(opts)
	}

	switch st.state {
	case StateClosed, StateStopped:
		l.sendTermAck(p, pkt.Identifier)
	case StateReqSent, StateAckSent:
		st.rst = l.cfg.MaxConfigure
		p.scr()
	case StateOpened:
		p.tld()
		fallthrough
	case StateAckRcvd:
		p.scr()
		l.changeState(p, StateReqSent)
	case StateClosing, StateStopping:
	default:
		l.illegal(p, "rcn")
		l.stats.ierrors++
	}
}

func (l *Link) rcvTermRequest(p controlProtocol, pkt *Packet) {
	st := p.cp()
	switch st.state {
	case StateAckRcvd, StateAckSent:
		l.changeState(p, StateReqSent)
		l.sendTermAck(p, pkt.Identifier)
	case StateClosed, StateStopped, StateClosing, StateStopping, StateReqSent:
		l.sendTermAck(p, pkt.Identifier)
	case StateOpened:
		p.tld()
		st.rst = 0
		l.changeState(p, StateStopping)
		l.sendTermAck(p, pkt.Identifier)
	default:
		l.illegal(p, "rtr")
		l.stats.ierrors++
	}
}

func (l *Link) rcvTermAck(p controlProtocol) {
	st := p.cp()
	switch st.state {
	case StateClosed, StateStopped, StateReqSent, StateAckSent:
	case StateClosing:
		l.changeState(p, StateClosed)
		p.tlf()
	case StateStopping:
		l.changeState(p, StateStopped)
		p.tlf()
	case StateAckRcvd:
		l.changeState(p, StateReqSent)
	case StateOpened:
		p.tld()
		p.scr()
		l.changeState(p, StateReqSent)
	default:
		l.illegal(p, "rta")
		l.stats.ierrors++
	}
}

func (l *Link) rcvCodeReject(p controlProtocol, pkt *Packet) {
	rejected := uint8(0)
	if len(pkt.Data) > 0 {
		rejected = pkt.Data[0]
	}
	l.logger.Info("code-reject received",
		zap.String("proto", ProtocolName(p.proto())),
		zap.String("rejected", CodeName(rejected)),
	)

	switch p.cp().state {
	case StateAckRcvd:
		l.changeState(p, StateReqSent)
	case StateInitial, StateStarting:
		l.illegal(p, "rxj")
		l.stats.ierrors++
	}
}

func (l *Link) rcvProtoReject(p controlProtocol, pkt *Packet) {
	if len(pkt.Data) < 2 {
		l.inputError(ProtocolName(p.proto()), ErrMalformedPacket)
		return
	}
	rejected := binary.BigEndian.Uint16(pkt.Data[0:2])
	upper := l.protocol(rejected)

	l.logger.Info("protocol-reject received",
		zap.String("rejected", ProtocolName(rejected)),
		zap.Bool("known", upper != nil),
	)

	if upper != nil && upper.cp().state == StateReqSent {
		// The peer does not implement it at all.
		upper.close()
	}

	switch p.cp().state {
	case StateAckRcvd:
		l.changeState(p, StateReqSent)
	case StateInitial, StateStarting:
		l.illegal(p, "rxj")
		l.stats.ierrors++
	}
}

// respondConfigure answers a Configure-Request from the outcome of the
// option analysis and reports whether it was acknowledged.
func (l *Link) respondConfigure(p controlProtocol, pkt *Packet, n negotiation) bool {
	st := p.cp()
	proto := p.proto()

	if len(n.rej) > 0 {
		l.sendControl(proto, CodeConfigReject, pkt.Identifier, SerializeOptions(n.rej))
		return false
	}

	if len(n.nak) > 0 {
		if st.fail >= l.cfg.MaxFailure {
			l.logger.Info("nak limit reached, rejecting",
				zap.String("proto", ProtocolName(proto)),
				zap.Int("naks", st.fail),
			)
			l.sendControl(proto, CodeConfigReject, pkt.Identifier, SerializeOptions(n.nakSrc))
		} else {
			st.fail++
			l.sendControl(proto, CodeConfigNak, pkt.Identifier, SerializeOptions(n.nak))
		}
		return false
	}

	st.fail = 0
	l.sendControl(proto, CodeConfigAck, pkt.Identifier, pkt.Data)
	return true
}

func (l *Link) sendConfigRequest(p controlProtocol, opts []Option) {
	st := p.cp()
	st.confID = st.nextID()
	l.sendControl(p.proto(), CodeConfigRequest, st.confID, SerializeOptions(opts))
}

func (l *Link) sendTermRequest(p controlProtocol) {
	l.sendControl(p.proto(), CodeTermRequest, p.cp().nextID())
}

func (l *Link) sendTermAck(p controlProtocol, id uint8) {
	l.sendControl(p.proto(), CodeTermAck, id)
}
