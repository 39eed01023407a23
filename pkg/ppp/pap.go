package ppp

import (
	"go.uber.org/zap"
)

// papProto is the Password Authentication Protocol (RFC 1334). As
// authenticator it runs the reduced automaton with the restart timer; as
// authenticatee it retransmits its request on a private timer.
type papProto struct {
	l  *Link
	st cpState

	peerTries int
}

func (p *papProto) proto() uint16  { return ProtocolPAP }
func (p *papProto) key() timerKey  { return timerPAP }
func (p *papProto) flags() cpFlags { return cpAuth }
func (p *papProto) cp() *cpState   { return &p.st }

func (p *papProto) up()   {}
func (p *papProto) down() {}

func (p *papProto) open() {
	l := p.l
	if l.hisAuth.Proto == ProtocolPAP && l.lcp.st.optSet(LCPOptAuthProto) {
		// We are the authenticator; wait for the peer's request.
		p.st.rst = l.cfg.MaxConfigure
		l.changeState(p, StateReqSent)
	}
	if l.myAuth.Proto == ProtocolPAP {
		p.peerTries = l.cfg.MaxConfigure
		p.scr()
		l.timers.arm(timerPAPPeer, l.cfg.RestartTimer, p.peerTimeout)
	}
}

func (p *papProto) close() {
	p.l.timers.cancel(timerPAPPeer)
	if p.l.hisAuth.Proto == ProtocolPAP {
		p.l.abandonVerify()
	}
	if p.st.state != StateClosed {
		p.l.changeState(p, StateClosed)
	}
}

// timeout fires while we wait for the peer's request.
func (p *papProto) timeout() {
	l := p.l
	p.st.rst--
	if p.st.rst < 0 {
		if p.st.state == StateReqSent {
			l.logger.Info("PAP: peer did not authenticate in time")
			p.tld()
			l.changeState(p, StateClosed)
		}
		return
	}
	if p.st.state == StateReqSent {
		l.changeState(p, StateReqSent)
	}
}

// peerTimeout retransmits our request until the peer answers.
func (p *papProto) peerTimeout() {
	l := p.l
	p.peerTries--
	if p.peerTries < 0 {
		l.logger.Info("PAP: no answer to our request")
		return
	}
	p.scr()
	l.timers.arm(timerPAPPeer, l.cfg.RestartTimer, p.peerTimeout)
}

func (p *papProto) rcr(*Packet) (bool, error) { return false, nil }
func (p *papProto) rcnRej([]Option)           {}
func (p *papProto) rcnNak([]Option)           {}
func (p *papProto) tls()                      {}
func (p *papProto) tlf()                      {}

func (p *papProto) tlu() {
	l := p.l
	p.st.rst = l.cfg.MaxConfigure
	l.authSucceeded("pap")
	l.protos |= protoBit(timerPAP)

	if l.needAuth {
		// We still have to authenticate ourselves.
		return
	}
	l.phaseNetwork()
}

func (p *papProto) tld() {
	l := p.l
	l.timers.cancel(timerPAP)
	l.timers.cancel(timerPAPPeer)
	l.protos &^= protoBit(timerPAP)
	l.lcp.close()
}

func (p *papProto) scr() {
	l := p.l
	if l.myAuth.Name == "" || l.myAuth.Secret == "" {
		l.logger.Warn("PAP: no credentials configured")
		return
	}
	name := []byte(l.myAuth.Name)
	secret := []byte(l.myAuth.Secret)
	p.st.confID = p.st.nextID()
	l.sendControl(ProtocolPAP, PAPCodeAuthRequest, p.st.confID,
		[]byte{uint8(len(name))}, name,
		[]byte{uint8(len(secret))}, secret,
	)
}

// input handles a PAP packet. The caller has checked the phase.
func (p *papProto) input(payload []byte) {
	l := p.l
	pkt, err := ParsePacket(payload)
	if err == nil && pkt.Length < 5 {
		err = ErrMalformedPacket
	}
	if err != nil {
		l.inputError("pap", err)
		return
	}

	l.logger.Debug("input",
		zap.String("proto", "pap"),
		zap.Uint8("code", pkt.Code),
		zap.Uint8("id", pkt.Identifier),
	)

	switch pkt.Code {
	case PAPCodeAuthRequest:
		p.rcvRequest(pkt)
	case PAPCodeAuthAck:
		l.timers.cancel(timerPAPPeer)
		l.logger.Info("PAP: authenticated by peer")
		l.authSucceeded("pap")
		l.needAuth = false
		if l.authenticatorPending() {
			// Wait for the peer to authenticate to us.
			return
		}
		l.phaseNetwork()
	case PAPCodeAuthNak:
		l.timers.cancel(timerPAPPeer)
		l.authFailed("pap")
		// LCP will shut the link down.
	default:
		l.logger.Debug("PAP: unknown code", zap.Uint8("code", pkt.Code))
		l.stats.ierrors++
	}
}

func (p *papProto) rcvRequest(pkt *Packet) {
	l := p.l
	if l.verifier == nil && (l.hisAuth.Name == "" || l.hisAuth.Secret == "") {
		l.logger.Warn("PAP: request received but no peer credentials configured")
		return
	}

	data := pkt.Data
	nameLen := int(data[0])
	if 1+nameLen+1 > len(data) {
		l.inputError("pap", ErrMalformedPacket)
		return
	}
	name := data[1 : 1+nameLen]
	secretLen := int(data[1+nameLen])
	if 2+nameLen+secretLen > len(data) {
		l.inputError("pap", ErrMalformedPacket)
		return
	}
	secret := data[2+nameLen : 2+nameLen+secretLen]

	id := pkt.Identifier
	peer := string(name)
	l.checkPAP(peer, string(secret), func(err error) { p.verified(id, peer, err) })
}

func (p *papProto) verified(id uint8, peer string, err error) {
	l := p.l
	switch l.verdictOf("pap", peer, err) {
	case verdictRetry:
		return
	case verdictReject:
		l.authFailed("pap")
		msg := []byte(authFailureMsg)
		l.sendControl(ProtocolPAP, PAPCodeAuthNak, id, []byte{uint8(len(msg))}, msg)
		p.tld()
		p.close()
		return
	}

	if p.st.state == StateReqSent || p.st.state == StateOpened {
		msg := []byte(authSuccessMsg)
		l.sendControl(ProtocolPAP, PAPCodeAuthAck, id, []byte{uint8(len(msg))}, msg)
	}
	if p.st.state == StateReqSent {
		l.logger.Info("PAP: peer authenticated", zap.String("peer", peer))
		l.changeState(p, StateOpened)
		p.tlu()
	}
}
