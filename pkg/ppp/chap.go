package ppp

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// chapProto is the Challenge Handshake Authentication Protocol with MD5
// (RFC 1994). Like PAP it has no Initial state.
type chapProto struct {
	l  *Link
	st cpState

	challenge [CHAPChallengeLen]byte
}

func (p *chapProto) proto() uint16  { return ProtocolCHAP }
func (p *chapProto) key() timerKey  { return timerCHAP }
func (p *chapProto) flags() cpFlags { return cpAuth }
func (p *chapProto) cp() *cpState   { return &p.st }

func (p *chapProto) up()   {}
func (p *chapProto) down() {}

func (p *chapProto) open() {
	l := p.l
	if l.hisAuth.Proto == ProtocolCHAP && l.lcp.st.optSet(LCPOptAuthProto) {
		// We are the authenticator.
		p.scr()
		p.st.rst = l.cfg.MaxConfigure
		l.changeState(p, StateReqSent)
	}
	// As authenticatee we wait for the peer's challenge.
}

func (p *chapProto) close() {
	if p.l.hisAuth.Proto == ProtocolCHAP {
		p.l.abandonVerify()
	}
	if p.st.state != StateClosed {
		p.l.changeState(p, StateClosed)
	}
}

func (p *chapProto) timeout() {
	l := p.l
	l.logger.Debug("CHAP timeout",
		zap.String("state", p.st.state.String()),
		zap.Int("rst", p.st.rst),
	)

	p.st.rst--
	if p.st.rst < 0 {
		if p.st.state == StateReqSent {
			l.logger.Info("CHAP: peer did not respond")
			p.tld()
			l.changeState(p, StateClosed)
		}
		return
	}

	switch p.st.state {
	case StateOpened:
		// Rechallenge.
		p.st.rst = l.cfg.MaxConfigure
		fallthrough
	case StateReqSent:
		p.scr()
		l.changeState(p, StateReqSent)
	}
}

func (p *chapProto) rcr(*Packet) (bool, error) { return false, nil }
func (p *chapProto) rcnRej([]Option)           {}
func (p *chapProto) rcnNak([]Option)           {}
func (p *chapProto) tls()                      {}
func (p *chapProto) tlf()                      {}

func (p *chapProto) tlu() {
	l := p.l
	p.st.rst = l.cfg.MaxConfigure

	if l.hisAuth.Flags&NoRechallenge == 0 {
		d := p.rechallengeInterval()
		l.logger.Debug("CHAP rechallenge scheduled", zap.Duration("in", d))
		l.timers.arm(timerCHAP, d, p.timeout)
	}

	l.authSucceeded("chap")
	l.protos |= protoBit(timerCHAP)

	if l.needAuth {
		// We still have to authenticate ourselves.
		return
	}
	// A rechallenge while already in Network leaves the phase alone.
	if l.phase != PhaseNetwork {
		l.phaseNetwork()
	}
}

// rechallengeInterval picks a random interval in [RechallengeMin,
// RechallengeMax] with one-second granularity.
func (p *chapProto) rechallengeInterval() time.Duration {
	cfg := p.l.cfg
	span := int64((cfg.RechallengeMax - cfg.RechallengeMin) / time.Second)
	if span <= 0 {
		return cfg.RechallengeMin
	}
	return cfg.RechallengeMin + time.Duration(int64(p.l.random32())%(span+1))*time.Second
}

func (p *chapProto) tld() {
	l := p.l
	l.timers.cancel(timerCHAP)
	l.protos &^= protoBit(timerCHAP)
	l.lcp.close()
}

func (p *chapProto) scr() {
	l := p.l
	if l.myAuth.Name == "" {
		l.logger.Warn("CHAP: no local name configured, cannot challenge")
		return
	}
	copy(p.challenge[:], l.randomBytes(CHAPChallengeLen))
	p.st.confID = p.st.nextID()

	name := []byte(l.myAuth.Name)
	l.sendControl(ProtocolCHAP, CHAPCodeChallenge, p.st.confID,
		[]byte{CHAPChallengeLen}, p.challenge[:], name,
	)
}

// input handles a CHAP packet. The caller has checked the phase.
func (p *chapProto) input(payload []byte) {
	l := p.l
	pkt, err := ParsePacket(payload)
	if err != nil {
		l.inputError("chap", err)
		return
	}

	l.logger.Debug("input",
		zap.String("proto", "chap"),
		zap.Uint8("code", pkt.Code),
		zap.Uint8("id", pkt.Identifier),
		zap.String("state", p.st.state.String()),
	)

	switch pkt.Code {
	case CHAPCodeChallenge:
		p.rcvChallenge(pkt)
	case CHAPCodeSuccess:
		l.logger.Info("CHAP: authenticated by peer")
		l.authSucceeded("chap")
		l.needAuth = false
		if l.authenticatorPending() {
			// Wait for the peer to answer our own challenge.
			return
		}
		l.phaseNetwork()
	case CHAPCodeFailure:
		l.authFailed("chap")
		// LCP will shut the link down.
	case CHAPCodeResponse:
		p.rcvResponse(pkt)
	default:
		l.logger.Debug("CHAP: unknown code", zap.Uint8("code", pkt.Code))
		l.stats.ierrors++
	}
}

// splitValueName splits a Challenge or Response body into value and name.
func splitValueName(data []byte) (value, name []byte, ok bool) {
	if len(data) < 1 {
		return nil, nil, false
	}
	valueLen := int(data[0])
	if 1+valueLen > len(data) {
		return nil, nil, false
	}
	return data[1 : 1+valueLen], data[1+valueLen:], true
}

func (p *chapProto) rcvChallenge(pkt *Packet) {
	l := p.l
	if l.myAuth.Name == "" || l.myAuth.Secret == "" {
		l.logger.Warn("CHAP: challenge received but no credentials configured")
		l.authFailures++
		return
	}

	value, name, ok := splitValueName(pkt.Data)
	if !ok {
		l.inputError("chap", ErrMalformedPacket)
		return
	}
	l.logger.Debug("CHAP challenge", zap.ByteString("from", name), zap.Int("len", len(value)))

	digest := CHAPResponse(pkt.Identifier, []byte(l.myAuth.Secret), value)
	l.sendControl(ProtocolCHAP, CHAPCodeResponse, pkt.Identifier,
		[]byte{uint8(len(digest))}, digest, []byte(l.myAuth.Name),
	)
}

func (p *chapProto) rcvResponse(pkt *Packet) {
	l := p.l
	if l.verifier == nil && l.hisAuth.Secret == "" {
		l.logger.Warn("CHAP: response received but no peer secret configured")
		return
	}

	value, name, ok := splitValueName(pkt.Data)
	if !ok {
		l.inputError("chap", ErrMalformedPacket)
		return
	}
	if pkt.Identifier != p.st.confID {
		l.logger.Debug("CHAP: response id mismatch",
			zap.Uint8("got", pkt.Identifier),
			zap.Uint8("want", p.st.confID),
		)
		l.stats.ierrors++
		return
	}

	id := pkt.Identifier
	peer := string(name)
	if len(value) != CHAPDigestLen {
		p.verified(id, peer, fmt.Errorf("response of %d bytes: %w", len(value), ErrAuthFailure))
		return
	}
	challenge := append([]byte(nil), p.challenge[:]...)
	response := append([]byte(nil), value...)
	l.checkCHAP(peer, id, challenge, response, func(err error) { p.verified(id, peer, err) })
}

func (p *chapProto) verified(id uint8, peer string, err error) {
	l := p.l
	if id != p.st.confID {
		// A rechallenge went out while the verifier was busy.
		l.logger.Debug("CHAP: verdict for a superseded challenge", zap.Uint8("id", id))
		return
	}
	switch l.verdictOf("chap", peer, err) {
	case verdictRetry:
		return
	case verdictReject:
		l.authFailed("chap")
		msg := []byte(authFailureMsg)
		l.sendControl(ProtocolCHAP, CHAPCodeFailure, id, msg)
		p.tld()
		p.close()
		return
	}

	if p.st.state == StateReqSent || p.st.state == StateOpened {
		l.sendControl(ProtocolCHAP, CHAPCodeSuccess, id, []byte(authSuccessMsg))
	}
	if p.st.state == StateReqSent {
		l.logger.Info("CHAP: peer authenticated", zap.String("peer", peer))
		l.changeState(p, StateOpened)
		p.tlu()
	}
}
