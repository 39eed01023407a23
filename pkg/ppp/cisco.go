package ppp

import (
	"encoding/binary"
	"net/netip"

	"go.uber.org/zap"
)

// ciscoState tracks Cisco HDLC keepalive sequence numbers.
type ciscoState struct {
	seq  uint32 // our sequence number
	rseq uint32 // last sequence number seen from the peer
}

// CiscoPacket is a Cisco HDLC SLARP/keepalive message.
type CiscoPacket struct {
	Type  uint32
	Par1  uint32
	Par2  uint32
	Rel   uint16
	Time0 uint16
	Time1 uint16
}

// ParseCiscoPacket parses a Cisco keepalive body.
func ParseCiscoPacket(data []byte) (*CiscoPacket, error) {
	if len(data) < CiscoPacketLen {
		return nil, ErrMalformedPacket
	}
	return &CiscoPacket{
		Type:  binary.BigEndian.Uint32(data[0:4]),
		Par1:  binary.BigEndian.Uint32(data[4:8]),
		Par2:  binary.BigEndian.Uint32(data[8:12]),
		Rel:   binary.BigEndian.Uint16(data[12:14]),
		Time0: binary.BigEndian.Uint16(data[14:16]),
		Time1: binary.BigEndian.Uint16(data[16:18]),
	}, nil
}

// Serialize serializes a Cisco keepalive body.
func (c *CiscoPacket) Serialize() []byte {
	buf := make([]byte, CiscoPacketLen)
	binary.BigEndian.PutUint32(buf[0:4], c.Type)
	binary.BigEndian.PutUint32(buf[4:8], c.Par1)
	binary.BigEndian.PutUint32(buf[8:12], c.Par2)
	binary.BigEndian.PutUint16(buf[12:14], c.Rel)
	binary.BigEndian.PutUint16(buf[14:16], c.Time0)
	binary.BigEndian.PutUint16(buf[16:18], c.Time1)
	return buf
}

func (l *Link) ciscoInput(payload []byte) {
	pkt, err := ParseCiscoPacket(payload)
	if err != nil {
		l.inputError("cisco", err)
		return
	}

	switch pkt.Type {
	case CiscoAddrReply:
		l.logger.Debug("cisco address reply ignored")
	case CiscoKeepaliveRequest:
		l.aliveCnt = 0
		l.cisco.rseq = pkt.Par1
		if l.cisco.seq == l.cisco.rseq {
			// Our own keepalive came back.
			if l.loopCnt >= LoopAliveCount {
				l.loopCnt = 0
				l.loopback = true
				l.observer.Loopback(l.name)
				l.logger.Warn("cisco loopback detected")
				if l.ifUp {
					l.ifDown("loopback")
					l.ctrlq.purge()
				}
			}
			l.loopCnt++

			l.cisco.seq = l.random32()
			return
		}
		l.loopCnt = 0
		if !l.ifUp && l.running {
			l.ifRaise()
		}
	case CiscoAddrRequest:
		addr, mask, ok := l.ciscoAddress()
		if ok {
			l.ciscoSend(CiscoAddrReply, addr, mask)
		}
	default:
		l.logger.Debug("unknown cisco packet", zap.Uint32("type", pkt.Type))
	}
}

func (l *Link) ciscoAddress() (uint32, uint32, bool) {
	p := l.cfg.CiscoAddress
	if !p.IsValid() || !p.Addr().Is4() {
		if a := l.cfg.IPCP.Local; a.Is4() && !a.IsUnspecified() {
			p = netip.PrefixFrom(a, 32)
		} else {
			return 0, 0, false
		}
	}
	a := p.Addr().As4()
	mask := ^uint32(0)
	if p.Bits() < 32 {
		mask = ^(^uint32(0) >> uint(p.Bits()))
	}
	return binary.BigEndian.Uint32(a[:]), mask, true
}

func (l *Link) ciscoSend(typ, par1, par2 uint32) {
	ms := uint32(l.now().Sub(l.created).Milliseconds())
	pkt := &CiscoPacket{
		Type:  typ,
		Par1:  par1,
		Par2:  par2,
		Rel:   0xFFFF,
		Time0: uint16(ms >> 16),
		Time1: uint16(ms),
	}
	l.logger.Debug("cisco output",
		zap.Uint32("type", typ),
		zap.Uint32("par1", par1),
		zap.Uint32("par2", par2),
	)
	l.enqueueControl(EncodeFrame(FramingCiscoHD, CiscoMulticast, EtherTypeCiscoKeepalive, pkt.Serialize()))
}
