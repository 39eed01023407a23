package ppp

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// Input processes one received frame. Malformed frames are counted and
// dropped; nothing is returned to the caller.
func (l *Link) Input(frame []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.detached {
		return
	}

	now := l.now()
	l.lastReceive = now
	if l.ifUp {
		l.stats.ibytes += uint64(len(frame))
		l.stats.ipackets++
	}

	if len(frame) <= HeaderLen {
		l.inputError("frame", fmt.Errorf("frame of %d bytes: %w", len(frame), ErrMalformedPacket))
		return
	}

	hdr, payload, err := DecodeFrame(l.cfg.Framing, frame)
	if err != nil {
		l.inputError("frame", err)
		return
	}

	cisco := l.cfg.Framing == FramingCiscoHD
	if l.cfg.Framing != FramingNone {
		switch hdr.Address {
		case AddrAllStations:
			if hdr.Control != CtrlUI {
				l.inputError("frame", fmt.Errorf("control 0x%02x: %w", hdr.Control, ErrMalformedPacket))
				return
			}
			if cisco {
				l.inputError("frame", fmt.Errorf("PPP frame in cisco mode: %w", ErrUnsupportedProtocol))
				return
			}
		case CiscoMulticast, CiscoUnicast:
			if !cisco {
				l.inputError("frame", fmt.Errorf("cisco frame in PPP mode: %w", ErrUnsupportedProtocol))
				return
			}
			l.ciscoDispatch(hdr.Protocol, payload)
			return
		default:
			l.inputError("frame", fmt.Errorf("address 0x%02x: %w", hdr.Address, ErrMalformedPacket))
			return
		}
	}

	switch hdr.Protocol {
	case ProtocolLCP:
		l.cpInput(l.lcp, payload)
	case ProtocolPAP:
		if l.phase >= PhaseAuthenticate {
			l.pap.input(payload)
		}
	case ProtocolCHAP:
		if l.phase >= PhaseAuthenticate {
			l.chap.input(payload)
		}
	case ProtocolIPCP:
		if l.cfg.IPCP.Disabled {
			l.unknownProtocol(hdr.Protocol, payload)
			return
		}
		if l.phase == PhaseNetwork {
			l.cpInput(l.ipcp, payload)
		}
	case ProtocolIPv6CP:
		if l.cfg.IPv6CP.Disabled {
			l.unknownProtocol(hdr.Protocol, payload)
			return
		}
		if l.phase == PhaseNetwork {
			l.cpInput(l.ipv6cp, payload)
		}
	case ProtocolIP:
		if l.ipcp.st.state == StateOpened {
			l.lastActivity = now
			l.deliverData(ProtocolIP, payload)
		}
	case ProtocolIPv6:
		if l.ipv6cp.st.state == StateOpened {
			l.lastActivity = now
			l.deliverData(ProtocolIPv6, payload)
		}
	default:
		l.unknownProtocol(hdr.Protocol, payload)
	}
}

func (l *Link) ciscoDispatch(etherType uint16, payload []byte) {
	switch etherType {
	case EtherTypeCiscoKeepalive:
		l.ciscoInput(payload)
	case EtherTypeIP:
		l.lastActivity = l.now()
		l.deliverData(ProtocolIP, payload)
	case EtherTypeIPv6:
		l.lastActivity = l.now()
		l.deliverData(ProtocolIPv6, payload)
	default:
		l.stats.noproto++
		l.observer.InputError(l.name, "unsupported protocol")
		l.logger.Debug("unsupported cisco protocol", zap.Uint16("ethertype", etherType))
	}
}

// unknownProtocol answers with a Protocol-Reject while LCP is Opened.
func (l *Link) unknownProtocol(proto uint16, payload []byte) {
	if l.lcp.st.state == StateOpened {
		var p [2]byte
		binary.BigEndian.PutUint16(p[:], proto)
		l.sendRejectData(ProtocolLCP, CodeProtoReject, l.lcp.st.nextID(), p[:], payload)
	}
	l.stats.noproto++
	l.observer.InputError(l.name, "unsupported protocol")
	l.logger.Debug("dropping input",
		zap.String("proto", ProtocolName(proto)),
		zap.Error(ErrUnsupportedProtocol),
	)
}

func (l *Link) deliverData(proto uint16, payload []byte) {
	if l.deliver == nil {
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	l.deliver(proto, buf)
}

// Output queues an IPv4 (ProtocolIP) or IPv6 (ProtocolIPv6) packet.
func (l *Link) Output(proto uint16, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.detached || !l.ifUp || (!l.running && !l.cfg.AutoDial) {
		return fmt.Errorf("output on %s: %w", l.name, ErrLinkDown)
	}
	if proto != ProtocolIP && proto != ProtocolIPv6 {
		return fmt.Errorf("output protocol %s: %w", ProtocolName(proto), ErrUnsupportedProtocol)
	}

	if !l.running && l.cfg.AutoDial {
		l.logger.Info("dialing on outbound traffic")
		l.running = true
		l.lcp.open()
	}

	cisco := l.cfg.Framing == FramingCiscoHD
	if proto == ProtocolIP && !cisco && l.ipcp.addrFlags&ipcpMyAddrDyn != 0 && len(payload) >= 20 {
		// Nothing may leave with 0.0.0.0 before IPCP assigned our address.
		if binary.BigEndian.Uint32(payload[12:16]) == 0 {
			l.logger.Debug("dropping IPv4 packet without source address")
			if payload[9] == 6 { // TCP
				return fmt.Errorf("output on %s: %w", l.name, ErrAddrNotAvailable)
			}
			return nil
		}
	}

	var frame []byte
	switch {
	case cisco && proto == ProtocolIP:
		frame = EncodeFrame(FramingCiscoHD, CiscoUnicast, EtherTypeIP, payload)
	case cisco:
		frame = EncodeFrame(FramingCiscoHD, CiscoUnicast, EtherTypeIPv6, payload)
	default:
		frame = EncodeFrame(l.cfg.Framing, AddrAllStations, proto, payload)
	}

	l.lastActivity = l.now()
	if !l.dataq.push(frame) {
		l.stats.oerrors++
		l.observer.OutputError(l.name, "data queue full")
		return fmt.Errorf("output on %s: %w", l.name, ErrQueueFull)
	}
	l.signal()
	return nil
}
