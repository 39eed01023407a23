// Package ppp implements the synchronous PPP control-protocol core: the
// RFC 1661 automaton shared by LCP, IPCP (RFC 1332), IPv6CP (RFC 5072),
// PAP (RFC 1334) and CHAP (RFC 1994), plus Cisco HDLC keepalives.
// This file holds wire constants and the control-packet codec.
package ppp

import (
	"encoding/binary"
	"fmt"
)

// PPP framing
const (
	AddrAllStations = 0xFF // All-Stations address
	CtrlUI          = 0x03 // Unnumbered Information
	CiscoMulticast  = 0x8F // Cisco multicast address
	CiscoUnicast    = 0x0F // Cisco unicast address

	HeaderLen        = 4 // address + control + protocol
	NoFramingHdrLen  = 2 // protocol only
	ControlHeaderLen = 4 // code + identifier + length
)

// PPP protocol numbers
const (
	ProtocolLCP    = 0xC021 // Link Control Protocol
	ProtocolPAP    = 0xC023 // Password Authentication Protocol
	ProtocolCHAP   = 0xC223 // Challenge Handshake Auth Protocol
	ProtocolIPCP   = 0x8021 // IP Control Protocol
	ProtocolIPv6CP = 0x8057 // IPv6 Control Protocol
	ProtocolIP     = 0x0021 // Internet Protocol
	ProtocolIPv6   = 0x0057 // IPv6
)

// Ethertypes used by Cisco HDLC framing
const (
	EtherTypeIP             = 0x0800
	EtherTypeIPv6           = 0x86DD
	EtherTypeCiscoKeepalive = 0x8035
)

// Control protocol codes. 8-11 are LCP only.
const (
	CodeConfigRequest = 1
	CodeConfigAck     = 2
	CodeConfigNak     = 3
	CodeConfigReject  = 4
	CodeTermRequest   = 5
	CodeTermAck       = 6
	CodeCodeReject    = 7
	CodeProtoReject   = 8
	CodeEchoRequest   = 9
	CodeEchoReply     = 10
	CodeDiscardReq    = 11
)

// LCP option types
const (
	LCPOptMRU         = 1 // Maximum Receive Unit
	LCPOptACCM        = 2 // Async Control Character Map
	LCPOptAuthProto   = 3 // Authentication Protocol
	LCPOptQuality     = 4 // Quality Protocol
	LCPOptMagicNumber = 5 // Magic Number
	LCPOptPFC         = 7 // Protocol Field Compression
	LCPOptACFC        = 8 // Address/Control Field Compression
)

// IPCP option types
const (
	IPCPOptIPAddresses   = 1   // Deprecated
	IPCPOptIPCompression = 2   // IP Compression
	IPCPOptIPAddress     = 3   // IP Address
	IPCPOptPrimaryDNS    = 129 // Primary DNS (RFC 1877)
	IPCPOptSecondaryDNS  = 131 // Secondary DNS (RFC 1877)
)

// IPv6CP option types
const (
	IPv6CPOptInterfaceID = 1
	IPv6CPOptCompression = 2
)

// PAP codes
const (
	PAPCodeAuthRequest = 1
	PAPCodeAuthAck     = 2
	PAPCodeAuthNak     = 3
)

// CHAP codes
const (
	CHAPCodeChallenge = 1
	CHAPCodeResponse  = 2
	CHAPCodeSuccess   = 3
	CHAPCodeFailure   = 4

	CHAPAlgorithmMD5 = 5
	CHAPChallengeLen = 16
	CHAPDigestLen    = 16
)

// Cisco HDLC keepalive message types
const (
	CiscoAddrRequest      = 0
	CiscoAddrReply        = 1
	CiscoKeepaliveRequest = 2
	CiscoPacketLen        = 18
)

// Packet is a PPP control packet (LCP, IPCP, IPv6CP, PAP or CHAP).
type Packet struct {
	Code       uint8
	Identifier uint8
	Length     uint16
	Data       []byte
}

// ParsePacket parses a control packet. Bytes past the declared length are
// padding and are discarded.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < ControlHeaderLen {
		return nil, fmt.Errorf("data too short for control packet: %w", ErrMalformedPacket)
	}

	pkt := &Packet{
		Code:       data[0],
		Identifier: data[1],
		Length:     binary.BigEndian.Uint16(data[2:4]),
	}

	if pkt.Length < ControlHeaderLen {
		return nil, fmt.Errorf("control length %d below header size: %w", pkt.Length, ErrMalformedPacket)
	}
	if int(pkt.Length) > len(data) {
		return nil, fmt.Errorf("control length %d exceeds data %d: %w", pkt.Length, len(data), ErrMalformedPacket)
	}

	if pkt.Length > ControlHeaderLen {
		pkt.Data = make([]byte, pkt.Length-ControlHeaderLen)
		copy(pkt.Data, data[ControlHeaderLen:pkt.Length])
	}

	return pkt, nil
}

// Serialize serializes a control packet, recomputing the length field.
func (p *Packet) Serialize() []byte {
	buf := make([]byte, ControlHeaderLen+len(p.Data))
	buf[0] = p.Code
	buf[1] = p.Identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(ControlHeaderLen+len(p.Data)))
	copy(buf[ControlHeaderLen:], p.Data)
	return buf
}

// buildControl concatenates parts behind a single control header. The
// result is rejected if it cannot be described by the 16-bit length field.
func buildControl(code, id uint8, parts ...[]byte) ([]byte, error) {
	n := ControlHeaderLen
	for _, p := range parts {
		n += len(p)
	}
	if n > 0xFFFF {
		return nil, fmt.Errorf("control packet of %d bytes: %w", n, ErrResourceExhausted)
	}

	buf := make([]byte, ControlHeaderLen, n)
	buf[0] = code
	buf[1] = id
	binary.BigEndian.PutUint16(buf[2:4], uint16(n))
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf, nil
}

// Framing selects how PPP frames are encapsulated.
type Framing int

const (
	FramingHDLC    Framing = iota // FF 03 proto
	FramingNone                   // proto only (PPPoE, L2TP)
	FramingCiscoHD                // 8F|0F 00 ethertype
)

func (f Framing) String() string {
	switch f {
	case FramingHDLC:
		return "hdlc"
	case FramingNone:
		return "none"
	case FramingCiscoHD:
		return "cisco"
	default:
		return "unknown"
	}
}

// EncodeFrame prepends the link header for proto to payload.
func EncodeFrame(f Framing, addr uint8, proto uint16, payload []byte) []byte {
	switch f {
	case FramingNone:
		buf := make([]byte, NoFramingHdrLen+len(payload))
		binary.BigEndian.PutUint16(buf[0:2], proto)
		copy(buf[2:], payload)
		return buf
	default:
		buf := make([]byte, HeaderLen+len(payload))
		buf[0] = addr
		if f == FramingCiscoHD {
			buf[1] = 0
		} else {
			buf[1] = CtrlUI
		}
		binary.BigEndian.PutUint16(buf[2:4], proto)
		copy(buf[4:], payload)
		return buf
	}
}

// FrameHeader is a decoded link header.
type FrameHeader struct {
	Address  uint8
	Control  uint8
	Protocol uint16
}

// DecodeFrame splits a frame into its header and payload.
func DecodeFrame(f Framing, frame []byte) (FrameHeader, []byte, error) {
	if f == FramingNone {
		if len(frame) < NoFramingHdrLen {
			return FrameHeader{}, nil, fmt.Errorf("frame too short: %w", ErrMalformedPacket)
		}
		return FrameHeader{
			Address:  AddrAllStations,
			Control:  CtrlUI,
			Protocol: binary.BigEndian.Uint16(frame[0:2]),
		}, frame[2:], nil
	}

	if len(frame) < HeaderLen {
		return FrameHeader{}, nil, fmt.Errorf("frame too short: %w", ErrMalformedPacket)
	}
	return FrameHeader{
		Address:  frame[0],
		Control:  frame[1],
		Protocol: binary.BigEndian.Uint16(frame[2:4]),
	}, frame[4:], nil
}

// ProtocolName returns a short name for a PPP protocol number.
func ProtocolName(proto uint16) string {
	switch proto {
	case ProtocolLCP:
		return "lcp"
	case ProtocolPAP:
		return "pap"
	case ProtocolCHAP:
		return "chap"
	case ProtocolIPCP:
		return "ipcp"
	case ProtocolIPv6CP:
		return "ipv6cp"
	case ProtocolIP:
		return "ip"
	case ProtocolIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("0x%04x", proto)
	}
}

// CodeName names a control packet code.
func CodeName(code uint8) string {
	switch code {
	case CodeConfigRequest:
		return "conf-req"
	case CodeConfigAck:
		return "conf-ack"
	case CodeConfigNak:
		return "conf-nak"
	case CodeConfigReject:
		return "conf-rej"
	case CodeTermRequest:
		return "term-req"
	case CodeTermAck:
		return "term-ack"
	case CodeCodeReject:
		return "code-rej"
	case CodeProtoReject:
		return "proto-rej"
	case CodeEchoRequest:
		return "echo-req"
	case CodeEchoReply:
		return "echo-reply"
	case CodeDiscardReq:
		return "discard-req"
	default:
		return fmt.Sprintf("code-%d", code)
	}
}
