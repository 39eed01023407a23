package ppp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Option is one configuration option TLV. Data excludes the two header bytes.
type Option struct {
	Type uint8
	Data []byte
}

// Len returns the on-wire length of the option.
func (o Option) Len() int {
	return 2 + len(o.Data)
}

// ParseOptions parses a configuration option list. Every option's declared
// length is checked against the remaining buffer before its payload is read.
func ParseOptions(data []byte) ([]Option, error) {
	var opts []Option
	offset := 0

	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("truncated option header at %d: %w", offset, ErrMalformedOption)
		}
		optType := data[offset]
		optLen := int(data[offset+1])

		if optLen < 2 {
			return nil, fmt.Errorf("option %d length %d: %w", optType, optLen, ErrMalformedOption)
		}
		if offset+optLen > len(data) {
			return nil, fmt.Errorf("option %d length %d exceeds remaining %d: %w",
				optType, optLen, len(data)-offset, ErrMalformedOption)
		}

		opt := Option{Type: optType}
		if optLen > 2 {
			opt.Data = make([]byte, optLen-2)
			copy(opt.Data, data[offset+2:offset+optLen])
		}
		opts = append(opts, opt)

		offset += optLen
	}

	return opts, nil
}

// SerializeOptions serializes an option list.
func SerializeOptions(opts []Option) []byte {
	n := 0
	for _, opt := range opts {
		n += opt.Len()
	}
	buf := make([]byte, 0, n)
	for _, opt := range opts {
		buf = append(buf, opt.Type, uint8(opt.Len()))
		buf = append(buf, opt.Data...)
	}
	return buf
}

func uint16Option(t uint8, v uint16) Option {
	d := make([]byte, 2)
	binary.BigEndian.PutUint16(d, v)
	return Option{Type: t, Data: d}
}

func uint32Option(t uint8, v uint32) Option {
	d := make([]byte, 4)
	binary.BigEndian.PutUint32(d, v)
	return Option{Type: t, Data: d}
}

func addrOption(t uint8, a netip.Addr) Option {
	if !a.Is4() {
		a = netip.IPv4Unspecified()
	}
	b := a.As4()
	return Option{Type: t, Data: b[:]}
}

func optionAddr(o Option) netip.Addr {
	if len(o.Data) != 4 {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte(o.Data))
}

// authOption builds the LCP Authentication-Protocol option. CHAP carries the
// MD5 algorithm byte.
func authOption(proto uint16) Option {
	opt := uint16Option(LCPOptAuthProto, proto)
	if proto == ProtocolCHAP {
		opt.Data = append(opt.Data, CHAPAlgorithmMD5)
	}
	return opt
}

// InterfaceID is a 64-bit IPv6 interface identifier.
type InterfaceID [8]byte

// IsZero reports whether the identifier is all zeros.
func (id InterfaceID) IsZero() bool {
	return id == InterfaceID{}
}

// LinkLocal returns the fe80::/64 address formed from the identifier.
func (id InterfaceID) LinkLocal() netip.Addr {
	var a [16]byte
	a[0], a[1] = 0xfe, 0x80
	copy(a[8:], id[:])
	return netip.AddrFrom16(a)
}

func (id InterfaceID) String() string {
	return fmt.Sprintf("%02x%02x:%02x%02x:%02x%02x:%02x%02x",
		id[0], id[1], id[2], id[3], id[4], id[5], id[6], id[7])
}

func ifidOption(id InterfaceID) Option {
	d := make([]byte, 8)
	copy(d, id[:])
	return Option{Type: IPv6CPOptInterfaceID, Data: d}
}
