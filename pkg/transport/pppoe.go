package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrNotSession is returned by DecodeSession for frames that are not PPPoE
// session data.
var ErrNotSession = errors.New("not a PPPoE session frame")

// Session identifies a PPPoE session established out of band.
type Session struct {
	Interface string
	PeerMAC   net.HardwareAddr
	ID        uint16
}

// SessionFrame is a decoded PPPoE session frame.
type SessionFrame struct {
	Src, Dst  net.HardwareAddr
	SessionID uint16
	// Payload starts with the PPP protocol field (no HDLC framing).
	Payload []byte
}

// EncodeSession wraps a no-framing PPP frame in Ethernet and PPPoE session
// headers.
func EncodeSession(src, dst net.HardwareAddr, sessionID uint16, frame []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypePPPoESession,
	}
	pppoe := &layers.PPPoE{
		Version:   1,
		Type:      1,
		Code:      layers.PPPoECodeSession,
		SessionId: sessionID,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, pppoe, gopacket.Payload(frame)); err != nil {
		return nil, fmt.Errorf("serialize PPPoE frame: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSession parses an Ethernet frame carrying PPPoE session data.
func DecodeSession(data []byte) (*SessionFrame, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)

	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, fmt.Errorf("no ethernet header: %w", ErrNotSession)
	}
	eth := ethLayer.(*layers.Ethernet)
	if eth.EthernetType != layers.EthernetTypePPPoESession {
		return nil, fmt.Errorf("ethertype %s: %w", eth.EthernetType, ErrNotSession)
	}

	pppoeLayer := packet.Layer(layers.LayerTypePPPoE)
	if pppoeLayer == nil {
		return nil, fmt.Errorf("truncated PPPoE header: %w", ErrNotSession)
	}
	pppoe := pppoeLayer.(*layers.PPPoE)
	if pppoe.Version != 1 || pppoe.Type != 1 || pppoe.Code != layers.PPPoECodeSession {
		return nil, fmt.Errorf("version %d type %d code %s: %w",
			pppoe.Version, pppoe.Type, pppoe.Code, ErrNotSession)
	}

	// The layer slices its payload by the Length field, which can reach past
	// the end of a truncated frame, so bound it against what was received.
	// Anything after Length is Ethernet padding.
	raw := eth.LayerPayload()
	end := len(pppoe.LayerContents()) + int(pppoe.Length)
	if len(raw) < end {
		return nil, fmt.Errorf("PPPoE length %d exceeds %d bytes of frame: %w",
			pppoe.Length, len(raw)-len(pppoe.LayerContents()), ErrNotSession)
	}

	return &SessionFrame{
		Src:       eth.SrcMAC,
		Dst:       eth.DstMAC,
		SessionID: pppoe.SessionId,
		Payload:   raw[len(pppoe.LayerContents()):end],
	}, nil
}

// rawSocket sends and receives Ethernet frames of one ethertype.
type rawSocket interface {
	open(iface string, etherType uint16) error
	close() error
	recv(buf []byte) (int, error)
	send(dstMAC net.HardwareAddr, data []byte) error
	hardwareAddr() net.HardwareAddr
}

// PPPoEConn carries PPP frames over an established PPPoE session. Discovery
// is done elsewhere; the session ID and peer MAC are configured.
type PPPoEConn struct {
	sock    rawSocket
	session Session
	local   net.HardwareAddr
	buf     []byte

	mu     sync.Mutex
	closed bool
}

// DialPPPoE opens a raw socket on the session's interface.
func DialPPPoE(s Session) (*PPPoEConn, error) {
	return dialPPPoE(newRawSocket(), s)
}

func dialPPPoE(sock rawSocket, s Session) (*PPPoEConn, error) {
	if s.ID == 0 || s.ID == 0xFFFF {
		return nil, fmt.Errorf("invalid PPPoE session id 0x%04x", s.ID)
	}
	if len(s.PeerMAC) != 6 {
		return nil, fmt.Errorf("invalid peer MAC %q", s.PeerMAC)
	}
	if err := sock.open(s.Interface, uint16(layers.EthernetTypePPPoESession)); err != nil {
		return nil, fmt.Errorf("open %s: %w", s.Interface, err)
	}
	return &PPPoEConn{
		sock:    sock,
		session: s,
		local:   sock.hardwareAddr(),
		buf:     make([]byte, MaxFrameSize+64),
	}, nil
}

// ReadFrame implements Conn. Frames for other sessions or peers are skipped.
func (c *PPPoEConn) ReadFrame(buf []byte) (int, error) {
	for {
		n, err := c.sock.recv(c.buf)
		if err != nil {
			if c.isClosed() {
				return 0, net.ErrClosed
			}
			if isTimeout(err) {
				continue
			}
			return 0, err
		}

		f, err := DecodeSession(c.buf[:n])
		if err != nil {
			continue
		}
		if f.SessionID != c.session.ID || !macEqual(f.Src, c.session.PeerMAC) {
			continue
		}
		return copy(buf, f.Payload), nil
	}
}

// WriteFrame implements Conn. frame must use no-framing encoding.
func (c *PPPoEConn) WriteFrame(frame []byte) error {
	if c.isClosed() {
		return net.ErrClosed
	}
	data, err := EncodeSession(c.local, c.session.PeerMAC, c.session.ID, frame)
	if err != nil {
		return err
	}
	return c.sock.send(c.session.PeerMAC, data)
}

// Close implements Conn. It is safe to call more than once.
func (c *PPPoEConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.sock.close()
}

func (c *PPPoEConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func macEqual(a, b net.HardwareAddr) bool {
	return string(a) == string(b)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
