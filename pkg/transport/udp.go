package transport

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// tosLowDelay is the IPTOS_LOWDELAY marking.
const tosLowDelay = 0x10

// UDPConn carries one PPP frame per UDP datagram to a fixed peer.
// Datagrams from any other source are discarded.
type UDPConn struct {
	conn *net.UDPConn
	peer *net.UDPAddr

	mu     sync.Mutex
	closed bool
}

// ListenUDP binds local and exchanges frames with remote.
func ListenUDP(local, remote string) (*UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("resolve peer %q: %w", remote, err)
	}
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("resolve local %q: %w", local, err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", local, err)
	}
	if err := setLowDelay(conn, raddr); err != nil {
		conn.Close()
		return nil, err
	}

	return &UDPConn{conn: conn, peer: raddr}, nil
}

func setLowDelay(conn *net.UDPConn, peer *net.UDPAddr) error {
	if peer.IP.To4() != nil {
		if err := ipv4.NewConn(conn).SetTOS(tosLowDelay); err != nil {
			return fmt.Errorf("set TOS: %w", err)
		}
		return nil
	}
	if err := ipv6.NewConn(conn).SetTrafficClass(tosLowDelay); err != nil {
		return fmt.Errorf("set traffic class: %w", err)
	}
	return nil
}

// LocalAddr returns the bound address.
func (c *UDPConn) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// ReadFrame implements Conn.
func (c *UDPConn) ReadFrame(buf []byte) (int, error) {
	for {
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return 0, err
		}
		if from.Port != c.peer.Port || !from.IP.Equal(c.peer.IP) {
			continue
		}
		return n, nil
	}
}

// WriteFrame implements Conn.
func (c *UDPConn) WriteFrame(frame []byte) error {
	_, err := c.conn.WriteToUDP(frame, c.peer)
	return err
}

// Close implements Conn. It is safe to call more than once.
func (c *UDPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
