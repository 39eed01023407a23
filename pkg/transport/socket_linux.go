//go:build linux

package transport

import (
	"net"
	"syscall"
)

// linuxRawSocket implements rawSocket using AF_PACKET
type linuxRawSocket struct {
	fd      int
	ifindex int
	mac     net.HardwareAddr
	proto   uint16
}

func newRawSocket() rawSocket {
	return &linuxRawSocket{fd: -1}
}

func (s *linuxRawSocket) open(iface string, etherType uint16) error {
	netIface, err := net.InterfaceByName(iface)
	if err != nil {
		return err
	}

	fd, err := syscall.Socket(syscall.AF_PACKET, syscall.SOCK_RAW, int(htons(etherType)))
	if err != nil {
		return err
	}

	addr := syscall.SockaddrLinklayer{
		Protocol: htons(etherType),
		Ifindex:  netIface.Index,
	}
	if err := syscall.Bind(fd, &addr); err != nil {
		syscall.Close(fd)
		return err
	}

	// recv wakes up once a second so Close is noticed
	tv := syscall.Timeval{Sec: 1}
	if err := syscall.SetsockoptTimeval(fd, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv); err != nil {
		syscall.Close(fd)
		return err
	}

	s.fd = fd
	s.ifindex = netIface.Index
	s.mac = netIface.HardwareAddr
	s.proto = etherType
	return nil
}

func (s *linuxRawSocket) close() error {
	if s.fd < 0 {
		return nil
	}
	return syscall.Close(s.fd)
}

func (s *linuxRawSocket) recv(buf []byte) (int, error) {
	n, _, err := syscall.Recvfrom(s.fd, buf, 0)
	return n, err
}

func (s *linuxRawSocket) send(dstMAC net.HardwareAddr, data []byte) error {
	addr := syscall.SockaddrLinklayer{
		Protocol: htons(s.proto),
		Ifindex:  s.ifindex,
		Halen:    6,
	}
	copy(addr.Addr[:], dstMAC)
	return syscall.Sendto(s.fd, data, 0, &addr)
}

func (s *linuxRawSocket) hardwareAddr() net.HardwareAddr {
	return s.mac
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
