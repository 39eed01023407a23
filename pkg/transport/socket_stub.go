//go:build !linux

package transport

import (
	"fmt"
	"net"
	"runtime"
)

// stubRawSocket is a stub for non-Linux platforms
type stubRawSocket struct{}

func newRawSocket() rawSocket {
	return &stubRawSocket{}
}

func (s *stubRawSocket) open(iface string, etherType uint16) error {
	return fmt.Errorf("raw sockets not supported on %s (Linux required for PPPoE)", runtime.GOOS)
}

func (s *stubRawSocket) close() error {
	return nil
}

func (s *stubRawSocket) recv(buf []byte) (int, error) {
	return 0, fmt.Errorf("raw sockets not supported on %s", runtime.GOOS)
}

func (s *stubRawSocket) send(dstMAC net.HardwareAddr, data []byte) error {
	return fmt.Errorf("raw sockets not supported on %s", runtime.GOOS)
}

func (s *stubRawSocket) hardwareAddr() net.HardwareAddr {
	return nil
}
