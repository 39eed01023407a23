package ppp

import "errors"

var (
	// ErrMalformedPacket reports a short frame or a length field that does
	// not agree with the buffer.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrMalformedOption reports an option whose declared length overruns
	// the buffer.
	ErrMalformedOption = errors.New("malformed option")

	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrAuthFailure         = errors.New("authentication failure")
	ErrQueueFull           = errors.New("transmit queue full")
	ErrResourceExhausted   = errors.New("resource exhausted")

	// ErrLinkDown is returned by Output when the interface is down.
	ErrLinkDown = errors.New("link down")

	// ErrAuthBusy is returned by SetAuth unless PAP and CHAP are both Closed.
	ErrAuthBusy = errors.New("authentication in progress")

	// ErrAddrNotAvailable is returned for IPv4 output before IPCP assigned
	// a local address.
	ErrAddrNotAvailable = errors.New("address not available")
)
