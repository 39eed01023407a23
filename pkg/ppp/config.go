package ppp

import (
	"fmt"
	"net/netip"
	"time"
)

// Link defaults
const (
	DefaultMTU        = 1500 // PP_MTU
	MinMRU            = 128
	LoopAliveCount    = 3 // loopback repeats tolerated before the link is taken down
	DefaultMaxAlive   = 3
	DefaultNoReceive  = 15 * time.Second
	KeepaliveInterval = 10 * time.Second
	DefaultAuthLimit  = 5
	ControlQueueLen   = 20
	DataQueueLen      = 32
)

// IPCPConfig configures IPv4 address negotiation.
type IPCPConfig struct {
	Disabled bool
	// Local is our address. Zero or 0.0.0.0 asks the peer to assign one.
	Local netip.Addr
	// Remote is the address the peer must use. Zero accepts whatever the
	// peer proposes.
	Remote netip.Addr
	// DNSQuery requests DNS servers: bit 0 primary, bit 1 secondary.
	DNSQuery uint8
}

// IPv6CPConfig configures interface-identifier negotiation.
type IPv6CPConfig struct {
	Disabled bool
	// InterfaceID is our identifier. Zero generates a random one and lets
	// the peer's Nak replace it.
	InterfaceID InterfaceID
	// PeerInterfaceID is the identifier we expect from the peer, if known.
	PeerInterfaceID InterfaceID
}

// Config holds per-link tunables.
type Config struct {
	Name     string
	Framing  Framing
	Passive  bool // wait for the peer, open LCP on lower-layer Up
	AutoDial bool // open LCP on the first outbound packet
	MTU      int

	RestartTimer time.Duration // Restart timer (RFC 1661 default 3s)
	MaxConfigure int           // Max Configure-Request retransmissions
	MaxTerminate int           // Max Terminate-Request retransmissions
	MaxFailure   int           // Max Configure-Nak before Configure-Reject

	Keepalive    bool
	MaxAlive     int           // unanswered keepalives before the link is dropped
	MaxNoReceive time.Duration // silence before keepalives count
	IdleTimeout  time.Duration // 0 disables

	MaxAuthFailures int // 0 means unlimited
	RechallengeMin  time.Duration
	RechallengeMax  time.Duration
	VerifyTimeout   time.Duration

	MyAuth  AuthCredentials // what we send when the peer authenticates us
	HisAuth AuthCredentials // what we expect from the peer

	IPCP   IPCPConfig
	IPv6CP IPv6CPConfig

	// CiscoAddress is returned in Cisco address replies.
	CiscoAddress netip.Prefix

	ControlQueueLen int
	DataQueueLen    int
}

// DefaultConfig returns the default link configuration.
func DefaultConfig() Config {
	return Config{
		Name:            "ppp0",
		Framing:         FramingHDLC,
		MTU:             DefaultMTU,
		RestartTimer:    3 * time.Second,
		MaxConfigure:    10,
		MaxTerminate:    2,
		MaxFailure:      10,
		Keepalive:       true,
		MaxAlive:        DefaultMaxAlive,
		MaxNoReceive:    DefaultNoReceive,
		MaxAuthFailures: DefaultAuthLimit,
		RechallengeMin:  300 * time.Second,
		RechallengeMax:  810 * time.Second,
		VerifyTimeout:   5 * time.Second,
		ControlQueueLen: ControlQueueLen,
		DataQueueLen:    DataQueueLen,
	}
}

// Validate checks the configuration for values the automaton cannot run with.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("link name required")
	}
	if c.MTU < MinMRU || c.MTU > 0xFFFF {
		return fmt.Errorf("mtu %d out of range [%d, 65535]", c.MTU, MinMRU)
	}
	if c.RestartTimer <= 0 {
		return fmt.Errorf("restart timer must be positive")
	}
	if c.MaxConfigure < 1 || c.MaxTerminate < 1 {
		return fmt.Errorf("max-configure and max-terminate must be at least 1")
	}
	if c.MaxFailure < 0 || c.MaxAlive < 1 || c.MaxAuthFailures < 0 {
		return fmt.Errorf("negative failure limits")
	}
	if c.RechallengeMax < c.RechallengeMin {
		return fmt.Errorf("rechallenge max %s below min %s", c.RechallengeMax, c.RechallengeMin)
	}
	if c.ControlQueueLen < 1 || c.DataQueueLen < 1 {
		return fmt.Errorf("queue lengths must be at least 1")
	}
	if err := c.MyAuth.validate(); err != nil {
		return fmt.Errorf("my auth: %w", err)
	}
	if err := c.HisAuth.validate(); err != nil {
		return fmt.Errorf("his auth: %w", err)
	}
	return nil
}
