package radius

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2869"

	"github.com/codelaboratoryltd/sppp/pkg/ppp"
)

// Request types reported to a Recorder.
const (
	RequestPAP  = "pap"
	RequestCHAP = "chap"
)

// Results reported to a Recorder.
const (
	ResultAccept = "accept"
	ResultReject = "reject"
	ResultError  = "error"
)

// NASPortTypeSync is the NAS-Port-Type for synchronous serial lines.
const NASPortTypeSync = rfc2865.NASPortType_Value_Sync

// ErrChallengeUnsupported is returned when the server answers with
// Access-Challenge.
var ErrChallengeUnsupported = errors.New("access challenge not supported")

// Recorder receives per-request outcomes. metrics.Metrics implements it.
type Recorder interface {
	RecordRADIUSRequest(reqType, result, server string, latency time.Duration)
	RecordRADIUSTimeout(server string)
}

// Client verifies PPP credentials against RADIUS servers. It implements
// ppp.Verifier.
type Client struct {
	servers    []ServerConfig
	nasID      string
	nasPort    uint32
	logger     *zap.Logger
	timeout    time.Duration
	retries    int
	recorder   Recorder
	currentIdx int
	mu         sync.Mutex
}

var _ ppp.Verifier = (*Client)(nil)

// ServerConfig holds RADIUS server configuration
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret"`
}

func (s ServerConfig) addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ClientConfig holds RADIUS client configuration
type ClientConfig struct {
	Servers []ServerConfig `yaml:"servers"`
	NASID   string         `yaml:"nas_id"`
	NASPort uint32         `yaml:"nas_port"`
	Timeout time.Duration  `yaml:"timeout"`
	Retries int            `yaml:"retries"`
}

// NewClient creates a new RADIUS client
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("at least one RADIUS server required")
	}
	if cfg.NASID == "" {
		return nil, fmt.Errorf("NAS-Identifier required")
	}
	for i, s := range cfg.Servers {
		if s.Host == "" || s.Secret == "" {
			return nil, fmt.Errorf("server %d: host and secret required", i)
		}
		if s.Port == 0 {
			cfg.Servers[i].Port = 1812
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	retries := cfg.Retries
	if retries == 0 {
		retries = 3
	}

	return &Client{
		servers: append([]ServerConfig(nil), cfg.Servers...),
		nasID:   cfg.NASID,
		nasPort: cfg.NASPort,
		logger:  logger,
		timeout: timeout,
		retries: retries,
	}, nil
}

// SetRecorder installs r to receive request outcomes.
func (c *Client) SetRecorder(r Recorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = r
}

// VerifyPAP sends an Access-Request carrying User-Password.
func (c *Client) VerifyPAP(ctx context.Context, username, password string) error {
	return c.authenticate(ctx, RequestPAP, username, func(p *radius.Packet) error {
		return rfc2865.UserPassword_SetString(p, password)
	})
}

// VerifyCHAP sends an Access-Request carrying CHAP-Password (id followed
// by the MD5 response) and CHAP-Challenge.
func (c *Client) VerifyCHAP(ctx context.Context, username string, id uint8, challenge, response []byte) error {
	if len(response) != md5.Size {
		return fmt.Errorf("CHAP response length %d: %w", len(response), ppp.ErrAuthFailure)
	}
	chapPassword := make([]byte, 0, 1+len(response))
	chapPassword = append(chapPassword, id)
	chapPassword = append(chapPassword, response...)

	return c.authenticate(ctx, RequestCHAP, username, func(p *radius.Packet) error {
		if err := rfc2865.CHAPPassword_Set(p, chapPassword); err != nil {
			return err
		}
		return rfc2865.CHAPChallenge_Set(p, challenge)
	})
}

func (c *Client) authenticate(ctx context.Context, reqType, username string, setCreds func(*radius.Packet) error) error {
	var lastErr error

	for attempt := 0; attempt < c.retries; attempt++ {
		server := c.getServer()
		addr := server.addr()

		// The packet is rebuilt per server since the secret differs
		packet, err := c.newRequest(server, username, setCreds)
		if err != nil {
			return err
		}

		start := time.Now()
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		response, err := radius.Exchange(reqCtx, packet, addr)
		cancel()
		latency := time.Since(start)

		if err == nil {
			return c.handleResponse(reqType, username, addr, response, latency)
		}

		lastErr = err
		if errors.Is(err, context.DeadlineExceeded) {
			c.recordTimeout(addr)
		}
		c.record(reqType, ResultError, addr, latency)
		c.logger.Warn("RADIUS request failed, retrying",
			zap.String("server", addr),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			break
		}
		// Try next server on failure
		c.nextServer()
	}

	return fmt.Errorf("RADIUS authentication failed after %d attempts: %w", c.retries, lastErr)
}

func (c *Client) newRequest(server ServerConfig, username string, setCreds func(*radius.Packet) error) (*radius.Packet, error) {
	packet := radius.New(radius.CodeAccessRequest, []byte(server.Secret))

	if err := rfc2865.UserName_SetString(packet, username); err != nil {
		return nil, fmt.Errorf("set User-Name: %w", err)
	}
	if err := setCreds(packet); err != nil {
		return nil, fmt.Errorf("set credentials: %w", err)
	}
	rfc2865.NASIdentifier_SetString(packet, c.nasID)
	rfc2865.NASPortType_Set(packet, NASPortTypeSync)
	rfc2865.NASPort_Set(packet, rfc2865.NASPort(c.nasPort))
	rfc2865.ServiceType_Set(packet, rfc2865.ServiceType_Value_FramedUser)
	rfc2865.FramedProtocol_Set(packet, rfc2865.FramedProtocol_Value_PPP)

	if err := addMessageAuthenticator(packet, []byte(server.Secret)); err != nil {
		return nil, fmt.Errorf("failed to add message authenticator: %w", err)
	}
	return packet, nil
}

func (c *Client) handleResponse(reqType, username, addr string, response *radius.Packet, latency time.Duration) error {
	switch response.Code {
	case radius.CodeAccessAccept:
		c.record(reqType, ResultAccept, addr, latency)
		c.logger.Debug("RADIUS authentication accepted",
			zap.String("username", username),
			zap.String("type", reqType),
			zap.Duration("latency", latency),
		)
		return nil
	case radius.CodeAccessReject:
		c.record(reqType, ResultReject, addr, latency)
		if msg, err := rfc2865.ReplyMessage_LookupString(response); err == nil && msg != "" {
			return fmt.Errorf("access rejected: %s: %w", msg, ppp.ErrAuthFailure)
		}
		return fmt.Errorf("access rejected: %w", ppp.ErrAuthFailure)
	case radius.CodeAccessChallenge:
		c.record(reqType, ResultError, addr, latency)
		return ErrChallengeUnsupported
	default:
		c.record(reqType, ResultError, addr, latency)
		return fmt.Errorf("unexpected RADIUS response code: %d", response.Code)
	}
}

func (c *Client) record(reqType, result, server string, latency time.Duration) {
	c.mu.Lock()
	r := c.recorder
	c.mu.Unlock()
	if r != nil {
		r.RecordRADIUSRequest(reqType, result, server, latency)
	}
}

func (c *Client) recordTimeout(server string) {
	c.mu.Lock()
	r := c.recorder
	c.mu.Unlock()
	if r != nil {
		r.RecordRADIUSTimeout(server)
	}
}

// getServer returns the current RADIUS server
func (c *Client) getServer() ServerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[c.currentIdx]
}

// nextServer advances to the next RADIUS server
func (c *Client) nextServer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentIdx = (c.currentIdx + 1) % len(c.servers)
}

// addMessageAuthenticator adds RFC 2869 Message-Authenticator
func addMessageAuthenticator(packet *radius.Packet, secret []byte) error {
	rfc2869.MessageAuthenticator_Del(packet)

	// Zeroed for the calculation
	if err := rfc2869.MessageAuthenticator_Set(packet, make([]byte, 16)); err != nil {
		return err
	}

	encoded, err := packet.Encode()
	if err != nil {
		return err
	}

	hash := hmac.New(md5.New, secret)
	hash.Write(encoded)

	return rfc2869.MessageAuthenticator_Set(packet, hash.Sum(nil))
}
