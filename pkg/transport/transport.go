// Package transport moves PPP frames between a ppp.Link and the wire.
package transport

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/sppp/pkg/ppp"
)

// MaxFrameSize bounds a single received frame.
const MaxFrameSize = 65535 + ppp.HeaderLen

// Conn carries whole PPP frames.
type Conn interface {
	// ReadFrame blocks until a frame arrives and copies it into buf.
	ReadFrame(buf []byte) (int, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Pump connects a Link to a Conn. Received frames go to Link.Input and
// queued frames are written out whenever the link signals Ready.
type Pump struct {
	link   *ppp.Link
	conn   Conn
	tap    *PcapTap
	logger *zap.Logger
}

// NewPump creates a pump. It does not start it.
func NewPump(link *ppp.Link, conn Conn, logger *zap.Logger) *Pump {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pump{
		link:   link,
		conn:   conn,
		logger: logger.With(zap.String("link", link.Name())),
	}
}

// SetTap mirrors every frame in both directions to tap.
func (p *Pump) SetTap(tap *PcapTap) {
	p.tap = tap
}

// Run pumps frames until ctx is cancelled or the connection fails. The
// connection is closed on return.
func (p *Pump) Run(ctx context.Context) error {
	readErr := make(chan error, 1)
	go func() {
		readErr <- p.readLoop()
	}()

	defer p.conn.Close()

	for {
		if err := p.flush(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			p.conn.Close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-p.link.Ready():
		}
	}
}

func (p *Pump) readLoop() error {
	buf := make([]byte, MaxFrameSize)
	for {
		n, err := p.conn.ReadFrame(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			p.logger.Warn("frame read failed", zap.Error(err))
			return err
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		p.mirror(frame)
		p.link.Input(frame)
	}
}

// flush writes every queued frame.
func (p *Pump) flush() error {
	for {
		frame, ok := p.link.Dequeue()
		if !ok {
			return nil
		}
		p.mirror(frame)
		if err := p.conn.WriteFrame(frame); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// A single failed write is not fatal; the protocol retransmits
			p.logger.Debug("frame write failed", zap.Error(err))
		}
	}
}

func (p *Pump) mirror(frame []byte) {
	if p.tap == nil {
		return
	}
	if err := p.tap.WriteFrame(frame); err != nil {
		p.logger.Debug("pcap write failed", zap.Error(err))
	}
}
