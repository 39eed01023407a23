package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/codelaboratoryltd/sppp/pkg/ppp"
)

const pcapSnapLen = 65536

// PcapTap writes frames to a pcap stream. PPP framings use LINKTYPE_PPP
// and Cisco HDLC uses LINKTYPE_C_HDLC.
type PcapTap struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	now    func() time.Time
}

// LinkTypeFor returns the pcap link type for framing.
func LinkTypeFor(f ppp.Framing) layers.LinkType {
	if f == ppp.FramingCiscoHD {
		return layers.LinkTypeC_HDLC
	}
	return layers.LinkTypePPP
}

// NewPcapTap writes the file header to w and returns a tap.
func NewPcapTap(w io.Writer, framing ppp.Framing) (*PcapTap, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(pcapSnapLen, LinkTypeFor(framing)); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	tap := &PcapTap{w: pw, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		tap.closer = c
	}
	return tap, nil
}

// CreatePcapTap creates (or truncates) path and returns a tap writing to it.
func CreatePcapTap(path string, framing ppp.Framing) (*PcapTap, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap file: %w", err)
	}
	tap, err := NewPcapTap(f, framing)
	if err != nil {
		f.Close()
		return nil, err
	}
	return tap, nil
}

// WriteFrame records one frame.
func (t *PcapTap) WriteFrame(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.w == nil {
		return io.ErrClosedPipe
	}
	data := frame
	if len(data) > pcapSnapLen {
		data = data[:pcapSnapLen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     t.now(),
		CaptureLength: len(data),
		Length:        len(frame),
	}
	return t.w.WritePacket(ci, data)
}

// Close stops the tap and closes the underlying writer if it is a Closer.
func (t *PcapTap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.w == nil {
		return errors.New("pcap tap already closed")
	}
	t.w = nil
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
