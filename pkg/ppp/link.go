package ppp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HostStack installs negotiated network-layer configuration on the host.
// Errors are logged by the link and never stop negotiation.
type HostStack interface {
	InstallIPv4(local, remote netip.Addr) error
	ClearIPv4() error
	InstallIPv6IfID(id InterfaceID) error
	SetMTU(mtu int) error
}

type nopHost struct{}

func (nopHost) InstallIPv4(netip.Addr, netip.Addr) error { return nil }
func (nopHost) ClearIPv4() error                         { return nil }
func (nopHost) InstallIPv6IfID(InterfaceID) error        { return nil }
func (nopHost) SetMTU(int) error                         { return nil }

// Stats are the link's interface counters.
type Stats struct {
	InErrors   uint64
	OutErrors  uint64
	NoProto    uint64
	InBytes    uint64
	OutBytes   uint64
	InPackets  uint64
	OutPackets uint64
}

type linkStats struct {
	ierrors, oerrors, noproto uint64
	ibytes, obytes            uint64
	ipackets, opackets        uint64
}

// Link is one point-to-point PPP interface. It owns the automaton state of
// every control protocol, and serializes all events behind one lock.
type Link struct {
	id      uuid.UUID
	name    string
	cfg     Config
	created time.Time

	logger   *zap.Logger
	observer Observer
	host     HostStack
	verifier Verifier
	rand     io.Reader
	now      func() time.Time

	deliver       func(proto uint16, payload []byte)
	onPhaseChange func(from, to Phase)
	lowerStarted  func()
	lowerFinished func()

	mu     sync.Mutex
	timers *timerSet

	phase    Phase
	ifUp     bool // administratively up
	running  bool
	callIn   bool
	needAuth bool // the peer asked us to authenticate
	loopback bool
	detached bool
	mtu      int
	savedMTU int

	// protos has one bit per protocol (indexed by timerKey) that LCP must
	// stay up for.
	protos uint32

	myAuth       AuthCredentials
	hisAuth      AuthCredentials
	authFailures int
	verifying    bool
	verifyGen    uint64

	aliveCnt     int
	loopCnt      int
	lastActivity time.Time
	lastReceive  time.Time

	lcp    *lcpProto
	ipcp   *ipcpProto
	ipv6cp *ipv6cpProto
	pap    *papProto
	chap   *chapProto
	table  [numTimers - 1]controlProtocol

	cisco ciscoState

	ctrlq *frameQueue
	dataq *frameQueue
	ready chan struct{}
	stats linkStats
}

func protoBit(k timerKey) uint32 {
	return 1 << uint(k)
}

// NewLink creates a link. A nil host installs nothing.
func NewLink(cfg Config, host HostStack, logger *zap.Logger) (*Link, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid link config: %w", err)
	}
	if host == nil {
		host = nopHost{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.New()
	l := &Link{
		id:       id,
		name:     cfg.Name,
		cfg:      cfg,
		created:  time.Now(),
		logger:   logger.With(zap.String("link", cfg.Name), zap.String("link_id", id.String())),
		observer: NopObserver{},
		host:     host,
		rand:     rand.Reader,
		now:      time.Now,
		mtu:      cfg.MTU,
		myAuth:   cfg.MyAuth,
		hisAuth:  cfg.HisAuth,
		ctrlq:    newFrameQueue(cfg.ControlQueueLen),
		dataq:    newFrameQueue(cfg.DataQueueLen),
		ready:    make(chan struct{}, 1),
	}
	l.timers = newTimerSet(&l.mu)

	l.lcp = newLCP(l)
	l.ipcp = &ipcpProto{l: l, st: cpState{state: StateInitial}}
	l.ipv6cp = &ipv6cpProto{l: l, st: cpState{state: StateInitial}}
	l.pap = &papProto{l: l, st: cpState{state: StateClosed}}
	l.chap = &chapProto{l: l, st: cpState{state: StateClosed}}
	l.table = [numTimers - 1]controlProtocol{l.lcp, l.ipcp, l.ipv6cp, l.pap, l.chap}

	if cfg.HisAuth.Proto != 0 {
		l.lcp.st.setOpt(LCPOptAuthProto)
	}

	return l, nil
}

// ID returns the link's unique identifier.
func (l *Link) ID() uuid.UUID { return l.id }

// Name returns the configured link name.
func (l *Link) Name() string { return l.name }

// SetObserver installs an event observer.
func (l *Link) SetObserver(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o == nil {
		o = NopObserver{}
	}
	l.observer = o
}

// SetVerifier delegates authenticator checks to v.
func (l *Link) SetVerifier(v Verifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verifier = v
}

// SetRandom replaces the random source used for magic numbers, challenges
// and interface identifiers.
func (l *Link) SetRandom(r io.Reader) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rand = r
}

// SetDeliver sets the callback receiving inbound IPv4/IPv6 payloads. It runs
// with the link lock held.
func (l *Link) SetDeliver(fn func(proto uint16, payload []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deliver = fn
}

// SetOnPhaseChange sets the phase change callback
func (l *Link) SetOnPhaseChange(fn func(from, to Phase)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onPhaseChange = fn
}

// SetLowerLayerHooks sets the callbacks run when LCP starts and finishes,
// letting the lower layer dial or hang up.
func (l *Link) SetLowerLayerHooks(started, finished func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lowerStarted = started
	l.lowerFinished = finished
}

// Up signals that the lower layer (carrier) is available.
func (l *Link) Up() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.detached {
		return
	}
	l.lcp.up()
}

// Down signals carrier loss.
func (l *Link) Down() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.detached {
		return
	}
	l.lcp.down()
}

// Open administratively enables the link. Passive and auto-dial links wait
// for the peer or for traffic before LCP is opened.
func (l *Link) Open() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.detached {
		return
	}
	l.ifUp = true
	if l.cfg.Passive || l.cfg.AutoDial {
		return
	}
	l.running = true
	if l.cfg.Framing != FramingCiscoHD {
		l.lcp.open()
	}
}

// Close administratively disables the link. The Terminate-Request stays
// queued; pending data is dropped.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.detached {
		return
	}
	l.lcp.close()
	l.dataq.purge()
	l.running = false
	l.ifUp = false
}

// Detach tears the link down. All timers are cancelled and any callback
// already in flight becomes a no-op.
func (l *Link) Detach() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.detached {
		return
	}
	l.timers.detach()
	l.detached = true
	l.ctrlq.purge()
	l.dataq.purge()
	l.logger.Info("link detached")
}

// Ready is signalled when frames are queued for transmission.
func (l *Link) Ready() <-chan struct{} {
	return l.ready
}

// Dequeue returns the next frame to transmit. Control frames go first;
// data waits until an NCP is open.
func (l *Link) Dequeue() ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.ctrlq.pop()
	if !ok && (l.cfg.Framing == FramingCiscoHD || l.ncpOpen()) {
		f, ok = l.dataq.pop()
	}
	if ok {
		l.stats.obytes += uint64(len(f))
		l.stats.opackets++
	}
	return f, ok
}

// DNSAddrs returns the DNS servers learned from IPCP.
func (l *Link) DNSAddrs() [2]netip.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ipcp.dns
}

// LinkStatus is a snapshot of a link.
type LinkStatus struct {
	ID      uuid.UUID
	Name    string
	Phase   Phase
	Up      bool
	Running bool

	LCP    State
	IPCP   State
	IPv6CP State
	PAP    State
	CHAP   State

	AuthFailures int
	AuthLocked   bool
	Loopback     bool

	Magic   uint32
	MRU     int
	PeerMRU int
	MTU     int

	LocalIPv4 netip.Addr
	PeerIPv4  netip.Addr
	DNS       [2]netip.Addr
	LocalIfID InterfaceID
	PeerIfID  InterfaceID

	Stats Stats
}

// Status returns a snapshot of the link.
func (l *Link) Status() LinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LinkStatus{
		ID:           l.id,
		Name:         l.name,
		Phase:        l.phase,
		Up:           l.ifUp,
		Running:      l.running,
		LCP:          l.lcp.st.state,
		IPCP:         l.ipcp.st.state,
		IPv6CP:       l.ipv6cp.st.state,
		PAP:          l.pap.st.state,
		CHAP:         l.chap.st.state,
		AuthFailures: l.authFailures,
		AuthLocked:   l.authLocked(),
		Loopback:     l.loopback,
		Magic:        l.lcp.magic,
		MRU:          l.lcp.mru,
		PeerMRU:      l.lcp.theirMRU,
		MTU:          l.mtu,
		LocalIPv4:    l.ipcp.local,
		PeerIPv4:     l.ipcp.remote,
		DNS:          l.ipcp.dns,
		LocalIfID:    l.ipv6cp.myID,
		PeerIfID:     l.ipv6cp.hisID,
		Stats: Stats{
			InErrors:   l.stats.ierrors,
			OutErrors:  l.stats.oerrors,
			NoProto:    l.stats.noproto,
			InBytes:    l.stats.ibytes,
			OutBytes:   l.stats.obytes,
			InPackets:  l.stats.ipackets,
			OutPackets: l.stats.opackets,
		},
	}
}

func (l *Link) ncpOpen() bool {
	return l.ipcp.st.state == StateOpened || l.ipv6cp.st.state == StateOpened
}

// protocol maps a PPP protocol number to its automaton.
func (l *Link) protocol(proto uint16) controlProtocol {
	for _, p := range l.table {
		if p.proto() == proto {
			return p
		}
	}
	return nil
}

func (l *Link) setPhase(next Phase) {
	prev := l.phase
	if prev == next {
		return
	}
	l.phase = next
	l.logger.Info("phase change",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
	l.observer.PhaseChanged(l.name, prev, next)
	if l.onPhaseChange != nil {
		l.onPhaseChange(prev, next)
	}
}

// ifDown takes the interface administratively down.
func (l *Link) ifDown(reason string) {
	if !l.ifUp {
		return
	}
	l.ifUp = false
	l.logger.Warn("interface down", zap.String("reason", reason))
}

func (l *Link) ifRaise() {
	if l.ifUp {
		return
	}
	l.ifUp = true
	l.logger.Info("interface up")
}

func (l *Link) signal() {
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *Link) inputError(proto string, err error) {
	l.stats.ierrors++
	l.observer.InputError(l.name, proto)
	l.logger.Debug("dropping input", zap.String("proto", proto), zap.Error(err))
}

// enqueueControl queues a control frame ahead of data.
func (l *Link) enqueueControl(frame []byte) {
	if !l.ctrlq.push(frame) {
		l.stats.oerrors++
		l.observer.OutputError(l.name, "control queue full")
		l.logger.Debug("control queue full, dropping frame", zap.Error(ErrQueueFull))
		return
	}
	l.signal()
}

// sendControl builds and queues a control packet for proto.
func (l *Link) sendControl(proto uint16, code, id uint8, parts ...[]byte) {
	pkt, err := buildControl(code, id, parts...)
	if err != nil {
		l.stats.oerrors++
		l.logger.Warn("cannot build control packet",
			zap.String("proto", ProtocolName(proto)),
			zap.String("code", CodeName(code)),
			zap.Error(err),
		)
		return
	}

	l.logger.Debug("output",
		zap.String("proto", ProtocolName(proto)),
		zap.String("code", CodeName(code)),
		zap.Uint8("id", id),
		zap.Int("len", len(pkt)),
	)
	l.enqueueControl(EncodeFrame(l.cfg.Framing, AddrAllStations, proto, pkt))
}

// sendRejectData sends a Code-Reject or Protocol-Reject quoting data,
// truncated so that the packet fits the peer's MRU.
func (l *Link) sendRejectData(proto uint16, code, id uint8, prefix, data []byte) {
	room := l.lcp.theirMRU - ControlHeaderLen - len(prefix)
	if room < 0 {
		room = 0
	}
	if len(data) > room {
		data = data[:room]
	}
	l.sendControl(proto, code, id, prefix, data)
}

func (l *Link) random32() uint32 {
	var b [4]byte
	if _, err := io.ReadFull(l.rand, b[:]); err != nil {
		l.logger.Warn("random source failed", zap.Error(err))
		return uint32(l.now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

func (l *Link) randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(l.rand, b); err != nil {
		l.logger.Warn("random source failed", zap.Error(err))
		for i := range b {
			b[i] = byte(l.random32())
		}
	}
	return b
}

// loopbackDetected handles a looped-back line: the interface goes down, the
// control queue is purged and LCP is restarted.
func (l *Link) loopbackDetected() {
	l.loopback = true
	l.observer.Loopback(l.name)
	l.logger.Warn("loopback detected", zap.Uint32("magic", l.lcp.magic))
	if l.ifUp {
		l.ifDown("loopback")
		l.ctrlq.purge()
		l.lcp.down()
		l.lcp.up()
	}
}
