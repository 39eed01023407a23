package ppp

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry is the set of links swept by a Supervisor.
type Registry struct {
	mu    sync.RWMutex
	links map[uuid.UUID]*Link
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{links: make(map[uuid.UUID]*Link)}
}

// Attach adds a link.
func (r *Registry) Attach(l *Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[l.ID()] = l
}

// Detach removes the link with id and detaches it. Unknown ids are ignored.
func (r *Registry) Detach(id uuid.UUID) {
	r.mu.Lock()
	l, ok := r.links[id]
	delete(r.links, id)
	r.mu.Unlock()

	if ok {
		l.Detach()
	}
}

// Get returns the link with id.
func (r *Registry) Get(id uuid.UUID) (*Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[id]
	return l, ok
}

// Links returns a snapshot of all attached links.
func (r *Registry) Links() []*Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	return out
}

// Len returns the number of attached links.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// Supervisor periodically sends keepalives on every registered link, takes
// down links whose peer stopped answering and closes idle links.
type Supervisor struct {
	registry *Registry
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	running int32 // atomic

	sweeps    uint64
	sent      uint64
	timeouts  uint64
	idleClose uint64
}

// NewSupervisor creates a supervisor. A zero interval means
// KeepaliveInterval.
func NewSupervisor(reg *Registry, interval time.Duration, logger *zap.Logger) *Supervisor {
	if interval <= 0 {
		interval = KeepaliveInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		registry: reg,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the sweep loop.
func (s *Supervisor) Start() {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.runLoop()

	s.logger.Info("Keepalive supervisor started", zap.Duration("interval", s.interval))
}

// Stop stops the sweep loop and waits for it to exit.
func (s *Supervisor) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}

	close(s.stopCh)
	<-s.doneCh

	s.logger.Info("Keepalive supervisor stopped")
}

func (s *Supervisor) runLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Sweep runs one keepalive round over all links as of now.
func (s *Supervisor) Sweep(now time.Time) {
	atomic.AddUint64(&s.sweeps, 1)
	for _, l := range s.registry.Links() {
		switch l.keepalive(now) {
		case keepaliveSent:
			atomic.AddUint64(&s.sent, 1)
		case keepaliveTimeout:
			atomic.AddUint64(&s.timeouts, 1)
		case keepaliveIdle:
			atomic.AddUint64(&s.idleClose, 1)
		}
	}
}

// GetStats returns supervisor counters.
func (s *Supervisor) GetStats() map[string]uint64 {
	return map[string]uint64{
		"sweeps":             atomic.LoadUint64(&s.sweeps),
		"keepalives_sent":    atomic.LoadUint64(&s.sent),
		"keepalive_timeouts": atomic.LoadUint64(&s.timeouts),
		"idle_closed":        atomic.LoadUint64(&s.idleClose),
		"links":              uint64(s.registry.Len()),
	}
}

type keepaliveResult int

const (
	keepaliveSkipped keepaliveResult = iota
	keepaliveSent
	keepaliveTimeout
	keepaliveIdle
)

// keepalive runs one supervisor round for the link.
func (l *Link) keepalive(now time.Time) keepaliveResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.detached {
		return keepaliveSkipped
	}

	cisco := l.cfg.Framing == FramingCiscoHD

	if l.cfg.IdleTimeout > 0 && !cisco && l.phase == PhaseNetwork &&
		now.Sub(l.lastActivity) >= l.cfg.IdleTimeout {
		l.logger.Info("idle timeout, closing link",
			zap.Duration("idle", now.Sub(l.lastActivity)),
		)
		l.lcp.close()
		return keepaliveIdle
	}

	if !l.cfg.Keepalive || !l.running {
		return keepaliveSkipped
	}
	if !cisco && l.phase < PhaseAuthenticate {
		return keepaliveSkipped
	}

	if now.Sub(l.lastReceive) < l.cfg.MaxNoReceive {
		l.aliveCnt = 0
	}

	if l.aliveCnt >= l.cfg.MaxAlive {
		l.logger.Warn("no keepalive response, link down", zap.Int("missed", l.aliveCnt))
		l.observer.KeepaliveTimeout(l.name)
		l.ifDown("keepalive timeout")
		l.ctrlq.purge()
		if !cisco {
			l.aliveCnt = 0
			l.lcp.close()
			l.changeState(l.lcp, StateStopped)
			l.lcp.tlf()
		}
		return keepaliveTimeout
	}

	l.aliveCnt++
	if cisco {
		l.cisco.seq++
		l.ciscoSend(CiscoKeepaliveRequest, l.cisco.seq, l.cisco.rseq)
	} else if l.lcp.st.state == StateOpened {
		l.lcp.echoID = l.lcp.st.nextID()
		var magic [4]byte
		if l.lcp.st.optSet(LCPOptMagicNumber) {
			binary.BigEndian.PutUint32(magic[:], l.lcp.magic)
		}
		l.sendControl(ProtocolLCP, CodeEchoRequest, l.lcp.echoID, magic[:])
	}
	l.observer.KeepaliveSent(l.name)
	return keepaliveSent
}
