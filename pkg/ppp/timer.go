package ppp

import (
	"sync"
	"time"
)

// timerKey identifies one timer slot of a Link. The automaton slots share
// their index with the protocol table.
type timerKey int

const (
	timerLCP timerKey = iota
	timerIPCP
	timerIPv6CP
	timerPAP
	timerCHAP
	timerPAPPeer // PAP authenticatee retransmission
	numTimers
)

func (k timerKey) String() string {
	switch k {
	case timerLCP:
		return "lcp"
	case timerIPCP:
		return "ipcp"
	case timerIPv6CP:
		return "ipv6cp"
	case timerPAP:
		return "pap"
	case timerCHAP:
		return "chap"
	case timerPAPPeer:
		return "pap-peer"
	default:
		return "unknown"
	}
}

type timerSlot struct {
	t     *time.Timer
	gen   uint64
	armed bool
	fn    func()
}

// timerSet holds the one-shot restart timers of a Link. Callbacks run with
// the owner's lock held and are dropped if the slot was cancelled or
// re-armed after they were scheduled.
type timerSet struct {
	mu       sync.Locker
	slots    [numTimers]timerSlot
	detached bool
}

func newTimerSet(mu sync.Locker) *timerSet {
	return &timerSet{mu: mu}
}

// arm schedules fn after d, replacing any pending timer for key.
// Caller holds the owner's lock.
func (ts *timerSet) arm(key timerKey, d time.Duration, fn func()) {
	if ts.detached {
		return
	}
	ts.cancel(key)

	s := &ts.slots[key]
	s.armed = true
	s.fn = fn
	gen := s.gen
	s.t = time.AfterFunc(d, func() {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.fire(key, gen)
	})
}

// cancel stops the timer for key. Cancelling an idle slot is a no-op.
func (ts *timerSet) cancel(key timerKey) {
	s := &ts.slots[key]
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
	s.armed = false
	s.fn = nil
	s.gen++
}

func (ts *timerSet) pending(key timerKey) bool {
	return ts.slots[key].armed
}

func (ts *timerSet) cancelAll() {
	for k := timerKey(0); k < numTimers; k++ {
		ts.cancel(k)
	}
}

// detach cancels every slot and refuses further arming.
func (ts *timerSet) detach() {
	ts.cancelAll()
	ts.detached = true
}

func (ts *timerSet) fire(key timerKey, gen uint64) bool {
	s := &ts.slots[key]
	if ts.detached || !s.armed || s.gen != gen {
		return false
	}
	fn := s.fn
	s.t = nil
	s.armed = false
	s.fn = nil
	s.gen++
	if fn != nil {
		fn()
	}
	return true
}

// expire fires the pending timer for key synchronously, as if its delay had
// elapsed. Caller holds the owner's lock.
func (ts *timerSet) expire(key timerKey) bool {
	s := &ts.slots[key]
	if !s.armed {
		return false
	}
	if s.t != nil {
		s.t.Stop()
	}
	return ts.fire(key, s.gen)
}
