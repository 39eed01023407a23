package ppp

// frameQueue is a bounded FIFO of encoded frames. It is guarded by the
// owning Link's lock.
type frameQueue struct {
	frames [][]byte
	max    int
}

func newFrameQueue(max int) *frameQueue {
	return &frameQueue{max: max}
}

// push appends f, reporting false when the queue is full.
func (q *frameQueue) push(f []byte) bool {
	if len(q.frames) >= q.max {
		return false
	}
	q.frames = append(q.frames, f)
	return true
}

func (q *frameQueue) pop() ([]byte, bool) {
	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return f, true
}

func (q *frameQueue) purge() int {
	n := len(q.frames)
	q.frames = nil
	return n
}

func (q *frameQueue) len() int {
	return len(q.frames)
}
