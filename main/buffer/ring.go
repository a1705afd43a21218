package buffer

import "sync"

// RingBuffer is the fixed-slot sibling of FrameQueue. Same drop-oldest
// policy, but head/tail indexed so the newest entry can be inspected without
// consuming it, which is what the status reporting wants.
type RingBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []*Frame
	head   int
	count  int
	closed bool
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	r := &RingBuffer{buf: make([]*Frame, capacity)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Push takes ownership of f, evicting and releasing the oldest entry when
// all slots are taken.
func (r *RingBuffer) Push(f *Frame) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		f.Release()
		return
	}
	if r.count == len(r.buf) {
		oldest := r.buf[r.head]
		r.buf[r.head] = nil
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		oldest.Release()
	}
	r.buf[(r.head+r.count)%len(r.buf)] = f
	r.count++
	r.mu.Unlock()
	r.cond.Signal()
}

// WaitAndPop blocks until an entry is available or the buffer is closed.
func (r *RingBuffer) WaitAndPop() (*Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.count == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.count == 0 {
		return nil, false
	}
	f := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return f, true
}

// Peek returns the most recently pushed entry without consuming it. The
// buffer keeps ownership; callers must not release the frame.
func (r *RingBuffer) Peek() (*Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil, false
	}
	return r.buf[(r.head+r.count-1)%len(r.buf)], true
}

func (r *RingBuffer) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count == len(r.buf)
}

func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *RingBuffer) Cap() int {
	return len(r.buf)
}

// Close releases all stored frames and unblocks waiters.
func (r *RingBuffer) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var held []*Frame
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.buf)
		held = append(held, r.buf[idx])
		r.buf[idx] = nil
	}
	r.count = 0
	r.mu.Unlock()
	r.cond.Broadcast()
	for _, f := range held {
		f.Release()
	}
}
