// Package buffer provides the bounded frame handoff primitives sitting
// between capture and the per-camera pipeline: a FIFO queue and a ring
// variant, both with drop-oldest overflow so a stalled consumer can never
// block the producer.
package buffer

import "sync"

// FrameQueue is a bounded FIFO. Push never blocks: at capacity the oldest
// entry is evicted and released before the new one is stored.
type FrameQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []*Frame
	capacity int
	closed   bool
}

func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &FrameQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push takes ownership of f. When the queue is full the oldest entry is
// released to make room; when the queue is closed f is released immediately.
func (q *FrameQueue) Push(f *Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		f.Release()
		return
	}
	if len(q.items) >= q.capacity {
		oldest := q.items[0]
		q.items = q.items[1:]
		oldest.Release()
	}
	q.items = append(q.items, f)
	q.mu.Unlock()
	q.cond.Signal()
}

// WaitAndPop blocks until an entry is available or the queue is closed.
// Ownership of the returned frame moves to the caller.
func (q *FrameQueue) WaitAndPop() (*Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

func (q *FrameQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

func (q *FrameQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close releases everything still queued and unblocks waiters, which observe
// ok=false. Pushing after Close releases the frame and drops it.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	items := q.items
	q.items = nil
	q.mu.Unlock()
	q.cond.Broadcast()
	for _, f := range items {
		f.Release()
	}
}
