package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameWithPTS(pts int) *Frame {
	return NewDataFrame([]byte{byte(pts)}, time.Duration(pts)*time.Millisecond, time.Millisecond)
}

func TestFrameQueueKeepsNewestAtCapacity(t *testing.T) {
	q := NewFrameQueue(4)
	for i := 0; i <= 5; i++ {
		q.Push(frameWithPTS(i))
	}
	require.Equal(t, 4, q.Size())

	var got []time.Duration
	for i := 0; i < 4; i++ {
		f, ok := q.WaitAndPop()
		require.True(t, ok)
		got = append(got, f.PTS)
	}
	want := []time.Duration{
		2 * time.Millisecond,
		3 * time.Millisecond,
		4 * time.Millisecond,
		5 * time.Millisecond,
	}
	assert.Equal(t, want, got)
	assert.True(t, q.Empty())
}

func TestFrameQueueReleasesEvicted(t *testing.T) {
	q := NewFrameQueue(2)
	first := frameWithPTS(0)
	q.Push(first)
	q.Push(frameWithPTS(1))
	q.Push(frameWithPTS(2))

	assert.True(t, first.Released())
	assert.Equal(t, 2, q.Size())
}

func TestFrameQueuePushNeverBlocks(t *testing.T) {
	q := NewFrameQueue(4)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			q.Push(frameWithPTS(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked with no consumer")
	}
	assert.Equal(t, 4, q.Size())
}

func TestFrameQueueWaitAndPopBlocksUntilPush(t *testing.T) {
	q := NewFrameQueue(4)
	got := make(chan *Frame, 1)
	go func() {
		f, ok := q.WaitAndPop()
		require.True(t, ok)
		got <- f
	}()

	time.Sleep(50 * time.Millisecond)
	q.Push(frameWithPTS(7))

	select {
	case f := <-got:
		assert.Equal(t, 7*time.Millisecond, f.PTS)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitAndPop did not wake up")
	}
}

func TestFrameQueueCloseUnblocksWaiters(t *testing.T) {
	q := NewFrameQueue(4)
	done := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, ok := q.WaitAndPop()
			done <- ok
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()

	for i := 0; i < 2; i++ {
		select {
		case ok := <-done:
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter still blocked after Close")
		}
	}
}

func TestFrameQueueCloseReleasesQueued(t *testing.T) {
	q := NewFrameQueue(4)
	frames := []*Frame{frameWithPTS(0), frameWithPTS(1)}
	for _, f := range frames {
		q.Push(f)
	}
	q.Close()
	for _, f := range frames {
		assert.True(t, f.Released())
	}

	late := frameWithPTS(2)
	q.Push(late)
	assert.True(t, late.Released())
}

func TestFrameQueueConcurrentProducers(t *testing.T) {
	q := NewFrameQueue(8)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Push(frameWithPTS(i))
			}
		}()
	}

	popped := 0
	done := make(chan struct{})
	go func() {
		for {
			if _, ok := q.WaitAndPop(); !ok {
				close(done)
				return
			}
			popped++
		}
	}()

	wg.Wait()
	q.Close()
	<-done

	assert.LessOrEqual(t, popped, 4*250)
	assert.Equal(t, 0, q.Size())
}

func TestRingBufferKeepsNewestAtCapacity(t *testing.T) {
	r := NewRingBuffer(4)
	for i := 0; i <= 5; i++ {
		r.Push(frameWithPTS(i))
	}
	require.Equal(t, 4, r.Len())
	require.True(t, r.Full())

	var got []time.Duration
	for i := 0; i < 4; i++ {
		f, ok := r.WaitAndPop()
		require.True(t, ok)
		got = append(got, f.PTS)
	}
	want := []time.Duration{
		2 * time.Millisecond,
		3 * time.Millisecond,
		4 * time.Millisecond,
		5 * time.Millisecond,
	}
	assert.Equal(t, want, got)
}

func TestRingBufferPeekSeesNewest(t *testing.T) {
	r := NewRingBuffer(3)

	_, ok := r.Peek()
	assert.False(t, ok)

	r.Push(frameWithPTS(1))
	r.Push(frameWithPTS(2))

	f, ok := r.Peek()
	require.True(t, ok)
	assert.Equal(t, 2*time.Millisecond, f.PTS)
	// peek must not consume
	assert.Equal(t, 2, r.Len())

	f2, ok := r.Peek()
	require.True(t, ok)
	assert.Equal(t, f.PTS, f2.PTS)
}

func TestRingBufferWrapAround(t *testing.T) {
	r := NewRingBuffer(3)
	for i := 0; i < 3; i++ {
		r.Push(frameWithPTS(i))
	}
	f, ok := r.WaitAndPop()
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), f.PTS)

	r.Push(frameWithPTS(3))
	r.Push(frameWithPTS(4)) // evicts pts=1

	var got []time.Duration
	for r.Len() > 0 {
		p, ok := r.WaitAndPop()
		require.True(t, ok)
		got = append(got, p.PTS)
	}
	assert.Equal(t, []time.Duration{
		2 * time.Millisecond,
		3 * time.Millisecond,
		4 * time.Millisecond,
	}, got)
}

func TestRingBufferCloseReleasesHeld(t *testing.T) {
	r := NewRingBuffer(2)
	a, b := frameWithPTS(0), frameWithPTS(1)
	r.Push(a)
	r.Push(b)
	r.Close()
	assert.True(t, a.Released())
	assert.True(t, b.Released())
	assert.Equal(t, 0, r.Len())
}

func TestFrameReleaseIdempotent(t *testing.T) {
	f := NewDataFrame([]byte{1, 2, 3}, 0, time.Millisecond)
	assert.False(t, f.Released())
	f.Release()
	f.Release()
	assert.True(t, f.Released())

	// concurrent releases must not panic or double-close
	g := NewDataFrame(nil, 0, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Release()
		}()
	}
	wg.Wait()
	assert.True(t, g.Released())
}
