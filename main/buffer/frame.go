package buffer

import (
	"sync/atomic"
	"syscall"
	"time"
)

const MaxPlanes = 4

// Frame is one captured video frame handed from the source through a queue to
// the pipeline ingestion point. Byte-backed sources fill Data; descriptor
// sources fill FD plus the per-plane layout. Whoever pops a frame off a queue
// owns it and is responsible for releasing it exactly once.
type Frame struct {
	FD       int
	Width    int
	Height   int
	Format   uint32
	Planes   int
	Offsets  [MaxPlanes]int
	Strides  [MaxPlanes]int
	PTS      time.Duration
	Duration time.Duration
	Data     []byte

	released int32
}

// NewDataFrame wraps an encoded payload that carries no descriptor resource.
func NewDataFrame(data []byte, pts time.Duration, duration time.Duration) *Frame {
	return &Frame{FD: -1, PTS: pts, Duration: duration, Data: data}
}

// Release closes the underlying descriptor, if any. Safe to call more than
// once and from concurrent goroutines; only the first call has an effect.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&f.released, 0, 1) {
		return
	}
	if f.FD >= 0 {
		syscall.Close(f.FD)
	}
}

// Released reports whether Release has already run.
func (f *Frame) Released() bool {
	return atomic.LoadInt32(&f.released) == 1
}
