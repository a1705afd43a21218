// Package camera ties one stream source to its shared media pipeline and the
// per-viewer sessions behind it. The camera owns the frame queue, the push
// goroutine and the signaling router; transports only ever see the
// HandleSignal/SetSignalSender pair.
package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reactivex/rxgo/v2"
	"github.com/rs/zerolog/log"

	"mediacenter/main/buffer"
	"mediacenter/main/rtc"
)

// FrameSink receives ownership of each produced frame.
type FrameSink func(*buffer.Frame)

// Source produces frames into the sink it was constructed with.
type Source interface {
	Start(ctx context.Context) error
	Stop()
}

// SourceFactory builds a camera's source bound to its ingest sink. Called on
// every Start so a stopped camera can come back with a fresh source. The
// probe result tells the factory what the camera actually serves.
type SourceFactory func(res ProbeResult, sink FrameSink) (Source, error)

// Pipeline is the shared per-camera media pipeline all sessions branch from.
// Push assumes ownership of the frame. Subscribe and Unsubscribe satisfy the
// session manager's fan-out contract.
type Pipeline interface {
	Build(res ProbeResult) error
	SetActive(active bool)
	Push(f *buffer.Frame) error
	Subscribe(id string) (rxgo.Observable, error)
	Unsubscribe(id string)
	Close()
}

const statusRingDepth = 8

// Camera is the per-stream runtime. Initialize probes the source and builds
// the pipeline; Start spins up the source and the push goroutine. All methods
// are safe for concurrent use.
type Camera struct {
	opts Options

	prober    Prober
	pipeline  Pipeline
	sourceFor SourceFactory

	// recent keeps metadata-only frames for status reads. It never holds a
	// payload, so nothing in it needs releasing.
	recent *buffer.RingBuffer

	mu        sync.Mutex
	cond      *sync.Cond
	queue     *buffer.FrameQueue
	source    Source
	manager   *rtc.Manager
	router    *rtc.Router
	probe     ProbeResult
	sender    func([]byte) error
	startedAt time.Time
	ready     bool
	started   bool
	active    bool
	stopping  bool

	framesIn  uint64
	framesOut uint64
}

// Status is one camera's externally visible state snapshot. Uptime counts
// seconds since the last Start while the camera is running.
type Status struct {
	Name      string `json:"name"`
	Ready     bool   `json:"ready"`
	Started   bool   `json:"started"`
	Active    bool   `json:"active"`
	Sessions  int    `json:"sessions"`
	Queue     int    `json:"queue"`
	Uptime    int    `json:"uptime"`
	FramesIn  uint64 `json:"frames_in"`
	FramesOut uint64 `json:"frames_out"`
	Codec     string `json:"codec,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	LastPtsMs int64  `json:"last_pts_ms"`
}

func New(opts Options, prober Prober, pipeline Pipeline, sourceFor SourceFactory) (*Camera, error) {
	opts = opts.withDefaults()
	if opts.Name == "" {
		return nil, fmt.Errorf("camera needs a name")
	}
	if opts.URI == "" {
		return nil, fmt.Errorf("camera %s needs a source uri", opts.Name)
	}
	if prober == nil || pipeline == nil || sourceFor == nil {
		return nil, fmt.Errorf("camera %s is missing a capability", opts.Name)
	}
	c := &Camera{
		opts:      opts,
		prober:    prober,
		pipeline:  pipeline,
		sourceFor: sourceFor,
		recent:    buffer.NewRingBuffer(statusRingDepth),
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

func (c *Camera) Name() string { return c.opts.Name }

// Options returns the normalized options the camera runs with.
func (c *Camera) Options() Options { return c.opts }

// Initialize probes the stream and builds the shared pipeline and the session
// manager from the result. Already-ready cameras return immediately, so the
// orchestrator's batch retry can re-enter without cost.
func (c *Camera) Initialize(ctx context.Context) error {
	if c.Ready() {
		return nil
	}

	res, err := ProbeWithReconnect(ctx, c.prober, c.opts.ProbeAttempts, c.opts.ProbeTimeout, c.opts.ProbeDelay)
	if err != nil {
		return fmt.Errorf("camera %s: %w", c.opts.Name, err)
	}

	codec, err := rtc.CodecCapability(res.Codec)
	if err != nil {
		return fmt.Errorf("camera %s: %w", c.opts.Name, err)
	}
	api, err := rtc.SetupAPI(codec)
	if err != nil {
		return fmt.Errorf("camera %s: webrtc api: %w", c.opts.Name, err)
	}

	if err := c.pipeline.Build(res); err != nil {
		return fmt.Errorf("camera %s: build pipeline: %w", c.opts.Name, err)
	}

	conf := rtc.GetRtcConfig().WebrtcConfiguration()
	m := rtc.NewManager(c.opts.Name, codec, api, conf, c.pipeline, c.sendSignal)
	m.SetActiveHook(c.setActive)
	m.OnFirstConnection(func() {
		log.Info().Str("camera", c.opts.Name).Msg("first viewer connected")
	})
	m.OnAllDisconnected(func() {
		log.Info().Str("camera", c.opts.Name).Msg("all viewers disconnected")
	})

	c.mu.Lock()
	c.manager = m
	c.router = rtc.NewRouter(c.opts.Name, m)
	c.probe = res
	c.ready = true
	c.mu.Unlock()

	log.Info().
		Str("camera", c.opts.Name).
		Str("codec", res.Codec).
		Int("width", res.Width).
		Int("height", res.Height).
		Msg("camera initialized")
	return nil
}

// Start brings up the source and the push goroutine. Needs a successful
// Initialize first; starting a started camera is a no-op.
func (c *Camera) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return fmt.Errorf("camera %s is not initialized", c.opts.Name)
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.stopping = false
	c.startedAt = time.Now()
	c.queue = buffer.NewFrameQueue(c.opts.QueueCapacity)
	q := c.queue
	res := c.probe
	c.mu.Unlock()

	src, err := c.sourceFor(res, c.ingest)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		q.Close()
		return fmt.Errorf("camera %s: source: %w", c.opts.Name, err)
	}
	if err := src.Start(ctx); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		q.Close()
		return fmt.Errorf("camera %s: start source: %w", c.opts.Name, err)
	}

	c.mu.Lock()
	c.source = src
	c.mu.Unlock()

	go c.pushLoop(q)

	log.Info().Str("camera", c.opts.Name).Msg("camera started")
	return nil
}

// Stop tears the runtime down in order: source first so nothing new arrives,
// then the sessions, then the queue so the push goroutine unblocks. Safe to
// call twice.
func (c *Camera) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.stopping = true
	src := c.source
	q := c.queue
	m := c.manager
	c.source = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	if src != nil {
		src.Stop()
	}
	if m != nil {
		m.CloseAll()
	}
	if q != nil {
		q.Close()
	}
	log.Info().Str("camera", c.opts.Name).Msg("camera stopped")
}

// Close stops the camera and releases the pipeline. The camera cannot be
// restarted afterwards.
func (c *Camera) Close() {
	c.Stop()
	c.pipeline.Close()
	c.recent.Close()
}

func (c *Camera) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Camera) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// HandleSignal feeds one raw signaling message into the camera's router.
// Messages arriving before Initialize succeeded are dropped.
func (c *Camera) HandleSignal(msg []byte) {
	c.mu.Lock()
	r := c.router
	c.mu.Unlock()
	if r == nil {
		log.Warn().Str("camera", c.opts.Name).Msg("signal before camera init, dropping")
		return
	}
	r.Dispatch(msg)
}

// SetSignalSender binds the outbound transport capability. May be called
// before or after Initialize; nil unbinds.
func (c *Camera) SetSignalSender(send func([]byte) error) {
	c.mu.Lock()
	c.sender = send
	c.mu.Unlock()
}

func (c *Camera) sendSignal(s rtc.Signal) {
	c.mu.Lock()
	send := c.sender
	c.mu.Unlock()
	if send == nil {
		log.Debug().Str("camera", c.opts.Name).Str("type", s.Type).Msg("no signaling transport bound, dropping message")
		return
	}
	if err := send(s.Marshal()); err != nil {
		log.Warn().Err(err).Str("camera", c.opts.Name).Str("type", s.Type).Msg("outbound signal failed")
	}
}

// setActive runs inside the session manager's locked edge transitions, so it
// must not call back into the manager.
func (c *Camera) setActive(active bool) {
	c.mu.Lock()
	c.active = active
	c.cond.Broadcast()
	c.mu.Unlock()
	c.pipeline.SetActive(active)
}

// ingest takes ownership of a produced frame. Stopped cameras release it on
// the spot; otherwise the status ring gets a metadata copy and the queue gets
// the frame.
func (c *Camera) ingest(f *buffer.Frame) {
	c.mu.Lock()
	q := c.queue
	started := c.started
	w, h := c.probe.Width, c.probe.Height
	c.mu.Unlock()

	if !started || q == nil {
		f.Release()
		return
	}

	atomic.AddUint64(&c.framesIn, 1)
	c.recent.Push(&buffer.Frame{FD: -1, Width: w, Height: h, PTS: f.PTS, Duration: f.Duration})
	q.Push(f)
}

// pushLoop waits until at least one session is open, then blocks on the queue
// and feeds the pipeline. A closed or replaced queue ends the loop.
func (c *Camera) pushLoop(q *buffer.FrameQueue) {
	for {
		c.mu.Lock()
		for !c.active && !c.stopping && c.queue == q {
			c.cond.Wait()
		}
		stop := c.stopping || c.queue != q
		c.mu.Unlock()
		if stop {
			return
		}

		f, ok := q.WaitAndPop()
		if !ok {
			return
		}
		if err := c.pipeline.Push(f); err != nil {
			log.Warn().Err(err).Str("camera", c.opts.Name).Msg("pipeline rejected frame")
			continue
		}
		atomic.AddUint64(&c.framesOut, 1)
	}
}

// Status snapshots the camera without holding more than one lock at a time.
func (c *Camera) Status() Status {
	c.mu.Lock()
	st := Status{
		Name:    c.opts.Name,
		Ready:   c.ready,
		Started: c.started,
		Active:  c.active,
		Codec:   c.probe.Codec,
		Width:   c.probe.Width,
		Height:  c.probe.Height,
	}
	if c.started {
		st.Uptime = int(time.Since(c.startedAt).Seconds())
	}
	q := c.queue
	m := c.manager
	c.mu.Unlock()

	if q != nil {
		st.Queue = q.Size()
	}
	if m != nil {
		st.Sessions = m.Count()
	}
	st.FramesIn = atomic.LoadUint64(&c.framesIn)
	st.FramesOut = atomic.LoadUint64(&c.framesOut)
	if last, ok := c.recent.Peek(); ok {
		st.LastPtsMs = last.PTS.Milliseconds()
	}
	return st
}
