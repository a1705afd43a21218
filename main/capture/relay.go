package capture

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/reactivex/rxgo/v2"
	"github.com/rs/zerolog/log"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"mediacenter/main/buffer"
	"mediacenter/main/camera"
)

const (
	relayMaxBytes    = 8 * 1024 * 1024
	relayQueueDepth  = 32
	subscriberQueue  = 16
	relayMaxBuffers  = 16
	relayStatsPeriod = time.Second
)

// Relay is the shared leg of one camera's media path. Frames pushed by the
// camera run through a single parse pipeline and fan out as webrtc media
// samples to every subscribed session branch. With no branches left the
// pipeline parks in PAUSED, so an unwatched camera costs nothing downstream.
type Relay struct {
	opts camera.Options

	mu       sync.Mutex
	pipeline *gst.Pipeline
	src      *app.Source
	subs     map[string]chan rxgo.Item
	built    bool
	closed   bool

	frameDur time.Duration
	items    chan rxgo.Item
	done     chan struct{}

	samplesIn  uint64
	samplesOut uint64
	dropped    uint64
	bytesIn    uint64
}

// RelayStats is a point-in-time counter snapshot.
type RelayStats struct {
	SamplesIn  uint64 `json:"samples_in"`
	SamplesOut uint64 `json:"samples_out"`
	Dropped    uint64 `json:"dropped"`
	Branches   int    `json:"branches"`
}

func NewRelay(opts camera.Options) *Relay {
	return &Relay{
		opts:  opts,
		subs:  make(map[string]chan rxgo.Item),
		items: make(chan rxgo.Item, relayQueueDepth),
		done:  make(chan struct{}),
	}
}

func (r *Relay) launchString(codec codecProfile, res camera.ProbeResult) string {
	pipelinearr := []string{
		"appsrc",
		"name=src",
		"is-live=true",
		"format=time",
		"do-timestamp=false",
		"block=false",
		fmt.Sprintf("max-bytes=%d", relayMaxBytes),
		"caps=" + relayCaps(codec, res),
	}
	if codec.Parse != "" {
		pipelinearr = append(pipelinearr,
			"!",
			codec.Parse,
			"config-interval=-1",
		)
		if codec.Parse == "h264parse" {
			pipelinearr = append(pipelinearr, "disable-passthrough=true")
		}
		pipelinearr = append(pipelinearr,
			"!",
			codec.CapsName+",stream-format=byte-stream,alignment=au",
		)
	}
	pipelinearr = append(pipelinearr,
		"!",
		"appsink",
		"name=sink",
		"sync=false",
		fmt.Sprintf("max-buffers=%d", relayMaxBuffers),
		"drop=true",
	)
	return strings.Join(pipelinearr, " ")
}

// Build assembles the pipeline for what the probe discovered. Idempotent;
// the first successful build wins.
func (r *Relay) Build(res camera.ProbeResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("relay is closed")
	}
	if r.built {
		return nil
	}
	codec, err := lookupCodec(res.Codec)
	if err != nil {
		return err
	}

	pipelineString := r.launchString(codec, res)
	pipeline, err := gst.NewPipelineFromString(pipelineString)
	if err != nil {
		return fmt.Errorf("relay pipeline: %w", err)
	}

	srcEl, err := pipeline.GetElementByName("src")
	if err != nil {
		return fmt.Errorf("relay appsrc: %w", err)
	}
	sinkEl, err := pipeline.GetElementByName("sink")
	if err != nil {
		return fmt.Errorf("relay appsink: %w", err)
	}

	sink := app.SinkFromElement(sinkEl)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: r.onSample,
	})

	// parked until the first viewer arrives
	if err := pipeline.SetState(gst.StatePaused); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("preroll relay: %w", err)
	}

	r.pipeline = pipeline
	r.src = app.SrcFromElement(srcEl)
	r.frameDur = frameInterval(res)
	r.built = true

	go r.distribute()
	go r.logStats()

	log.Info().
		Str("camera", r.opts.Name).
		Str("codec", codec.Tag).
		Str("pipeline", pipelineString).
		Msg("relay pipeline built")
	return nil
}

// Push hands one compressed frame to the pipeline. Ownership of the frame
// transfers here; it is released no matter what.
func (r *Relay) Push(f *buffer.Frame) error {
	r.mu.Lock()
	src := r.src
	closed := r.closed
	r.mu.Unlock()

	if closed || src == nil {
		f.Release()
		return fmt.Errorf("relay is not accepting frames")
	}
	if len(f.Data) == 0 {
		f.Release()
		return fmt.Errorf("frame carries no payload")
	}

	buf := gst.NewBufferFromBytes(f.Data)
	buf.SetPresentationTimestamp(f.PTS)
	flow := src.PushBuffer(buf)
	f.Release()

	if flow != gst.FlowOK {
		if flow == gst.FlowFlushing {
			return fmt.Errorf("relay ingest is flushing")
		}
		return fmt.Errorf("relay ingest rejected frame: %s", flow.String())
	}
	return nil
}

// SetActive moves the pipeline between PLAYING and PAUSED. Driven by the
// session manager's first-viewer and last-viewer edges.
func (r *Relay) SetActive(active bool) {
	r.mu.Lock()
	pipeline := r.pipeline
	r.mu.Unlock()
	if pipeline == nil {
		return
	}

	state := gst.StatePaused
	if active {
		state = gst.StatePlaying
	}
	if err := pipeline.SetState(state); err != nil {
		log.Err(err).Str("camera", r.opts.Name).Bool("active", active).Msg("relay state change failed")
		return
	}
	if active {
		log.Info().Str("camera", r.opts.Name).Msg("relay playing")
	} else {
		log.Info().Str("camera", r.opts.Name).Msg("relay paused, no viewers left")
	}
}

// Subscribe splices a new branch and returns its sample stream.
func (r *Relay) Subscribe(id string) (rxgo.Observable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("relay is closed")
	}
	if !r.built {
		return nil, fmt.Errorf("relay has no pipeline yet")
	}
	if _, ok := r.subs[id]; ok {
		return nil, fmt.Errorf("branch %s already spliced", id)
	}
	ch := make(chan rxgo.Item, subscriberQueue)
	r.subs[id] = ch
	return rxgo.FromChannel(ch), nil
}

// Unsubscribe unsplices a branch and completes its stream. Unknown ids are
// a no-op.
func (r *Relay) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	close(ch)
}

// Close tears the pipeline down and completes every remaining branch.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pipeline := r.pipeline
	r.pipeline = nil
	r.src = nil
	subs := r.subs
	r.subs = make(map[string]chan rxgo.Item)
	close(r.done)
	r.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	if pipeline != nil {
		pipeline.SetState(gst.StateNull)
	}
	log.Info().
		Str("camera", r.opts.Name).
		Uint64("samples", atomic.LoadUint64(&r.samplesIn)).
		Msg("relay closed")
}

func (r *Relay) Stats() RelayStats {
	r.mu.Lock()
	branches := len(r.subs)
	r.mu.Unlock()
	return RelayStats{
		SamplesIn:  atomic.LoadUint64(&r.samplesIn),
		SamplesOut: atomic.LoadUint64(&r.samplesOut),
		Dropped:    atomic.LoadUint64(&r.dropped),
		Branches:   branches,
	}
}

func (r *Relay) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}
	buf := sample.GetBuffer()
	if buf == nil {
		return gst.FlowError
	}

	mapInfo := buf.Map(gst.MapRead)
	view := mapInfo.Bytes()
	if len(view) == 0 {
		buf.Unmap()
		return gst.FlowOK
	}
	// every branch shares this copy read-only
	data := make([]byte, len(view))
	copy(data, view)
	buf.Unmap()

	dur := buf.Duration()
	if dur <= 0 {
		dur = r.frameDur
	}

	atomic.AddUint64(&r.samplesIn, 1)
	atomic.AddUint64(&r.bytesIn, uint64(len(data)))

	select {
	case r.items <- rxgo.Of(media.Sample{Data: data, Duration: dur}):
	default:
		atomic.AddUint64(&r.dropped, 1)
	}
	return gst.FlowOK
}

// distribute fans queued samples out to the branches. Slow branches drop
// rather than stall the rest; branch lifecycle stays with the manager.
func (r *Relay) distribute() {
	for {
		select {
		case <-r.done:
			return
		case item := <-r.items:
			r.mu.Lock()
			for id, ch := range r.subs {
				select {
				case ch <- item:
					atomic.AddUint64(&r.samplesOut, 1)
				default:
					atomic.AddUint64(&r.dropped, 1)
					log.Debug().Str("camera", r.opts.Name).Str("branch", id).Msg("branch queue full, dropping sample")
				}
			}
			r.mu.Unlock()
		}
	}
}

// every second, print throughput while playing
func (r *Relay) logStats() {
	var lastIn, lastBytes uint64
	for {
		select {
		case <-r.done:
			return
		case <-time.After(relayStatsPeriod):
		}

		r.mu.Lock()
		pipeline := r.pipeline
		branches := len(r.subs)
		r.mu.Unlock()

		in := atomic.LoadUint64(&r.samplesIn)
		bytes := atomic.LoadUint64(&r.bytesIn)
		if pipeline == nil || pipeline.GetState() != gst.StatePlaying {
			lastIn, lastBytes = in, bytes
			continue
		}

		fps := in - lastIn
		perFrame := uint64(0)
		if fps > 0 {
			perFrame = (bytes - lastBytes) / fps
		}
		log.Info().
			Str("camera", r.opts.Name).
			Uint64("fps", fps).
			Uint64("frame_size_kb", perFrame/1024).
			Uint64("bitrate_kb", (bytes-lastBytes)/1024).
			Int("branches", branches).
			Uint64("dropped", atomic.LoadUint64(&r.dropped)).
			Send()
		lastIn, lastBytes = in, bytes
	}
}
