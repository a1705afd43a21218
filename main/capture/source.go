package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"mediacenter/main/buffer"
	"mediacenter/main/camera"
)

// Poll slice for the bus monitor, short for responsive shutdown.
const sourceBusSlice = 50 * time.Millisecond

// RTSPSource pulls the camera's native stream and hands every compressed
// frame to the ingest sink it was built with. A monitor goroutine watches
// the pipeline bus and rebuilds the pipeline after transport failures, so a
// camera that drops off the network comes back on its own.
type RTSPSource struct {
	opts     camera.Options
	codec    codecProfile
	res      camera.ProbeResult
	sink     camera.FrameSink
	frameDur time.Duration
	epoch    time.Time

	mu       sync.Mutex
	pipeline *gst.Pipeline
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	frames     uint64
	reconnects uint32
}

func NewRTSPSource(opts camera.Options, res camera.ProbeResult, sink camera.FrameSink) (*RTSPSource, error) {
	if sink == nil {
		return nil, fmt.Errorf("rtsp source needs a frame sink")
	}
	codec, err := lookupCodec(res.Codec)
	if err != nil {
		return nil, err
	}
	return &RTSPSource{
		opts:     opts,
		codec:    codec,
		res:      res,
		sink:     sink,
		frameDur: frameInterval(res),
		epoch:    time.Now(),
	}, nil
}

func (s *RTSPSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("rtsp source already started")
	}
	pipeline, err := s.buildPipeline()
	if err != nil {
		return fmt.Errorf("rtsp pipeline: %w", err)
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("start rtsp pipeline: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.pipeline = pipeline
	s.cancel = cancel
	s.wg.Add(1)
	go s.monitor(runCtx)

	log.Info().
		Str("camera", s.opts.Name).
		Str("uri", s.opts.URI).
		Str("codec", s.codec.Tag).
		Bool("udp", s.opts.UseUDP).
		Msg("rtsp source started")
	return nil
}

// Stop cancels the monitor, waits for it, and tears the pipeline down.
// Safe to call more than once.
func (s *RTSPSource) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	pipeline := s.pipeline
	s.pipeline = nil
	s.mu.Unlock()
	if pipeline != nil {
		pipeline.SetState(gst.StateNull)
	}

	log.Info().
		Str("camera", s.opts.Name).
		Uint64("frames", atomic.LoadUint64(&s.frames)).
		Uint32("reconnects", atomic.LoadUint32(&s.reconnects)).
		Msg("rtsp source stopped")
}

func (s *RTSPSource) buildPipeline() (*gst.Pipeline, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, err
	}

	src, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, fmt.Errorf("create rtspsrc: %w", err)
	}
	src.SetProperty("location", s.opts.URI)
	src.SetProperty("protocols", rtspProtocols(s.opts.UseUDP))
	src.SetProperty("latency", rtspLatency(s.opts))
	src.SetProperty("do-rtsp-keep-alive", true)
	src.SetProperty("tcp-timeout", uint64(s.opts.ProbeTimeout.Microseconds()))
	if s.opts.ProbeSize > 0 {
		src.SetProperty("udp-buffer-size", s.opts.ProbeSize)
	}

	depay, err := gst.NewElement(s.codec.Depay)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", s.codec.Depay, err)
	}

	var parse *gst.Element
	if s.codec.Parse != "" {
		parse, err = gst.NewElement(s.codec.Parse)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", s.codec.Parse, err)
		}
		// Re-inject SPS/PPS periodically so late joiners can decode
		parse.SetProperty("config-interval", int32(-1))
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 8)
	sink.SetProperty("drop", true)

	if parse != nil {
		pipeline.AddMany(src, depay, parse, sink.Element)
		if err := gst.ElementLinkMany(depay, parse, sink.Element); err != nil {
			return nil, fmt.Errorf("link depay chain: %w", err)
		}
	} else {
		pipeline.AddMany(src, depay, sink.Element)
		if err := gst.ElementLinkMany(depay, sink.Element); err != nil {
			return nil, fmt.Errorf("link depay chain: %w", err)
		}
	}

	// rtspsrc pads appear only once the stream is up
	src.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := depay.GetStaticPad("sink")
		if sinkPad == nil {
			log.Error().Str("camera", s.opts.Name).Msg("depayloader has no sink pad")
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			// one pad per stream; only the video pad fits the depayloader
			log.Debug().
				Str("camera", s.opts.Name).
				Str("pad", srcPad.GetName()).
				Msg("leaving source pad unlinked")
		}
	})

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onSample,
	})

	return pipeline, nil
}

func (s *RTSPSource) onSample(sink *app.Sink) gst.FlowReturn {
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
	// copy out, the buffer goes back to the pool after this callback
	data := make([]byte, len(view))
	copy(data, view)
	buf.Unmap()

	dur := buf.Duration()
	if dur <= 0 {
		dur = s.frameDur
	}

	f := buffer.NewDataFrame(data, time.Since(s.epoch), dur)
	f.Width = s.res.Width
	f.Height = s.res.Height
	atomic.AddUint64(&s.frames, 1)
	s.sink(f)
	return gst.FlowOK
}

// monitor owns the watch-fail-rebuild cycle. It only returns when the
// context ends; every failure is logged and retried after a fixed delay.
func (s *RTSPSource) monitor(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		pipeline := s.pipeline
		s.mu.Unlock()

		if pipeline != nil {
			err := s.watchBus(ctx, pipeline)
			if err == nil {
				return
			}
			log.Warn().
				Err(err).
				Str("camera", s.opts.Name).
				Uint64("frames", atomic.LoadUint64(&s.frames)).
				Msg("rtsp pipeline failed, reconnecting")
			pipeline.SetState(gst.StateNull)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.ProbeDelay):
		}

		next, err := s.buildPipeline()
		if err != nil {
			log.Err(err).Str("camera", s.opts.Name).Msg("rtsp pipeline rebuild failed")
			s.setPipeline(nil)
			continue
		}
		if err := next.SetState(gst.StatePlaying); err != nil {
			log.Err(err).Str("camera", s.opts.Name).Msg("rtsp pipeline restart failed")
			next.SetState(gst.StateNull)
			s.setPipeline(nil)
			continue
		}
		s.setPipeline(next)
		atomic.AddUint32(&s.reconnects, 1)
		log.Info().
			Str("camera", s.opts.Name).
			Uint32("reconnects", atomic.LoadUint32(&s.reconnects)).
			Msg("rtsp source reconnected")
	}
}

func (s *RTSPSource) setPipeline(p *gst.Pipeline) {
	s.mu.Lock()
	s.pipeline = p
	s.mu.Unlock()
}

// watchBus drains bus messages until the context ends (nil) or the pipeline
// reports something fatal (error).
func (s *RTSPSource) watchBus(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg := bus.TimedPop(sourceBusSlice)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return fmt.Errorf("camera closed the stream")
		case gst.MessageError:
			gerr := msg.ParseError()
			log.Error().
				Str("camera", s.opts.Name).
				Str("debug", gerr.DebugString()).
				Msg(gerr.Error())
			return fmt.Errorf("pipeline error: %s", gerr.Error())
		case gst.MessageWarning:
			gw := msg.ParseWarning()
			log.Warn().Str("camera", s.opts.Name).Msg(gw.Error())
		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePlaying {
					log.Debug().Str("camera", s.opts.Name).Msg("rtsp pipeline playing")
				}
			}
		}
	}
}
