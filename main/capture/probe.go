package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tinyzimmer/go-gst/gst"

	"mediacenter/main/camera"
)

const probeBusSlice = 200 * time.Millisecond

// GstProber discovers what a camera actually serves by prerolling a
// disposable decode pipeline and reading the negotiated caps. One attempt
// per Probe call; retry policy lives with the caller.
type GstProber struct {
	opts camera.Options
}

func NewGstProber(opts camera.Options) *GstProber {
	return &GstProber{opts: opts}
}

func (p *GstProber) launchString(timeout time.Duration) string {
	parts := []string{
		"rtspsrc",
		"location=" + p.opts.URI,
		fmt.Sprintf("protocols=%d", rtspProtocols(p.opts.UseUDP)),
		fmt.Sprintf("latency=%d", rtspLatency(p.opts)),
		fmt.Sprintf("tcp-timeout=%d", timeout.Microseconds()),
	}
	if p.opts.ProbeSize > 0 {
		parts = append(parts, fmt.Sprintf("udp-buffer-size=%d", p.opts.ProbeSize))
	}
	parts = append(parts, "!", "decodebin", "!", "fakesink", "sync=false")
	return strings.Join(parts, " ")
}

// Probe runs one discovery attempt. The pipeline only ever goes to PAUSED;
// prerolling is enough to negotiate caps end to end.
func (p *GstProber) Probe(ctx context.Context, timeout time.Duration) (camera.ProbeResult, error) {
	res := camera.ProbeResult{}

	pipeline, err := gst.NewPipelineFromString(p.launchString(timeout))
	if err != nil {
		return res, fmt.Errorf("probe pipeline: %w", err)
	}
	defer pipeline.SetState(gst.StateNull)

	if err := pipeline.SetState(gst.StatePaused); err != nil {
		return res, fmt.Errorf("probe preroll: %w", err)
	}
	state := camera.ProbeConnecting
	log.Debug().Str("camera", p.opts.Name).Str("state", state.String()).Msg("probe attempt started")

	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return camera.ProbeResult{}, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return camera.ProbeResult{}, fmt.Errorf("probe timed out in state %s", state)
		}
		slice := probeBusSlice
		if remaining < slice {
			slice = remaining
		}
		msg := bus.TimedPop(slice)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return camera.ProbeResult{}, fmt.Errorf("probe pipeline: %s", gerr.Error())
		case gst.MessageEOS:
			return camera.ProbeResult{}, fmt.Errorf("stream ended during probe")
		case gst.MessageStreamStart:
			if state == camera.ProbeConnecting {
				state = camera.ProbeAwaitingStreamInfo
				log.Debug().Str("camera", p.opts.Name).Str("state", state.String()).Msg("stream located, waiting for caps")
			}
		case gst.MessageAsyncDone:
			if done := p.collectCaps(pipeline, &res); done {
				return res, nil
			}
		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			_, newState := msg.ParseStateChanged()
			if newState != gst.StatePaused {
				continue
			}
			if done := p.collectCaps(pipeline, &res); done {
				return res, nil
			}
		}
	}
}

// collectCaps walks the negotiated sink-pad caps and fills whatever fields
// they reveal. The RTP caps name the codec, the decoded caps carry the
// geometry. Reports true once enough is known to build pipelines.
func (p *GstProber) collectCaps(pipeline *gst.Pipeline, res *camera.ProbeResult) bool {
	elements, err := pipeline.GetElements()
	if err != nil {
		return false
	}
	for _, elem := range elements {
		pads, err := elem.GetSinkPads()
		if err != nil {
			continue
		}
		for _, pad := range pads {
			caps := pad.GetCurrentCaps()
			if caps == nil || caps.GetSize() == 0 {
				continue
			}
			s := caps.GetStructureAt(0)
			if s == nil {
				continue
			}
			switch name := s.Name(); {
			case name == "application/x-rtp":
				p.readRTPCaps(s, res)
			case strings.HasPrefix(name, "video/"):
				p.readVideoCaps(s, res)
			}
		}
	}
	if res.Codec != "" && res.Width > 0 && res.Height > 0 {
		res.Ready = true
		log.Info().
			Str("camera", p.opts.Name).
			Str("codec", res.Codec).
			Int("width", res.Width).
			Int("height", res.Height).
			Int("fps_num", res.FramerateNum).
			Int("fps_den", res.FramerateDen).
			Msg("stream info discovered")
		return true
	}
	return false
}

func (p *GstProber) readRTPCaps(s *gst.Structure, res *camera.ProbeResult) {
	if val, err := s.GetValue("encoding-name"); err == nil {
		if name, ok := val.(string); ok {
			if prof, ok := codecByRTPName(name); ok {
				res.Codec = prof.Tag
			} else {
				log.Warn().Str("camera", p.opts.Name).Str("encoding", name).Msg("camera serves an unsupported encoding")
			}
		}
	}
	if val, err := s.GetValue("profile-level-id"); err == nil {
		if id, ok := val.(string); ok && res.Profile == "" {
			res.Profile = id
		}
	}
}

func (p *GstProber) readVideoCaps(s *gst.Structure, res *camera.ProbeResult) {
	if val, err := s.GetValue("width"); err == nil {
		if w, ok := val.(int); ok && w > 0 {
			res.Width = w
		}
	}
	if val, err := s.GetValue("height"); err == nil {
		if h, ok := val.(int); ok && h > 0 {
			res.Height = h
		}
	}
	if val, err := s.GetValue("framerate"); err == nil {
		if num, den := parseFraction(fmt.Sprintf("%v", val)); num > 0 {
			res.FramerateNum, res.FramerateDen = num, den
		}
	}
	if val, err := s.GetValue("profile"); err == nil {
		if prof, ok := val.(string); ok && prof != "" {
			res.Profile = prof
		}
	}
}
