package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ProbeState tracks a single discovery attempt.
type ProbeState int

const (
	ProbeIdle ProbeState = iota
	ProbeConnecting
	ProbeAwaitingStreamInfo
	ProbeReady
	ProbeFailed
)

func (s ProbeState) String() string {
	switch s {
	case ProbeIdle:
		return "idle"
	case ProbeConnecting:
		return "connecting"
	case ProbeAwaitingStreamInfo:
		return "awaiting-stream-info"
	case ProbeReady:
		return "ready"
	case ProbeFailed:
		return "failed"
	}
	return "unknown"
}

// ProbeResult is what one successful discovery attempt learned about the
// stream. Ready is set only when both the codec and the geometry are known.
type ProbeResult struct {
	Codec        string
	Profile      string
	Width        int
	Height       int
	FramerateNum int
	FramerateDen int
	Ready        bool
}

// Prober runs one discovery attempt against the source. Implementations must
// give up on their own once the timeout passes.
type Prober interface {
	Probe(ctx context.Context, timeout time.Duration) (ProbeResult, error)
}

// ProbeWithReconnect runs sequential probe attempts with a fixed delay
// between failures. The first ready result wins; no delay is slept after the
// final attempt. Exhausting the budget fails the camera init, nothing more.
func ProbeWithReconnect(ctx context.Context, p Prober, attempts int, timeout, delay time.Duration) (ProbeResult, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := p.Probe(ctx, timeout)
		if err == nil && res.Ready {
			log.Info().
				Int("attempt", attempt).
				Str("codec", res.Codec).
				Int("width", res.Width).
				Int("height", res.Height).
				Msg("stream probe succeeded")
			return res, nil
		}
		if err == nil {
			err = fmt.Errorf("probe finished without stream info")
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("attempts", attempts).Msg("stream probe failed")
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ProbeResult{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return ProbeResult{}, fmt.Errorf("stream probe gave up after %d attempts: %w", attempts, lastErr)
}
