package camera

import "time"

// Options identifies one camera and carries its probe and transport hints.
// Name keys the registry and the signaling room. Options are read-only after
// construction; withDefaults returns the normalized copy the camera keeps.
type Options struct {
	Name string
	URI  string

	// UseUDP selects unreliable RTP transport from the source. Default is
	// interleaved TCP, which survives NAT and lossy links better.
	UseUDP    bool
	Framerate int

	// Probe hints forwarded to the discovery and source pipelines.
	ProbeSize       int
	AnalyzeDuration time.Duration

	ProbeAttempts int
	ProbeTimeout  time.Duration
	ProbeDelay    time.Duration

	QueueCapacity int

	// SignalingURL, when set, makes the camera dial an external broker
	// instead of being served by the embedded one.
	SignalingURL string
}

func (o Options) withDefaults() Options {
	if o.ProbeAttempts <= 0 {
		o.ProbeAttempts = 10
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
	if o.ProbeDelay <= 0 {
		o.ProbeDelay = 2 * time.Second
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 25
	}
	return o
}
