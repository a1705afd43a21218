// Package capture owns the GStreamer side of a camera: probing what the
// device serves, pulling its RTSP stream, and relaying compressed frames
// into per-session webrtc branches.
package capture

import (
	"fmt"
	"strings"
	"time"

	"mediacenter/main/camera"
)

// codecProfile maps a canonical codec tag onto the GStreamer elements and
// RTP naming that handle it.
type codecProfile struct {
	Tag      string
	Depay    string
	Parse    string // empty when the stream needs no parser
	CapsName string
	RTPName  string
}

var codecProfiles = map[string]codecProfile{
	"h264": {
		Tag:      "h264",
		Depay:    "rtph264depay",
		Parse:    "h264parse",
		CapsName: "video/x-h264",
		RTPName:  "H264",
	},
	"h265": {
		Tag:      "h265",
		Depay:    "rtph265depay",
		Parse:    "h265parse",
		CapsName: "video/x-h265",
		RTPName:  "H265",
	},
	"vp8": {
		Tag:      "vp8",
		Depay:    "rtpvp8depay",
		CapsName: "video/x-vp8",
		RTPName:  "VP8",
	},
	"vp9": {
		Tag:      "vp9",
		Depay:    "rtpvp9depay",
		CapsName: "video/x-vp9",
		RTPName:  "VP9",
	},
}

func lookupCodec(tag string) (codecProfile, error) {
	p, ok := codecProfiles[strings.ToLower(tag)]
	if !ok {
		return codecProfile{}, fmt.Errorf("codec %q has no pipeline mapping", tag)
	}
	return p, nil
}

// codecByRTPName resolves an RTP encoding-name (H264, VP8, ...) as announced
// in the camera's caps.
func codecByRTPName(name string) (codecProfile, bool) {
	for _, p := range codecProfiles {
		if strings.EqualFold(p.RTPName, name) {
			return p, true
		}
	}
	return codecProfile{}, false
}

// parseFraction reads GStreamer fraction text like "30/1". A bare integer
// counts as n/1. Returns zeros when the text is not a usable rate.
func parseFraction(s string) (num, den int) {
	if strings.Contains(s, "/") {
		if _, err := fmt.Sscanf(s, "%d/%d", &num, &den); err == nil && num > 0 && den > 0 {
			return num, den
		}
		return 0, 0
	}
	if _, err := fmt.Sscanf(s, "%d", &num); err == nil && num > 0 {
		return num, 1
	}
	return 0, 0
}

// rtspProtocols maps the transport preference onto rtspsrc protocol flags.
func rtspProtocols(useUDP bool) int {
	if useUDP {
		return 1 // GST_RTSP_LOWER_TRANS_UDP
	}
	return 4 // GST_RTSP_LOWER_TRANS_TCP
}

// rtspLatency converts the configured analyze window into the jitterbuffer
// latency in milliseconds.
func rtspLatency(opts camera.Options) int {
	if opts.AnalyzeDuration > 0 {
		return int(opts.AnalyzeDuration / time.Millisecond)
	}
	return 200
}

// frameInterval derives the nominal frame duration from the probed rate,
// falling back to ~30fps when the camera never told us.
func frameInterval(res camera.ProbeResult) time.Duration {
	num, den := res.FramerateNum, res.FramerateDen
	if num <= 0 {
		return 33 * time.Millisecond
	}
	if den <= 0 {
		den = 1
	}
	return time.Duration(int64(time.Second) * int64(den) / int64(num))
}

// relayCaps builds the appsrc caps string for the relay pipeline. Byte-stream
// framing is forced for the parsed codecs so every branch sees in-band
// parameter sets.
func relayCaps(codec codecProfile, res camera.ProbeResult) string {
	parts := []string{codec.CapsName}
	if codec.Parse != "" {
		parts = append(parts, "stream-format=byte-stream", "alignment=au")
	}
	if res.Width > 0 && res.Height > 0 {
		parts = append(parts, fmt.Sprintf("width=%d", res.Width), fmt.Sprintf("height=%d", res.Height))
	}
	if res.FramerateNum > 0 {
		den := res.FramerateDen
		if den <= 0 {
			den = 1
		}
		parts = append(parts, fmt.Sprintf("framerate=%d/%d", res.FramerateNum, den))
	}
	return strings.Join(parts, ",")
}
