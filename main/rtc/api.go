package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// CodecCapability maps a probed codec tag onto the RTP capability the viewer
// sessions negotiate. Tags outside the table cannot be relayed to browsers
// and surface as a pipeline-construction failure during camera init.
func CodecCapability(codec string) (webrtc.RTPCodecCapability, error) {
	switch strings.ToLower(codec) {
	case "h264":
		return webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: []webrtc.RTCPFeedback{},
		}, nil
	case "vp8":
		return webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: []webrtc.RTCPFeedback{},
		}, nil
	case "vp9":
		return webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP9,
			ClockRate:    90000,
			RTCPFeedback: []webrtc.RTCPFeedback{},
		}, nil
	}
	return webrtc.RTPCodecCapability{}, fmt.Errorf("codec %q is not negotiable over webrtc", codec)
}

func payloadType(mimeType string) webrtc.PayloadType {
	switch mimeType {
	case webrtc.MimeTypeVP8:
		return 96
	case webrtc.MimeTypeVP9:
		return 98
	default:
		return 102
	}
}

// SetupAPI builds a webrtc API whose media engine offers exactly the probed
// video codec, with the default interceptor set.
func SetupAPI(capability webrtc.RTPCodecCapability) (*webrtc.API, error) {
	engine := &webrtc.MediaEngine{}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, i); err != nil {
		return nil, err
	}

	err := engine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: capability,
		PayloadType:        payloadType(capability.MimeType),
	},
		webrtc.RTPCodecTypeVideo)
	if err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(i),
	), nil
}
