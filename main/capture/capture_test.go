package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediacenter/main/buffer"
	"mediacenter/main/camera"
)

func TestParseFraction(t *testing.T) {
	cases := []struct {
		in  string
		num int
		den int
	}{
		{"30/1", 30, 1},
		{"30000/1001", 30000, 1001},
		{"25", 25, 1},
		{"0/1", 0, 0},
		{"30/0", 0, 0},
		{"", 0, 0},
		{"garbage", 0, 0},
	}
	for _, tc := range cases {
		num, den := parseFraction(tc.in)
		assert.Equal(t, tc.num, num, "num for %q", tc.in)
		assert.Equal(t, tc.den, den, "den for %q", tc.in)
	}
}

func TestLookupCodec(t *testing.T) {
	p, err := lookupCodec("h264")
	require.NoError(t, err)
	assert.Equal(t, "rtph264depay", p.Depay)
	assert.Equal(t, "h264parse", p.Parse)
	assert.Equal(t, "video/x-h264", p.CapsName)

	p, err = lookupCodec("VP8")
	require.NoError(t, err)
	assert.Equal(t, "rtpvp8depay", p.Depay)
	assert.Empty(t, p.Parse)

	_, err = lookupCodec("mjpeg")
	require.Error(t, err)
}

func TestCodecByRTPName(t *testing.T) {
	p, ok := codecByRTPName("H264")
	require.True(t, ok)
	assert.Equal(t, "h264", p.Tag)

	p, ok = codecByRTPName("vp9")
	require.True(t, ok)
	assert.Equal(t, "vp9", p.Tag)

	_, ok = codecByRTPName("JPEG")
	assert.False(t, ok)
}

func TestRtspProtocols(t *testing.T) {
	assert.Equal(t, 1, rtspProtocols(true))
	assert.Equal(t, 4, rtspProtocols(false))
}

func TestRtspLatency(t *testing.T) {
	assert.Equal(t, 200, rtspLatency(camera.Options{}))
	assert.Equal(t, 500, rtspLatency(camera.Options{AnalyzeDuration: 500 * time.Millisecond}))
}

func TestFrameInterval(t *testing.T) {
	assert.Equal(t, 33*time.Millisecond, frameInterval(camera.ProbeResult{}))
	assert.Equal(t, 40*time.Millisecond, frameInterval(camera.ProbeResult{FramerateNum: 25}))
	assert.Equal(t, 40*time.Millisecond, frameInterval(camera.ProbeResult{FramerateNum: 25, FramerateDen: 1}))
	// 30000/1001 is close to but not exactly 33.3ms
	got := frameInterval(camera.ProbeResult{FramerateNum: 30000, FramerateDen: 1001})
	assert.InDelta(t, float64(33*time.Millisecond), float64(got), float64(time.Millisecond))
}

func TestRelayCapsShapes(t *testing.T) {
	h264, err := lookupCodec("h264")
	require.NoError(t, err)
	caps := relayCaps(h264, camera.ProbeResult{
		Codec: "h264", Width: 1280, Height: 720, FramerateNum: 30, FramerateDen: 1,
	})
	assert.Equal(t, "video/x-h264,stream-format=byte-stream,alignment=au,width=1280,height=720,framerate=30/1", caps)

	vp8, err := lookupCodec("vp8")
	require.NoError(t, err)
	caps = relayCaps(vp8, camera.ProbeResult{Codec: "vp8"})
	assert.Equal(t, "video/x-vp8", caps)

	caps = relayCaps(vp8, camera.ProbeResult{Codec: "vp8", FramerateNum: 15})
	assert.Equal(t, "video/x-vp8,framerate=15/1", caps)
}

func TestProbeLaunchString(t *testing.T) {
	p := NewGstProber(camera.Options{
		Name:      "cam1",
		URI:       "rtsp://10.0.0.5:8554/stream",
		ProbeSize: 1 << 20,
	})
	launch := p.launchString(4 * time.Second)

	assert.Contains(t, launch, "rtspsrc location=rtsp://10.0.0.5:8554/stream")
	assert.Contains(t, launch, "protocols=4")
	assert.Contains(t, launch, "tcp-timeout=4000000")
	assert.Contains(t, launch, "udp-buffer-size=1048576")
	assert.Contains(t, launch, "! decodebin ! fakesink sync=false")
}

func TestProbeLaunchStringUDP(t *testing.T) {
	p := NewGstProber(camera.Options{
		Name:   "cam1",
		URI:    "rtsp://10.0.0.5:8554/stream",
		UseUDP: true,
	})
	launch := p.launchString(time.Second)

	assert.Contains(t, launch, "protocols=1")
	assert.NotContains(t, launch, "udp-buffer-size")
}

func TestRelayLaunchString(t *testing.T) {
	r := NewRelay(camera.Options{Name: "cam1"})

	h264, err := lookupCodec("h264")
	require.NoError(t, err)
	launch := r.launchString(h264, camera.ProbeResult{Codec: "h264", Width: 640, Height: 480})
	assert.Contains(t, launch, "appsrc name=src is-live=true format=time")
	assert.Contains(t, launch, "caps=video/x-h264,stream-format=byte-stream,alignment=au,width=640,height=480")
	assert.Contains(t, launch, "! h264parse config-interval=-1 disable-passthrough=true !")
	assert.Contains(t, launch, "appsink name=sink sync=false")

	vp9, err := lookupCodec("vp9")
	require.NoError(t, err)
	launch = r.launchString(vp9, camera.ProbeResult{Codec: "vp9"})
	assert.Contains(t, launch, "caps=video/x-vp9")
	assert.NotContains(t, launch, "parse")
}

func TestSourceRejectsUnknownCodec(t *testing.T) {
	_, err := NewRTSPSource(camera.Options{Name: "cam1", URI: "rtsp://host/stream"},
		camera.ProbeResult{Codec: "mjpeg", Ready: true},
		func(_ *buffer.Frame) {})
	require.Error(t, err)

	_, err = NewRTSPSource(camera.Options{Name: "cam1", URI: "rtsp://host/stream"},
		camera.ProbeResult{Codec: "h264", Ready: true}, nil)
	require.Error(t, err)
}
