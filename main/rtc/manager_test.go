package rtc

import (
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/reactivex/rxgo/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFanout struct {
	mu       sync.Mutex
	subs     map[string]chan rxgo.Item
	failNext bool
}

func newFakeFanout() *fakeFanout {
	return &fakeFanout{subs: make(map[string]chan rxgo.Item)}
}

func (f *fakeFanout) Subscribe(id string) (rxgo.Observable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, errors.New("fanout not linked")
	}
	if _, ok := f.subs[id]; ok {
		return nil, errors.New("duplicate branch id")
	}
	ch := make(chan rxgo.Item, 8)
	f.subs[id] = ch
	return rxgo.FromChannel(ch), nil
}

func (f *fakeFanout) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

func (f *fakeFanout) branches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	return ids
}

type signalSink struct {
	mu   sync.Mutex
	msgs []Signal
}

func (s *signalSink) send(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sig)
}

func (s *signalSink) ofType(msgType string) []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Signal
	for _, m := range s.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type edgeRecorder struct {
	mu     sync.Mutex
	edges  []bool
	active bool
}

func (e *edgeRecorder) hook(active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.edges = append(e.edges, active)
	e.active = active
}

func (e *edgeRecorder) state() (bool, []bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active, append([]bool(nil), e.edges...)
}

func newTestManager(t *testing.T, fanout Fanout, sink *signalSink) *Manager {
	t.Helper()
	codec, err := CodecCapability("h264")
	require.NoError(t, err)
	api, err := SetupAPI(codec)
	require.NoError(t, err)
	return NewManager("cam1", codec, api, webrtc.Configuration{}, fanout, sink.send)
}

func TestOpenSessionDuplicateFaults(t *testing.T) {
	fanout := newFakeFanout()
	sink := &signalSink{}
	m := newTestManager(t, fanout, sink)
	defer m.CloseAll()

	m.OpenSession("viewer-a")
	require.Equal(t, 1, m.Count())

	m.OpenSession("viewer-a")
	assert.Equal(t, 1, m.Count())

	conns := sink.ofType(TypeConnection)
	require.Len(t, conns, 2)
	assert.Equal(t, RetSuccess, conns[0].Ret)
	assert.Equal(t, RetFault, conns[1].Ret)
	assert.Equal(t, "cam1", conns[1].Camera)
	assert.Equal(t, "viewer-a", conns[1].ClientId)
}

func TestCloseUnknownSessionFaults(t *testing.T) {
	fanout := newFakeFanout()
	sink := &signalSink{}
	m := newTestManager(t, fanout, sink)

	m.CloseSession("ghost")

	assert.Equal(t, 0, m.Count())
	closes := sink.ofType(TypeClose)
	require.Len(t, closes, 1)
	assert.Equal(t, RetFault, closes[0].Ret)
}

func TestOpenEmitsOfferAfterSuccess(t *testing.T) {
	fanout := newFakeFanout()
	sink := &signalSink{}
	m := newTestManager(t, fanout, sink)
	defer m.CloseAll()

	m.OpenSession("viewer-a")

	conns := sink.ofType(TypeConnection)
	require.Len(t, conns, 1)
	assert.Equal(t, RetSuccess, conns[0].Ret)

	offers := sink.ofType(TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "viewer-a", offers[0].ClientId)
	assert.Contains(t, offers[0].SDP, "v=0")
}

func TestActiveTracksSessionCountEdges(t *testing.T) {
	fanout := newFakeFanout()
	sink := &signalSink{}
	m := newTestManager(t, fanout, sink)
	edges := &edgeRecorder{}
	m.SetActiveHook(edges.hook)

	steps := []struct {
		op string
		id string
	}{
		{"open", "a"},
		{"open", "b"},
		{"close", "a"},
		{"open", "c"},
		{"close", "b"},
		{"close", "c"},
	}
	for _, step := range steps {
		if step.op == "open" {
			m.OpenSession(step.id)
		} else {
			m.CloseSession(step.id)
		}
		active, _ := edges.state()
		assert.Equal(t, m.Count() > 0, active, "after %s %s", step.op, step.id)
	}

	_, transitions := edges.state()
	// only the 0→1 and 1→0 edges fire, no repeats for intermediate counts
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestTwoSessionsAreIndependent(t *testing.T) {
	fanout := newFakeFanout()
	sink := &signalSink{}
	m := newTestManager(t, fanout, sink)
	defer m.CloseAll()

	m.OpenSession("a")
	m.OpenSession("b")
	require.Equal(t, 2, m.Count())
	require.ElementsMatch(t, []string{"a", "b"}, fanout.branches())

	m.CloseSession("a")

	assert.Equal(t, 1, m.Count())
	assert.Equal(t, []string{"b"}, fanout.branches())

	// b still answers negotiation traffic
	m.HandleAnswer("b", "v=0\r\n")
	_, ok := m.lookup("b")
	assert.True(t, ok)
}

func TestOpenWithoutFanoutFaults(t *testing.T) {
	sink := &signalSink{}
	codec, err := CodecCapability("h264")
	require.NoError(t, err)
	api, err := SetupAPI(codec)
	require.NoError(t, err)
	m := NewManager("cam1", codec, api, webrtc.Configuration{}, nil, sink.send)

	m.OpenSession("viewer-a")

	assert.Equal(t, 0, m.Count())
	conns := sink.ofType(TypeConnection)
	require.Len(t, conns, 1)
	assert.Equal(t, RetFault, conns[0].Ret)
	assert.Equal(t, "camera pipeline not ready", conns[0].Description)
}

func TestSubscribeFailureLeavesNothingBehind(t *testing.T) {
	fanout := newFakeFanout()
	fanout.failNext = true
	sink := &signalSink{}
	m := newTestManager(t, fanout, sink)

	m.OpenSession("viewer-a")

	assert.Equal(t, 0, m.Count())
	assert.Empty(t, fanout.branches())
	conns := sink.ofType(TypeConnection)
	require.Len(t, conns, 1)
	assert.Equal(t, RetFault, conns[0].Ret)
}

func TestCloseAllDropsEverySession(t *testing.T) {
	fanout := newFakeFanout()
	sink := &signalSink{}
	m := newTestManager(t, fanout, sink)
	edges := &edgeRecorder{}
	m.SetActiveHook(edges.hook)

	m.OpenSession("a")
	m.OpenSession("b")
	require.Equal(t, 2, m.Count())

	m.CloseAll()

	assert.Equal(t, 0, m.Count())
	assert.Empty(t, fanout.branches())
	active, _ := edges.state()
	assert.False(t, active)
}

func TestLinkLocalCandidateDetection(t *testing.T) {
	assert.True(t, isLinkLocalCandidate("candidate:2230659787 1 udp 2122194687 5a9f1c02-97b8-4d47-a2d5-22a7747e92e5.local 56177 typ host generation 0"))
	assert.False(t, isLinkLocalCandidate("candidate:1 1 udp 2122260223 10.0.0.5 51111 typ host"))
	assert.False(t, isLinkLocalCandidate("candidate:3 1 udp 1686052607 203.0.113.9 61222 typ srflx"))
}

func TestHandlersIgnoreUnknownSessions(t *testing.T) {
	fanout := newFakeFanout()
	sink := &signalSink{}
	m := newTestManager(t, fanout, sink)

	m.HandleOffer("ghost", "v=0")
	m.HandleAnswer("ghost", "v=0")
	idx := uint16(0)
	m.HandleIce("ghost", "candidate:1 1 udp 1 10.0.0.5 1 typ host", &idx, nil)

	assert.Equal(t, 0, m.Count())
	assert.Empty(t, sink.ofType(TypeOffer))
	assert.Empty(t, sink.ofType(TypeAnswer))
}
