package signaling

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	mu   sync.Mutex
	got  []string
	send func([]byte) error
}

func (f *fakeEndpoint) HandleSignal(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, string(msg))
}

func (f *fakeEndpoint) SetSignalSender(send func([]byte) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.send = send
}

func (f *fakeEndpoint) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.got))
	copy(out, f.got)
	return out
}

func (f *fakeEndpoint) sender() func([]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.send
}

func newTestBroker(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer()
	e := echo.New()
	e.Any("/*", s.Handler)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialBroker(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readText(t *testing.T, ws *websocket.Conn, within time.Duration) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(within)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	return string(raw)
}

func TestRoomFromPath(t *testing.T) {
	assert.Equal(t, "default", roomFromPath(""))
	assert.Equal(t, "default", roomFromPath("/"))
	assert.Equal(t, "cam1", roomFromPath("/cam1"))
	assert.Equal(t, "cam1", roomFromPath("/cam1/"))
	assert.Equal(t, "front/door", roomFromPath("/front/door"))
}

func TestNonWebSocketRequestRejected(t *testing.T) {
	_, ts := newTestBroker(t)

	res, err := http.Get(ts.URL + "/cam1")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "WebSocket required")
}

func TestClientMessageReachesBoundCamera(t *testing.T) {
	s, ts := newTestBroker(t)
	cam := &fakeEndpoint{}
	s.RegisterCamera("cam1", cam)
	require.NotNil(t, cam.sender())

	ws := dialBroker(t, ts, "/cam1")
	payload := `{"type":"connection","client_id":"abc","camera":"cam1"}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(payload)))

	require.Eventually(t, func() bool {
		msgs := cam.messages()
		return len(msgs) == 1 && msgs[0] == payload
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnboundRoomDropsQuietly(t *testing.T) {
	s, ts := newTestBroker(t)

	ws := dialBroker(t, ts, "/nowhere")
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"connection"}`)))

	require.Eventually(t, func() bool { return s.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)
	// connection stays healthy after the drop
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"close"}`)))
	assert.Len(t, s.RoomMembers("nowhere"), 1)
}

func TestCameraBroadcastReachesEveryMember(t *testing.T) {
	s, ts := newTestBroker(t)
	cam := &fakeEndpoint{}
	s.RegisterCamera("cam1", cam)

	a := dialBroker(t, ts, "/cam1")
	b := dialBroker(t, ts, "/cam1")
	require.Eventually(t, func() bool { return len(s.RoomMembers("cam1")) == 2 }, 2*time.Second, 10*time.Millisecond)

	payload := `{"type":"offer","client_id":"abc","sdp":"v=0"}`
	require.NoError(t, cam.sender()([]byte(payload)))

	assert.Equal(t, payload, readText(t, a, 2*time.Second))
	assert.Equal(t, payload, readText(t, b, 2*time.Second))
}

func TestBroadcastHonorsExclude(t *testing.T) {
	s, ts := newTestBroker(t)

	ws := dialBroker(t, ts, "/cam1")
	require.Eventually(t, func() bool { return len(s.RoomMembers("cam1")) == 1 }, 2*time.Second, 10*time.Millisecond)
	id := s.RoomMembers("cam1")[0]

	s.BroadcastToRoom("cam1", []byte("not for you"), id)
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
}

func TestBroadcastKeepsPerConnectionOrder(t *testing.T) {
	s, ts := newTestBroker(t)
	cam := &fakeEndpoint{}
	s.RegisterCamera("cam1", cam)

	ws := dialBroker(t, ts, "/cam1")
	require.Eventually(t, func() bool { return len(s.RoomMembers("cam1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, cam.sender()([]byte(fmt.Sprintf(`{"seq":%d}`, i))))
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf(`{"seq":%d}`, i), readText(t, ws, 2*time.Second))
	}
}

func TestDisconnectCleansRoom(t *testing.T) {
	s, ts := newTestBroker(t)

	ws := dialBroker(t, ts, "/cam1")
	require.Eventually(t, func() bool { return s.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	ws.Close()
	require.Eventually(t, func() bool {
		return s.Sessions() == 0 && len(s.RoomMembers("cam1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnregisterCameraUnbindsSender(t *testing.T) {
	s, _ := newTestBroker(t)
	cam := &fakeEndpoint{}
	s.RegisterCamera("cam1", cam)
	require.NotNil(t, cam.sender())

	s.UnregisterCamera("cam1")
	assert.Nil(t, cam.sender())
}
