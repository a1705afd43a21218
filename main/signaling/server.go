// Package signaling is the websocket leg between browsers and cameras: a
// room-per-camera broker for inbound viewers plus an outbound client for
// cameras homed on a remote broker.
package signaling

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
	"github.com/rs/zerolog/log"
)

// CameraEndpoint is the camera side of a room: inbound room traffic lands in
// HandleSignal, and the camera's outbound signals travel through the sender
// injected with SetSignalSender.
type CameraEndpoint interface {
	HandleSignal(msg []byte)
	SetSignalSender(send func([]byte) error)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the multi-room signaling broker. Rooms are named by the request
// path and exist only while members are joined; at most one camera is bound
// per room. The three maps are guarded independently and never locked
// together; cross-map work copies out first.
type Server struct {
	sessionsMu sync.Mutex
	sessions   map[string]*conn

	roomsMu sync.Mutex
	rooms   map[string]map[string]*conn

	camerasMu sync.Mutex
	cameras   map[string]CameraEndpoint
}

func NewServer() *Server {
	return &Server{
		sessions: make(map[string]*conn),
		rooms:    make(map[string]map[string]*conn),
		cameras:  make(map[string]CameraEndpoint),
	}
}

func roomFromPath(path string) string {
	room := strings.Trim(path, "/")
	if room == "" {
		return "default"
	}
	return room
}

// Handler serves one websocket member for the room named by the request
// path. Mount it on a wildcard route; it blocks until the peer disconnects.
func (s *Server) Handler(c echo.Context) error {
	s.serve(c.Response(), c.Request())
	return nil
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "WebSocket required", http.StatusBadRequest)
		return
	}
	room := roomFromPath(r.URL.Path)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Err(err).Str("room", room).Msg("websocket upgrade failed")
		return
	}

	cn := newConn(room, ws)
	s.register(cn)
	log.Info().Str("conn_id", cn.id).Str("room", room).Msg("client joined")

	go cn.writePump()
	s.readPump(cn)
}

func (s *Server) register(cn *conn) {
	s.sessionsMu.Lock()
	s.sessions[cn.id] = cn
	s.sessionsMu.Unlock()

	s.roomsMu.Lock()
	members, ok := s.rooms[cn.room]
	if !ok {
		members = make(map[string]*conn)
		s.rooms[cn.room] = members
	}
	members[cn.id] = cn
	s.roomsMu.Unlock()
}

// drop removes a connection everywhere. Idempotent; the read loop and
// slow-writer eviction both end up here.
func (s *Server) drop(cn *conn) {
	cn.close()

	s.roomsMu.Lock()
	if members, ok := s.rooms[cn.room]; ok {
		delete(members, cn.id)
		if len(members) == 0 {
			delete(s.rooms, cn.room)
		}
	}
	s.roomsMu.Unlock()

	s.sessionsMu.Lock()
	_, known := s.sessions[cn.id]
	delete(s.sessions, cn.id)
	s.sessionsMu.Unlock()

	if known {
		log.Info().Str("conn_id", cn.id).Str("room", cn.room).Msg("client left")
	}
}

func (s *Server) readPump(cn *conn) {
	defer s.drop(cn)

	cn.ws.SetReadLimit(maxMessageSize)
	cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	cn.ws.SetPongHandler(func(string) error {
		cn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", cn.id).Msg("websocket read ended")
			}
			return
		}
		s.onClientMessage(cn.room, raw, cn.id)
	}
}

// onClientMessage forwards room traffic to the bound camera verbatim. All
// routing is client to camera; rooms with no camera just drop.
func (s *Server) onClientMessage(room string, msg []byte, sender string) {
	s.camerasMu.Lock()
	cam := s.cameras[room]
	s.camerasMu.Unlock()
	if cam == nil {
		log.Debug().Str("room", room).Str("conn_id", sender).Msg("no camera bound, dropping message")
		return
	}
	cam.HandleSignal(msg)
}

// RegisterCamera binds a camera to a room and hands it the way back: the
// camera's outbound signals broadcast to everyone currently joined.
func (s *Server) RegisterCamera(room string, cam CameraEndpoint) {
	s.camerasMu.Lock()
	if _, ok := s.cameras[room]; ok {
		log.Warn().Str("room", room).Msg("replacing camera binding")
	}
	s.cameras[room] = cam
	s.camerasMu.Unlock()

	cam.SetSignalSender(func(msg []byte) error {
		s.BroadcastToRoom(room, msg, "")
		return nil
	})
	log.Info().Str("room", room).Msg("camera bound to room")
}

func (s *Server) UnregisterCamera(room string) {
	s.camerasMu.Lock()
	cam := s.cameras[room]
	delete(s.cameras, room)
	s.camerasMu.Unlock()
	if cam != nil {
		cam.SetSignalSender(nil)
	}
}

// BroadcastToRoom delivers to every connection in the room except exclude.
// A member that cannot keep up is evicted rather than allowed to stall or
// reorder the stream.
func (s *Server) BroadcastToRoom(room string, msg []byte, exclude string) {
	s.roomsMu.Lock()
	targets := make([]*conn, 0, len(s.rooms[room]))
	for id, cn := range s.rooms[room] {
		if id == exclude {
			continue
		}
		targets = append(targets, cn)
	}
	s.roomsMu.Unlock()

	for _, cn := range targets {
		if !cn.enqueue(msg) {
			log.Warn().Str("conn_id", cn.id).Str("room", room).Msg("send queue full, dropping client")
			s.drop(cn)
		}
	}
}

// Sessions reports how many connections are currently joined.
func (s *Server) Sessions() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// RoomMembers lists the connection ids currently joined to a room.
func (s *Server) RoomMembers(room string) []string {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	ids := make([]string, 0, len(s.rooms[room]))
	for id := range s.rooms[room] {
		ids = append(ids, id)
	}
	return ids
}

// Close drops every connection, for shutdown.
func (s *Server) Close() {
	s.sessionsMu.Lock()
	conns := make([]*conn, 0, len(s.sessions))
	for _, cn := range s.sessions {
		conns = append(conns, cn)
	}
	s.sessionsMu.Unlock()

	for _, cn := range conns {
		s.drop(cn)
	}
}
