package signaling

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueDepth = 64
)

// conn is one broker-side websocket member of a room.
type conn struct {
	id   string
	room string
	ws   *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(room string, ws *websocket.Conn) *conn {
	return &conn{
		id:   uuid.NewString(),
		room: room,
		ws:   ws,
		send: make(chan []byte, sendQueueDepth),
		done: make(chan struct{}),
	}
}

// enqueue hands a message to the writer, preserving order. False when the
// connection is closed or cannot keep up.
func (c *conn) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// writePump is the only goroutine writing to the socket, which keeps sends
// ordered. Exits when the connection closes or a write fails.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
