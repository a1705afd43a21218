package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client homes a camera on a remote broker. It dials out, feeds received
// messages into the callback, and drains queued sends in order. The
// connection is kept alive with fixed-delay reconnects; queued messages
// survive a reconnect.
type Client struct {
	url       string
	retryWait time.Duration
	onMessage func([]byte)

	send chan []byte

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(url string, retryWait time.Duration, onMessage func([]byte)) *Client {
	if retryWait <= 0 {
		retryWait = 2 * time.Second
	}
	return &Client{
		url:       url,
		retryWait: retryWait,
		onMessage: onMessage,
		send:      make(chan []byte, sendQueueDepth),
	}
}

func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(runCtx)
}

func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
}

// Send queues one message for ordered delivery. Errors when the backlog is
// full, which means the broker has been unreachable for a while.
func (c *Client) Send(msg []byte) error {
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("signaling backlog full")
	}
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("url", c.url).Msg("broker dial failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryWait):
			}
			continue
		}

		log.Info().Str("url", c.url).Msg("connected to broker")
		c.session(ctx, ws)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryWait):
		}
	}
}

// session pumps both directions until the socket or the context dies. The
// writer closes the socket on its way out so the reader never lingers, and
// the reader stops the writer through the stop channel.
func (c *Client) session(ctx context.Context, ws *websocket.Conn) {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				ws.Close()
				return
			case <-stop:
				return
			case msg := <-c.send:
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
					log.Debug().Err(err).Str("url", c.url).Msg("broker write failed")
					ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if c.onMessage != nil {
			c.onMessage(raw)
		}
	}
	close(stop)
	ws.Close()
	wg.Wait()
}
