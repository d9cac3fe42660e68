package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size allowed from peer.
	sendBufSize    = 256                 // Per-connection outbound buffer.
)

// Client is the middleman between one websocket connection and the hub.
// Its lifecycle is Connecting (dial/upgrade) -> Open (registered) ->
// Closing (shutdown called) -> Closed (pumps exited, conn closed).
type Client struct {
	id   string
	hub  *Hub
	svc  *Service
	conn *websocket.Conn
	send chan []byte
	log  *zap.Logger

	key   string // routing key this connection is registered under
	user  string // authenticated identity of the connection owner
	group string // group name for chatroom sockets, empty for direct

	done    chan struct{}
	once    sync.Once
	onClose func()
}

func newClient(hub *Hub, svc *Service, conn *websocket.Conn, key, user, group string, log *zap.Logger) *Client {
	return &Client{
		id:    uuid.NewString(),
		hub:   hub,
		svc:   svc,
		conn:  conn,
		send:  make(chan []byte, sendBufSize),
		log:   log,
		key:   key,
		user:  user,
		group: group,
		done:  make(chan struct{}),
	}
}

// shutdown moves the connection to Closing. Idempotent, and safe to call
// concurrently with an in-flight broadcast: delivery either lands on the
// buffered channel first or the connection is skipped.
func (c *Client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// enqueue hands a payload to the write pump without blocking. Reports
// false when the connection is closing or its buffer is full.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// readPump pumps inbound frames from the websocket into the messaging
// service. Sends arriving on the socket take the same validate/persist/
// broadcast path as POST /message.
func (c *Client) readPump() {
	defer func() {
		c.hub.Deregister(c.key, c)
		c.shutdown()
		c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("read failed", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.reject("malformed frame")
			continue
		}
		if c.group != "" {
			// Chatroom sockets always address their own group.
			frame.Target = c.group
		}
		if _, err := c.svc.Send(context.Background(), c.user, frame); err != nil {
			c.reject(err.Error())
		}
	}
}

// reject surfaces a per-frame error to this connection only.
func (c *Client) reject(reason string) {
	payload, err := json.Marshal(ErrorFrame{Error: reason})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

// writePump pumps payloads from the hub to the websocket connection and
// keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.shutdown()
				return
			}
			w.Write(payload)

			// Flush queued payloads in the same write to save syscalls.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}
