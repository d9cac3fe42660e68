// Package session implements the client side of a single open
// conversation: it replays history, owns exactly one live socket,
// buffers deliveries in arrival order and applies read-state
// transitions.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"social-network/internal/chat"

	"github.com/gorilla/websocket"
)

// Controller drives one open conversation view. Create one per
// conversation with Dial and tear it down with Close before opening
// another for a different target.
type Controller struct {
	httpc  *http.Client
	base   *url.URL
	token  string
	user   string
	target string
	group  bool

	conn *websocket.Conn

	mu   sync.Mutex
	msgs []chat.Frame

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Dial opens a conversation: it fetches history, opens the socket and,
// for direct chat, resets the unread counter for this peer. The history
// snapshot is taken once; live deliveries are appended after it without
// deduplication.
func Dial(ctx context.Context, baseURL, token, user, target string, group bool) (*Controller, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	c := &Controller{
		httpc:  &http.Client{Timeout: 10 * time.Second},
		base:   base,
		token:  token,
		user:   user,
		target: target,
		group:  group,
		done:   make(chan struct{}),
	}

	history, err := c.fetchHistory(ctx)
	if err != nil {
		return nil, err
	}
	c.msgs = history

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.receiveLoop()

	if !group {
		// Fire-and-forget relative to rendering.
		go c.markRead()
	}

	return c, nil
}

// Send appends the message optimistically (the local append is the
// sender's own record; direct broadcasts never echo back to the sender)
// and posts it for persistence and fan-out.
func (c *Controller) Send(ctx context.Context, body string) error {
	frame := chat.Frame{
		Message: body,
		Sender:  c.user,
		Target:  c.target,
		Date:    time.Now(),
	}

	c.mu.Lock()
	c.msgs = append(c.msgs, frame)
	c.mu.Unlock()

	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint("/message", nil), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// Messages returns a snapshot of the local buffer: history replay
// followed by live deliveries in arrival order.
func (c *Controller) Messages() []chat.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Frame, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Close tears the connection down. Idempotent.
func (c *Controller) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
	c.wg.Wait()
	return nil
}

func (c *Controller) fetchHistory(ctx context.Context) ([]chat.Frame, error) {
	var endpoint string
	if c.group {
		endpoint = c.endpoint("/group-conversation-history", url.Values{"group": {c.target}})
	} else {
		endpoint = c.endpoint("/conversation-history", url.Values{"peer": {c.target}})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var history []chat.Frame
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return history, nil
}

func (c *Controller) connect(ctx context.Context) error {
	wsURL := *c.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}

	q := url.Values{"token": {c.token}}
	if c.group {
		wsURL.Path = "/chatroom"
		q.Set("group", c.target)
	} else {
		wsURL.Path = "/ws"
	}
	wsURL.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("dial %s: %w", wsURL.Path, err)
	}
	c.conn = conn
	return nil
}

// receiveLoop appends every inbound delivery to the local buffer. The
// write pump batches queued frames into one websocket message separated
// by newlines, so each read may carry several.
func (c *Controller) receiveLoop() {
	defer c.wg.Done()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		for _, part := range bytes.Split(raw, []byte{'\n'}) {
			if len(bytes.TrimSpace(part)) == 0 {
				continue
			}
			var frame chat.Frame
			if err := json.Unmarshal(part, &frame); err != nil {
				continue
			}
			c.mu.Lock()
			c.msgs = append(c.msgs, frame)
			c.mu.Unlock()
		}
	}
}

func (c *Controller) markRead() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	endpoint := c.endpoint("/mark-messages-as-read", url.Values{"from": {c.target}})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

func (c *Controller) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ef chat.ErrorFrame
	if err := json.Unmarshal(body, &ef); err == nil && ef.Error != "" {
		return fmt.Errorf("server: %s", ef.Error)
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}
