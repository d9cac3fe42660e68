package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"social-network/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// stubValidator treats the bearer token itself as the username, so tests
// can act as any user without a real login round-trip.
type stubValidator struct{}

func (stubValidator) ValidateToken(tok string) (int, string, error) {
	if tok == "" {
		return 0, "", errors.New("missing token")
	}
	return 1, tok, nil
}

type testServer struct {
	ts  *httptest.Server
	svc *Service
	hub *Hub
}

func newTestServer(t *testing.T, dir Directory) *testServer {
	t.Helper()

	svc, hub, _ := newTestService(dir)
	h := NewHandler(svc, hub, nil, zap.NewNop())
	auth := middleware.NewAuthMiddleware(stubValidator{})

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		r.Get("/conversation-history", h.GetDirectHistory)
		r.Get("/group-conversation-history", h.GetGroupHistory)
		r.Get("/unread-messages", h.GetUnreadCounts)
		r.Get("/mark-messages-as-read", h.MarkMessagesRead)
		r.Post("/message", h.PostMessage)
		r.Get("/ws", h.ServeWs)
		r.Get("/chatroom", h.ServeChatroom)
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, svc: svc, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) dialWS(t *testing.T, path string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForKey blocks until at least n connections are registered under
// key, bridging the gap between the dialer's handshake returning and the
// server-side registration.
func (s *testServer) waitForKey(t *testing.T, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.hub.mu.RLock()
		g := s.hub.keys[key]
		count := 0
		if g != nil {
			g.mu.Lock()
			count = len(g.conns)
			g.mu.Unlock()
		}
		s.hub.mu.RUnlock()
		if count >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connections never registered under %s", key)
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	// The write pump may batch newline-separated frames; take the first.
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		raw = raw[:i]
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("decode frame %q: %v", raw, err)
	}
	return f
}

func TestPostMessageAndHistoryRoundTrip(t *testing.T) {
	s := newTestServer(t, newFakeDirectory([]string{"alice", "bob"}, nil))

	resp := s.do(t, http.MethodPost, "/message", "alice",
		Frame{Message: "hi", Target: "bob", Date: time.Now()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var sent Frame
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sent.ID == "" {
		t.Fatal("expected persisted frame with id")
	}

	resp = s.do(t, http.MethodGet, "/conversation-history?peer=alice", "bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var history []Frame
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 1 || history[0].ID != sent.ID {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestPostMessageErrors(t *testing.T) {
	s := newTestServer(t, newFakeDirectory([]string{"alice"}, nil))

	resp := s.do(t, http.MethodPost, "/message", "alice", Frame{Message: "", Target: "alice"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body: expected 400, got %d", resp.StatusCode)
	}
	var ef ErrorFrame
	if err := json.NewDecoder(resp.Body).Decode(&ef); err != nil || ef.Error == "" {
		t.Fatalf("expected error body, got %+v (%v)", ef, err)
	}

	resp = s.do(t, http.MethodPost, "/message", "alice", Frame{Message: "hi", Target: "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown target: expected 404, got %d", resp.StatusCode)
	}
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	s := newTestServer(t, newFakeDirectory([]string{"alice"}, nil))

	req, _ := http.NewRequest(http.MethodGet, s.ts.URL+"/unread-messages", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestWebsocketDelivery(t *testing.T) {
	s := newTestServer(t, newFakeDirectory([]string{"alice", "bob"}, nil))

	bob := s.dialWS(t, "/ws?token=bob")
	s.waitForKey(t, userKey("bob"), 1)

	resp := s.do(t, http.MethodPost, "/message", "alice",
		Frame{Message: "hi bob", Target: "bob", Date: time.Now()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	frame := readFrame(t, bob)
	if frame.Sender != "alice" || frame.Message != "hi bob" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestWebsocketInboundSend(t *testing.T) {
	s := newTestServer(t, newFakeDirectory([]string{"alice", "bob"}, nil))

	alice := s.dialWS(t, "/ws?token=alice")
	bob := s.dialWS(t, "/ws?token=bob")
	s.waitForKey(t, userKey("alice"), 1)
	s.waitForKey(t, userKey("bob"), 1)

	if err := alice.WriteJSON(Frame{Message: "over the socket", Target: "bob", Date: time.Now()}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	frame := readFrame(t, bob)
	if frame.Message != "over the socket" || frame.Sender != "alice" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestWebsocketInboundErrorStaysLocal(t *testing.T) {
	s := newTestServer(t, newFakeDirectory([]string{"alice", "bob"}, nil))

	alice := s.dialWS(t, "/ws?token=alice")
	s.waitForKey(t, userKey("alice"), 1)

	if err := alice.WriteJSON(Frame{Message: "", Target: "bob"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := alice.ReadMessage()
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	var ef ErrorFrame
	if err := json.Unmarshal(raw, &ef); err != nil || ef.Error == "" {
		t.Fatalf("expected error frame, got %q", raw)
	}
}

func TestUnreadAndMarkReadEndpoints(t *testing.T) {
	s := newTestServer(t, newFakeDirectory([]string{"alice", "bob"}, nil))

	for i := 0; i < 2; i++ {
		resp := s.do(t, http.MethodPost, "/message", "alice", Frame{Message: "ping", Target: "bob"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
	}

	resp := s.do(t, http.MethodGet, "/unread-messages", "bob", nil)
	var counts map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		t.Fatalf("decode counts: %v", err)
	}
	if counts["alice"] != 2 {
		t.Fatalf("expected 2 unread, got %v", counts)
	}

	resp = s.do(t, http.MethodGet, "/mark-messages-as-read?from=alice", "bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = s.do(t, http.MethodGet, "/unread-messages", "bob", nil)
	counts = nil
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		t.Fatalf("decode counts: %v", err)
	}
	if counts["alice"] != 0 {
		t.Fatalf("expected counter reset, got %v", counts)
	}
}

func TestChatroomBroadcastIncludesSender(t *testing.T) {
	s := newTestServer(t, newFakeDirectory([]string{"alice", "carol"}, map[string][]string{
		"golfers": {"alice", "carol"},
	}))

	alice := s.dialWS(t, "/chatroom?group=golfers&token=alice")
	carol := s.dialWS(t, "/chatroom?group=golfers&token=carol")
	s.waitForKey(t, groupKey("golfers"), 2)

	resp := s.do(t, http.MethodPost, "/message", "alice",
		Frame{Message: "hello group", Target: "golfers", Date: time.Now()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	for _, conn := range []*websocket.Conn{alice, carol} {
		frame := readFrame(t, conn)
		if frame.Message != "hello group" || frame.Sender != "alice" {
			t.Fatalf("unexpected frame: %+v", frame)
		}
	}
}

func TestChatroomRejectsNonMembers(t *testing.T) {
	s := newTestServer(t, newFakeDirectory([]string{"alice", "mallory"}, map[string][]string{
		"golfers": {"alice"},
	}))

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/chatroom?group=golfers&token=mallory"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake rejection for non-member")
	}
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	}
}
