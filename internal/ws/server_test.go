package ws

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coedit/relay/internal/metrics"
	"github.com/coedit/relay/internal/session"
)

// newTestServer starts a relay on an ephemeral port and returns its address
// and registry.
func newTestServer(t *testing.T) (string, *session.Registry) {
	t.Helper()

	reg := session.NewRegistry()
	m := metrics.New(prometheus.NewRegistry())
	srv := NewServer(reg, NewBroadcaster(reg, m), m)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)

	return ln.Addr().String(), reg
}

// dial connects a websocket client and consumes the init and users_list
// messages every new session receives, returning the init color.
func dial(t *testing.T, addr string) (*websocket.Conn, string) {
	t.Helper()

	c, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	init := waitFor(t, c, "init")
	color, _ := init["color"].(string)
	if color == "" {
		t.Fatal("init message has no color")
	}
	waitFor(t, c, "users_list")
	return c, color
}

// waitFor reads messages until one of the wanted type arrives, skipping
// unrelated traffic (e.g. user_joined for peers connecting concurrently).
func waitFor(t *testing.T, c *websocket.Conn, kind string) map[string]any {
	t.Helper()

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", kind, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if m["type"] == kind {
			return m
		}
	}
}

// expectSilence asserts that no message arrives within the window.
func expectSilence(t *testing.T, c *websocket.Conn) {
	t.Helper()

	c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := c.ReadMessage(); err == nil {
		t.Fatalf("unexpected message: %s", data)
	}
}

func sendJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func join(t *testing.T, c *websocket.Conn, username string) {
	t.Helper()
	sendJSON(t, c, map[string]any{"type": "join", "username": username})
}

func TestConnectReceivesInitAndUsersList(t *testing.T) {
	addr, reg := newTestServer(t)

	c, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	init := waitFor(t, c, "init")
	if init["color"] == "" {
		t.Error("init missing color")
	}

	list := waitFor(t, c, "users_list")
	users, ok := list["users"].([]any)
	if !ok || len(users) != 1 {
		t.Fatalf("users_list users = %v, want 1 entry", list["users"])
	}
	entry := users[0].(map[string]any)
	for _, field := range []string{"username", "color", "file"} {
		if _, ok := entry[field]; !ok {
			t.Errorf("users_list entry missing %q", field)
		}
	}
	if _, ok := entry["cursor_pos"]; !ok {
		t.Error("users_list entry missing cursor_pos")
	}

	if got := reg.Count(); got != 1 {
		t.Errorf("registry count = %d, want 1", got)
	}
}

func TestPeersSeeUserJoined(t *testing.T) {
	addr, _ := newTestServer(t)

	a, _ := dial(t, addr)

	_, _ = dial(t, addr) // b joins

	joined := waitFor(t, a, "user_joined")
	if joined["username"] == "" {
		t.Error("user_joined missing username")
	}
}

func TestContentChangeRelayedToPeersOnly(t *testing.T) {
	addr, _ := newTestServer(t)

	a, _ := dial(t, addr)
	b, _ := dial(t, addr)
	c, _ := dial(t, addr)

	join(t, a, "A")
	join(t, b, "B")
	join(t, c, "C")

	// a saw b and c connect; consume those notifications so the silence
	// check below only sees traffic caused by the content change.
	waitFor(t, a, "user_joined")
	waitFor(t, a, "user_joined")

	sendJSON(t, a, map[string]any{
		"type":     "content_change",
		"username": "A",
		"file":     "notes.md",
		"content":  "hi",
	})

	for _, peer := range []*websocket.Conn{b, c} {
		got := waitFor(t, peer, "content_update")
		if got["username"] != "A" || got["file"] != "notes.md" || got["content"] != "hi" {
			t.Errorf("content_update = %v", got)
		}
	}
	expectSilence(t, a)
}

func TestCursorMoveBroadcastsCursorUpdateWithColor(t *testing.T) {
	addr, _ := newTestServer(t)

	a, colorA := dial(t, addr)
	b, _ := dial(t, addr)
	c, _ := dial(t, addr)

	join(t, a, "A")

	waitFor(t, a, "user_joined")
	waitFor(t, a, "user_joined")

	sendJSON(t, a, map[string]any{
		"type":     "cursor_move",
		"username": "A",
		"file":     "notes.md",
		"position": 7,
	})

	for _, peer := range []*websocket.Conn{b, c} {
		got := waitFor(t, peer, "cursor_update")
		if got["username"] != "A" || got["file"] != "notes.md" {
			t.Errorf("cursor_update = %v", got)
		}
		if got["position"] != float64(7) {
			t.Errorf("position = %v, want 7", got["position"])
		}
		if got["color"] != colorA {
			t.Errorf("color = %v, want %v", got["color"], colorA)
		}
	}
	expectSilence(t, a)
}

func TestCursorMoveUpdatesRegistryState(t *testing.T) {
	addr, reg := newTestServer(t)

	a, _ := dial(t, addr)
	sendJSON(t, a, map[string]any{
		"type":     "cursor_move",
		"username": "A",
		"file":     "notes.md",
		"position": 7,
	})

	// The relay applies the update before broadcasting; poll briefly since
	// the client has no peer acknowledgment to wait on.
	deadline := time.Now().Add(2 * time.Second)
	for {
		infos := reg.Snapshot()
		if len(infos) == 1 && infos[0].Cursor == 7 && infos[0].File == "notes.md" && infos[0].Username == "A" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("registry state = %+v", infos)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFileChangeUpdatesFileWithoutBroadcast(t *testing.T) {
	addr, reg := newTestServer(t)

	a, _ := dial(t, addr)
	b, _ := dial(t, addr)

	sendJSON(t, a, map[string]any{"type": "file_change", "file": "plan.txt"})

	expectSilence(t, b)

	deadline := time.Now().Add(2 * time.Second)
	for {
		found := false
		for _, info := range reg.Snapshot() {
			if info.File == "plan.txt" {
				found = true
			}
		}
		if found {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("file change never reached the registry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDisconnectBroadcastsSingleUserLeft(t *testing.T) {
	addr, reg := newTestServer(t)

	a, _ := dial(t, addr)
	b, _ := dial(t, addr)
	c, _ := dial(t, addr)

	join(t, a, "A")
	// Let the rename land before disconnecting.
	time.Sleep(50 * time.Millisecond)
	a.Close()

	for _, peer := range []*websocket.Conn{b, c} {
		left := waitFor(t, peer, "user_left")
		if left["username"] != "A" {
			t.Errorf("user_left username = %v, want A", left["username"])
		}
		expectSilence(t, peer)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reg.Count() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("registry count = %d, want 2", reg.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMalformedMessagesAreIgnored(t *testing.T) {
	addr, reg := newTestServer(t)

	a, _ := dial(t, addr)
	b, _ := dial(t, addr)

	// Missing required fields and unknown kinds must be dropped whole.
	sendJSON(t, a, map[string]any{"type": "content_change", "username": "A"})
	sendJSON(t, a, map[string]any{"type": "no_such_kind"})
	if err := a.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The session survives and still relays; nothing was broadcast for the
	// bad messages, so the very next frame b sees is the valid update.
	sendJSON(t, a, map[string]any{
		"type":     "content_change",
		"username": "A",
		"file":     "f.txt",
		"content":  "ok",
	})

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "content_update" || got["content"] != "ok" {
		t.Errorf("first frame after bad messages = %v", got)
	}

	if got := reg.Count(); got != 2 {
		t.Errorf("registry count = %d, want 2", got)
	}
}

func TestHandshakeWithoutKeyCreatesNoSession(t *testing.T) {
	addr, reg := newTestServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Server closes the raw connection without upgrading.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection close, got data")
	}

	if got := reg.Count(); got != 0 {
		t.Errorf("registry count = %d, want 0", got)
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	reg := session.NewRegistry()
	m := metrics.New(prometheus.NewRegistry())
	srv := NewServer(reg, NewBroadcaster(reg, m), m)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancel")
	}

	// The listener is closed; new connections are refused.
	if conn, err := net.Dial("tcp", ln.Addr().String()); err == nil {
		conn.Close()
		t.Error("listener still accepting after shutdown")
	}
}

// rawUpgrade performs the upgrade handshake over a plain TCP connection so
// the test can write arbitrary frame bytes afterwards.
func rawUpgrade(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	req := "GET / HTTP/1.1\r\n" +
		"Host: relay\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write upgrade: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 0, 512)
	chunk := make([]byte, 256)
	for !strings.Contains(string(buf), "\r\n\r\n") {
		n, err := conn.Read(chunk)
		if err != nil {
			t.Fatalf("read upgrade response: %v", err)
		}
		buf = append(buf, chunk[:n]...)
	}
	if !strings.Contains(string(buf), "101 Switching Protocols") {
		t.Fatalf("unexpected upgrade response:\n%s", buf)
	}
	return conn
}

func TestOversizeFrameEndsOnlyThatSession(t *testing.T) {
	addr, reg := newTestServer(t)

	b, _ := dial(t, addr)

	hostile := rawUpgrade(t, addr)
	waitFor(t, b, "user_joined")

	// 64-bit length tier declaring 2^63 bytes. The relay must drop this
	// session without allocating and without taking down the process.
	if _, err := hostile.Write([]byte{0x81, 127, 0x80, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	waitFor(t, b, "user_left")

	deadline := time.Now().Add(2 * time.Second)
	for reg.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("registry count = %d, want 1", reg.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The relay still accepts new sessions.
	c, _ := dial(t, addr)
	sendJSON(t, c, map[string]any{
		"type":     "content_change",
		"username": "C",
		"file":     "f.txt",
		"content":  "still here",
	})
	got := waitFor(t, b, "content_update")
	if got["content"] != "still here" {
		t.Errorf("content_update = %v", got)
	}
}

func TestCloseFrameTearsDownSession(t *testing.T) {
	addr, reg := newTestServer(t)

	a, _ := dial(t, addr)
	b, _ := dial(t, addr)

	a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	waitFor(t, b, "user_left")

	deadline := time.Now().Add(2 * time.Second)
	for reg.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("registry count = %d, want 1", reg.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
