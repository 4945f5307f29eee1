package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"shiplive/native/internal/domain"

	"github.com/gorilla/websocket"
)

// testGateway records every frame it receives and optionally echoes
// non-control frames back to the sender.
type testGateway struct {
	srv      *httptest.Server
	frames   chan envelope
	conns    chan *websocket.Conn
	upgrades int32
	auth     atomic.Value
}

func newTestGateway(t *testing.T, echo bool) *testGateway {
	t.Helper()
	g := &testGateway{
		frames: make(chan envelope, 64),
		conns:  make(chan *websocket.Conn, 8),
	}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.auth.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&g.upgrades, 1)
		g.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			g.frames <- env
			if echo && env.Event != eventJoinRoom && env.Event != eventLeaveRoom {
				_ = conn.WriteMessage(websocket.TextMessage, data)
			}
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *testGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func nextFrame(t *testing.T, ch <-chan envelope) envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return envelope{}
	}
}

func noFrame(t *testing.T, ch <-chan envelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected frame %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnect_IsIdempotent(t *testing.T) {
	g := newTestGateway(t, false)
	c := NewClient(Options{URL: g.url(), Token: "tok"})
	defer c.Close()

	for i := 0; i < 3; i++ {
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect #%d: %v", i, err)
		}
	}
	waitConnected(t, c)

	if n := atomic.LoadInt32(&g.upgrades); n != 1 {
		t.Errorf("expected 1 websocket connection, got %d", n)
	}
	if got, _ := g.auth.Load().(string); got != "Bearer tok" {
		t.Errorf("expected bearer token header, got %q", got)
	}
}

func TestJoinRoom_SendsOnce(t *testing.T) {
	g := newTestGateway(t, false)
	c := NewClient(Options{URL: g.url()})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitConnected(t, c)

	_ = c.JoinRoom("order_1")
	_ = c.JoinRoom("order_1")

	env := nextFrame(t, g.frames)
	if env.Event != eventJoinRoom || env.Room != "order_1" {
		t.Errorf("expected join_room for order_1, got %+v", env)
	}
	noFrame(t, g.frames)

	_ = c.LeaveRoom("order_1")
	env = nextFrame(t, g.frames)
	if env.Event != eventLeaveRoom {
		t.Errorf("expected leave_room, got %+v", env)
	}
}

func TestPublish_DeliversToBoundHandler(t *testing.T) {
	g := newTestGateway(t, true)
	c := NewClient(Options{URL: g.url()})
	defer c.Close()

	got := make(chan json.RawMessage, 1)
	if !c.On("ping_event", func(room domain.RoomID, data json.RawMessage) {
		if room == "order_5" {
			got <- data
		}
	}) {
		t.Fatal("expected first On to bind")
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitConnected(t, c)

	if err := c.Publish("order_5", "ping_event", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != `{"k":"v"}` {
			t.Errorf("unexpected payload %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never called")
	}
}

func TestOn_SecondBindIsIgnored(t *testing.T) {
	c := NewClient(Options{URL: "ws://unused"})
	first := func(domain.RoomID, json.RawMessage) {}
	if !c.On(domain.EventChatMessage, first) {
		t.Fatal("expected bind")
	}
	if c.On(domain.EventChatMessage, first) {
		t.Error("expected second bind to be refused")
	}
	c.Off(domain.EventChatMessage)
	if c.Bound(domain.EventChatMessage) {
		t.Error("expected Off to unbind")
	}
}

func TestPublish_NotConnected(t *testing.T) {
	c := NewClient(Options{URL: "ws://unused"})
	err := c.Publish("order_1", domain.EventCallRequest, nil)
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	c := NewClient(Options{URL: "ws://127.0.0.1:1/ws"})
	err := c.Connect(context.Background())
	if !errors.Is(err, domain.ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}

func TestReconnect_RejoinsRooms(t *testing.T) {
	g := newTestGateway(t, false)
	c := NewClient(Options{URL: g.url(), ReconnectMin: 10 * time.Millisecond, ReconnectMax: 20 * time.Millisecond})
	defer c.Close()

	statuses := make(chan domain.ConnStatus, 8)
	c.OnStatus(func(s domain.ConnStatus) { statuses <- s })

	_ = c.JoinRoom("order_9")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	first := <-g.conns
	if env := nextFrame(t, g.frames); env.Event != eventJoinRoom || env.Room != "order_9" {
		t.Fatalf("expected initial join, got %+v", env)
	}

	first.Close()

	if env := nextFrame(t, g.frames); env.Event != eventJoinRoom || env.Room != "order_9" {
		t.Fatalf("expected rejoin after reconnect, got %+v", env)
	}

	want := []domain.ConnStatus{domain.StatusConnected, domain.StatusDisconnected, domain.StatusConnected}
	for _, w := range want {
		select {
		case s := <-statuses:
			if s != w {
				t.Errorf("status = %s, want %s", s, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing status %s", w)
		}
	}
}

func TestBackoff_Bounded(t *testing.T) {
	b := newBackoff(100*time.Millisecond, 350*time.Millisecond)
	want := []time.Duration{100, 200, 350, 350}
	for i, w := range want {
		if got := b.next(); got != w*time.Millisecond {
			t.Errorf("step %d = %v, want %v", i, got, w*time.Millisecond)
		}
	}
	b.reset()
	if got := b.next(); got != 100*time.Millisecond {
		t.Errorf("after reset = %v", got)
	}
}

func TestClose_AbortsReconnectDial(t *testing.T) {
	var requests int32
	stalled := make(chan struct{}, 1)
	aborted := make(chan struct{}, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err == nil {
				conn.Close()
			}
			return
		}
		// Later handshakes never get a response.
		raw, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer raw.Close()
		stalled <- struct{}{}
		buf := make([]byte, 512)
		for {
			if _, err := raw.Read(buf); err != nil {
				aborted <- struct{}{}
				return
			}
		}
	}))
	defer srv.Close()

	c := NewClient(Options{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 10 * time.Millisecond,
		Dialer:       &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect attempt")
	}
	c.Close()

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not abort the pending dial")
	}
}
