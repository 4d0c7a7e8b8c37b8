package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pai-smart-chat/internal/model"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBackend struct {
	srv    *httptest.Server
	dials  atomic.Int32
	tokens chan string
	serve  func(conn *websocket.Conn)
}

func newTestBackend(t *testing.T, serve func(conn *websocket.Conn)) *testBackend {
	t.Helper()
	b := &testBackend{serve: serve, tokens: make(chan string, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.dials.Add(1)
		b.tokens <- strings.TrimPrefix(r.URL.Path, "/chat/") + "|" + r.URL.Query().Get("channel")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		b.serve(conn)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func ack(conn *websocket.Conn) {
	_ = conn.WriteJSON(model.Event{Type: model.EventConnected})
}

// holdOpen 一直读直到客户端断开。
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newManager(t *testing.T, url string, token string) *Manager {
	t.Helper()
	m := NewManager(Config{URL: url, HandshakeTimeout: 2 * time.Second}, StaticToken(token))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func recv(t *testing.T, m *Manager) model.Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return model.Event{}
	}
}

func TestEnsureConnected_HandshakeAndOrderedDelivery(t *testing.T) {
	b := newTestBackend(t, func(conn *websocket.Conn) {
		ack(conn)
		for _, ev := range []model.Event{
			{Type: model.EventStart},
			{Type: model.EventChunk, Content: "Hi"},
			{Type: model.EventChunk, Content: " there"},
			{Type: model.EventEnd},
		} {
			_ = conn.WriteJSON(ev)
		}
		holdOpen(conn)
	})
	m := newManager(t, b.wsURL(), "tok-1")

	var mu sync.Mutex
	var seen []model.EventType
	m.OnMessage(func(ev model.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	require.NoError(t, m.EnsureConnected(context.Background(), "deepseek"))
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, "tok-1|deepseek", <-b.tokens)

	var got []string
	for i := 0; i < 4; i++ {
		ev := recv(t, m)
		got = append(got, string(ev.Type)+":"+ev.Content)
	}
	assert.Equal(t, []string{"start:", "chunk:Hi", "chunk: there", "end:"}, got)

	mu.Lock()
	assert.Equal(t, []model.EventType{model.EventStart, model.EventChunk, model.EventChunk, model.EventEnd}, seen)
	mu.Unlock()

	// 已打开时不会重新拨号
	require.NoError(t, m.EnsureConnected(context.Background(), "deepseek"))
	assert.Equal(t, int32(1), b.dials.Load())
}

func TestEnsureConnected_NoTokenDoesNotDial(t *testing.T) {
	b := newTestBackend(t, ack)
	m := newManager(t, b.wsURL(), "  ")

	err := m.EnsureConnected(context.Background(), "deepseek")
	assert.ErrorIs(t, err, ErrNoToken)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, int32(0), b.dials.Load())
}

func TestEnsureConnected_ServerRejectsToken(t *testing.T) {
	b := newTestBackend(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseInvalidToken, "invalid token"))
		time.Sleep(50 * time.Millisecond)
	})
	m := newManager(t, b.wsURL(), "bad")

	err := m.EnsureConnected(context.Background(), "deepseek")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestEnsureConnected_MissingAck(t *testing.T) {
	b := newTestBackend(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(model.Event{Type: model.EventChunk, Content: "too early"})
		holdOpen(conn)
	})
	m := newManager(t, b.wsURL(), "tok")

	err := m.EnsureConnected(context.Background(), "deepseek")
	assert.ErrorIs(t, err, ErrHandshake)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDrop_NoAutoReconnectThenLazyReconnect(t *testing.T) {
	var conns atomic.Int32
	b := newTestBackend(t, func(conn *websocket.Conn) {
		ack(conn)
		if conns.Add(1) == 1 {
			return // 第一条连接握手后立即断开
		}
		holdOpen(conn)
	})
	m := newManager(t, b.wsURL(), "tok")

	require.NoError(t, m.EnsureConnected(context.Background(), "deepseek"))
	ev := recv(t, m)
	assert.Equal(t, model.EventDisconnected, ev.Type)
	assert.Equal(t, StateDisconnected, m.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), b.dials.Load(), "must not reconnect on its own")

	require.NoError(t, m.EnsureConnected(context.Background(), "deepseek"))
	assert.Equal(t, int32(2), b.dials.Load())
	assert.Equal(t, StateOpen, m.State())
}

func TestSend(t *testing.T) {
	received := make(chan model.ChatRequest, 1)
	b := newTestBackend(t, func(conn *websocket.Conn) {
		ack(conn)
		var req model.ChatRequest
		if err := conn.ReadJSON(&req); err == nil {
			received <- req
		}
		holdOpen(conn)
	})
	m := newManager(t, b.wsURL(), "tok")

	assert.ErrorIs(t, m.Send(model.ChatRequest{Message: "early"}), ErrNotConnected)

	require.NoError(t, m.EnsureConnected(context.Background(), "deepseek"))
	require.NoError(t, m.Send(model.ChatRequest{Message: "Hello", ConversationID: "c1", IdempotencyKey: "k1"}))

	select {
	case req := <-received:
		assert.Equal(t, "Hello", req.Message)
		assert.Equal(t, "c1", req.ConversationID)
		assert.Equal(t, "k1", req.IdempotencyKey)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received request")
	}
}

func TestRemoveMessage(t *testing.T) {
	m := NewManager(Config{URL: "ws://unused"}, StaticToken("x"))
	var calls []string
	a := m.OnMessage(func(model.Event) { calls = append(calls, "a") })
	m.OnMessage(func(model.Event) { calls = append(calls, "b") })
	m.RemoveMessage(a)
	m.RemoveMessage(HandlerID(999))

	go func() { <-m.Events() }()
	m.deliver(model.Event{Type: model.EventStart})
	assert.Equal(t, []string{"b"}, calls)
}

func TestClose(t *testing.T) {
	b := newTestBackend(t, func(conn *websocket.Conn) {
		ack(conn)
		holdOpen(conn)
	})
	m := NewManager(Config{URL: b.wsURL()}, StaticToken("tok"))
	require.NoError(t, m.EnsureConnected(context.Background(), "deepseek"))
	require.NoError(t, m.Close())
	assert.Equal(t, StateDisconnected, m.State())
	assert.ErrorIs(t, m.EnsureConnected(context.Background(), "deepseek"), ErrNotConnected)

	select {
	case <-m.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestChatURL(t *testing.T) {
	u, err := chatURL("ws://localhost:8081/", "a/b", "deepseek")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8081/chat/a%2Fb?channel=deepseek", u)
}
