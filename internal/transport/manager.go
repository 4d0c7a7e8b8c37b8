// Package transport 管理与聊天后端之间唯一的一条 websocket 连接。
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"pai-smart-chat/internal/model"
	"pai-smart-chat/pkg/log"

	"github.com/gorilla/websocket"
)

// 服务端用于拒绝连接的关闭码。
const (
	CloseNoToken      = 4401
	CloseInvalidToken = 4403
)

var (
	// ErrNoToken 表示没有可用的认证令牌，这是致命的连接错误。
	ErrNoToken = errors.New("transport: missing auth token")
	// ErrInvalidToken 表示服务端拒绝了令牌。
	ErrInvalidToken = errors.New("transport: auth token rejected")
	// ErrHandshake 表示连接建立后没有收到握手确认。
	ErrHandshake = errors.New("transport: handshake failed")
	// ErrNotConnected 表示发送时没有打开的连接。
	ErrNotConnected = errors.New("transport: not connected")
)

// State 是连接状态机的状态。
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// TokenSource 提供握手所需的不透明令牌。
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken 是固定令牌的 TokenSource。
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Handler 在读循环中按到达顺序被调用。
type Handler func(model.Event)

// HandlerID 标识一个已注册的 Handler。
type HandlerID uint64

// Config 是 Manager 的配置。
type Config struct {
	URL              string // 例如 ws://localhost:8081
	HandshakeTimeout time.Duration
	InboundBuffer    int
	Dialer           *websocket.Dialer
}

// Manager 负责连接的建立、握手、断线检测与收发。
// 断线后不会自动重连，调用方在下一次 EnsureConnected 时惰性重连。
type Manager struct {
	cfg    Config
	tokens TokenSource

	connectMu sync.Mutex // 串行化连接尝试

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	channel string
	closed  bool

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   []registeredHandler
	nextID     HandlerID

	inbound chan model.Event
	done    chan struct{}
}

type registeredHandler struct {
	id HandlerID
	fn Handler
}

// NewManager 创建一个处于 Disconnected 状态的 Manager。
func NewManager(cfg Config, tokens TokenSource) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 256
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	return &Manager{
		cfg:     cfg,
		tokens:  tokens,
		inbound: make(chan model.Event, cfg.InboundBuffer),
		done:    make(chan struct{}),
	}
}

// State 返回当前连接状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events 返回入站事件通道。它只有一个消费者（会话的事件泵）。
// Close 之后不再投递，消费者应同时监听 Done。
func (m *Manager) Events() <-chan model.Event {
	return m.inbound
}

// Done 在 Close 之后被关闭。
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// OnMessage 注册一个旁路观察者，返回用于注销的 ID。
func (m *Manager) OnMessage(h Handler) HandlerID {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.nextID++
	m.handlers = append(m.handlers, registeredHandler{id: m.nextID, fn: h})
	return m.nextID
}

// RemoveMessage 注销观察者，未知 ID 被忽略。
func (m *Manager) RemoveMessage(id HandlerID) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	for i, h := range m.handlers {
		if h.id == id {
			m.handlers = append(m.handlers[:i:i], m.handlers[i+1:]...)
			return
		}
	}
}

// EnsureConnected 在返回 nil 时保证存在一条可用连接。连接不存在或未打开时
// 恰好尝试一次拨号与握手；失败不会重试。
func (m *Manager) EnsureConnected(ctx context.Context, channel string) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.state == StateOpen && m.channel == channel {
		m.mu.Unlock()
		return nil
	}
	stale := m.conn
	m.conn = nil
	m.state = StateConnecting
	m.mu.Unlock()

	if stale != nil {
		// 渠道变化，旧连接的读循环会在关闭后自行退出
		_ = stale.Close()
	}

	conn, err := m.dial(ctx, channel)
	if err != nil {
		m.setState(StateDisconnected)
		log.Warnw("连接聊天后端失败", "channel", channel, "error", err)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	m.conn = conn
	m.state = StateOpen
	m.channel = channel
	m.mu.Unlock()

	log.Infow("已连接聊天后端", "channel", channel)
	go m.readLoop(conn)
	return nil
}

func (m *Manager) dial(ctx context.Context, channel string) (*websocket.Conn, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: get token: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return nil, ErrNoToken
	}

	target, err := chatURL(m.cfg.URL, token, channel)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := m.cfg.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("transport: dial: %w", err)
	}

	if err := awaitAck(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// awaitAck 等待服务端的 connected 事件。
func awaitAck(ctx context.Context, conn *websocket.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	defer conn.SetReadDeadline(time.Time{})

	var ev model.Event
	if err := conn.ReadJSON(&ev); err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			switch ce.Code {
			case CloseNoToken:
				return ErrNoToken
			case CloseInvalidToken:
				return ErrInvalidToken
			}
		}
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if ev.Type != model.EventConnected {
		return fmt.Errorf("%w: unexpected first event %q", ErrHandshake, ev.Type)
	}
	return nil
}

func chatURL(base, token, channel string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("transport: bad url %q: %w", base, err)
	}
	basePath := u.Path
	u.Path = basePath + "/chat/" + token
	u.RawPath = basePath + "/chat/" + url.PathEscape(token)
	q := u.Query()
	if channel != "" {
		q.Set("channel", channel)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send 把 v 以 JSON 文本帧发送。没有打开的连接时记录日志并返回 ErrNotConnected。
func (m *Manager) Send(v interface{}) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()
	if !open || conn == nil {
		log.Warnf("发送失败：没有打开的连接")
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		log.Warnf("写入 websocket 失败: %v", err)
		m.dropped(conn)
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		var ev model.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if m.dropped(conn) {
				log.Warnf("websocket 连接断开: %v", err)
				m.deliver(model.Event{Type: model.EventDisconnected, Message: err.Error(), Timestamp: time.Now().UnixMilli()})
			}
			return
		}
		m.deliver(ev)
	}
}

// dropped 把仍为当前连接的 conn 标记为断开，返回是否发生了状态变化。
func (m *Manager) dropped(conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn || m.state != StateOpen {
		return false
	}
	m.conn = nil
	m.state = StateDisconnected
	_ = conn.Close()
	return true
}

func (m *Manager) deliver(ev model.Event) {
	m.handlersMu.RLock()
	hs := make([]Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.fn
	}
	m.handlersMu.RUnlock()
	for _, h := range hs {
		h(ev)
	}

	select {
	case m.inbound <- ev:
	case <-m.done:
	}
}

// Close 关闭连接并停止投递，之后 EnsureConnected 总是失败。
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.state = StateClosing
	m.mu.Unlock()

	close(m.done)
	var err error
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		err = conn.Close()
	}
	m.setState(StateDisconnected)
	return err
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
