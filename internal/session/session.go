// Package session 管理当前会话的身份、消息日志、流式状态与持久化策略。
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pai-smart-chat/internal/model"
	"pai-smart-chat/internal/repository"
	"pai-smart-chat/internal/stream"
	"pai-smart-chat/pkg/log"

	"github.com/google/uuid"
)

// Phase 是会话的流式阶段，Dispatch 依据它保证同一时刻最多一个进行中的回复。
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStreaming
	PhaseLoading // SwitchTo 正在加载会话，合并完成前不接受新的提交
)

func (p Phase) String() string {
	switch p {
	case PhaseStreaming:
		return "streaming"
	case PhaseLoading:
		return "loading"
	default:
		return "idle"
	}
}

// ErrorKind 区分需要展示给用户的错误类别。
type ErrorKind int

const (
	ErrorConnection ErrorKind = iota + 1 // 可重试的连接错误
	ErrorStream                          // 后端显式返回的错误
)

// ErrConnectionLost 表示连接在会话期间意外断开。
var ErrConnectionLost = errors.New("connection lost")

// StreamError 包装后端 error 事件中的消息。
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "stream error: " + e.Message
}

// DurableStore 是远端持久化会话的存储。Load 在会话不存在时返回 (nil, nil)。
type DurableStore interface {
	Save(ctx context.Context, conv *model.Conversation) error
	Load(ctx context.Context, id string) (*model.Conversation, error)
}

// SessionContext 显式描述客户端会话，取代浏览器里隐式的全局会话存储。
type SessionContext struct {
	SessionID string
	UserID    string
	Channel   string
}

// Options 是可选配置。
type Options struct {
	IdleTimeout    time.Duration
	PersistTimeout time.Duration
	Listener       Listener
	Now            func() time.Time
	NewID          func() string
}

// State 是暴露给 UI 的只读快照。
type State struct {
	ConversationID  string
	Title           string
	Messages        []model.Turn
	Draft           string
	Loading         bool
	StreamingText   string
	ConnectionError string
}

// Session 持有当前活跃的会话。所有对 Conversation 与 StreamingState 的修改
// 都在 mu 内完成；网络与存储 I/O 在锁外执行，并由 persistMu 保证写入顺序。
type Session struct {
	sc             SessionContext
	local          repository.LocalStore
	durable        DurableStore
	listener       Listener
	now            func() time.Time
	newID          func() string
	persistTimeout time.Duration

	mu              sync.Mutex
	conv            *model.Conversation
	phase           Phase
	reasm           *stream.Reassembler
	remoteSaved     bool
	seq             uint64
	loadGen         uint64
	exchangeTurn    string // 当前回复对应的用户消息 ID，用于发送失败时回滚
	persistGen      uint64
	draft           string
	connErr         error
	onTurnCompleted func(channel string)

	persistMu sync.Mutex
	persisted map[string]uint64 // 每个会话最后写入本地缓冲的快照序号，受 persistMu 保护
}

// New 创建一个 Session。初始会话为空，调用方应随后调用 Open 或 StartNew。
func New(sc SessionContext, local repository.LocalStore, durable DurableStore, opts Options) *Session {
	s := &Session{
		sc:             sc,
		local:          local,
		durable:        durable,
		listener:       opts.Listener,
		now:            opts.Now,
		newID:          opts.NewID,
		persistTimeout: opts.PersistTimeout,
		persisted:      make(map[string]uint64),
	}
	if s.listener == nil {
		s.listener = NopListener{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.persistTimeout <= 0 {
		s.persistTimeout = 10 * time.Second
	}
	s.reasm = stream.New(opts.IdleTimeout, s.expire)
	s.conv = s.emptyConversation(s.newID())
	return s
}

// Context 返回构造时传入的 SessionContext。
func (s *Session) Context() SessionContext { return s.sc }

// OnTurnCompleted 注册每次助手回复落盘后的回调（用量统计使用）。
func (s *Session) OnTurnCompleted(fn func(channel string)) {
	s.mu.Lock()
	s.onTurnCompleted = fn
	s.mu.Unlock()
}

// ConversationID 返回当前会话 ID。
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.ID
}

// Conversation 返回当前会话的拷贝。
func (s *Session) Conversation() *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Clone()
}

// Phase 返回当前阶段。
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Snapshot 返回 UI 状态快照。
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		ConversationID: s.conv.ID,
		Title:          s.conv.Title,
		Messages:       s.conv.Clone().Turns,
		Draft:          s.draft,
		Loading:        s.phase != PhaseIdle,
		StreamingText:  s.reasm.Partial(),
	}
	if s.connErr != nil {
		st.ConnectionError = s.connErr.Error()
	}
	return st
}

// UpdateDraft 更新输入框内容。
func (s *Session) UpdateDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

// Draft 返回输入框内容。
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// IsPlaceholderID 判断路由中的 ID 是否只是占位符。
func IsPlaceholderID(id string) bool {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "", "new", "undefined", "null":
		return true
	}
	return false
}

// ResolveConversationID 决定要打开的会话 ID：
// URL 中的 ID > 待恢复槽 > 当前会话槽 > 新生成。结果写回当前会话槽。
func (s *Session) ResolveConversationID(ctx context.Context, urlID string) string {
	id, source := s.resolve(ctx, urlID)
	if err := s.local.SetActiveConversationID(ctx, id); err != nil {
		log.Warnf("写入当前会话槽失败: %v", err)
	}
	log.Infow("已确定会话 ID", "conversationId", id, "source", source)
	return id
}

func (s *Session) resolve(ctx context.Context, urlID string) (string, string) {
	if !IsPlaceholderID(urlID) {
		return strings.TrimSpace(urlID), "url"
	}
	pending, err := s.local.PendingConversationID(ctx)
	if err != nil {
		log.Warnf("读取待恢复会话槽失败: %v", err)
	}
	if !IsPlaceholderID(pending) {
		if err := s.local.ClearPendingConversationID(ctx); err != nil {
			log.Warnf("清理待恢复会话槽失败: %v", err)
		}
		return pending, "pending"
	}
	active, err := s.local.ActiveConversationID(ctx)
	if err != nil {
		log.Warnf("读取当前会话槽失败: %v", err)
	}
	if !IsPlaceholderID(active) {
		return active, "session"
	}
	return s.newID(), "generated"
}

// StashPending 记录一次导航中尚未落到 URL 的会话 ID。
func (s *Session) StashPending(ctx context.Context, id string) error {
	if IsPlaceholderID(id) {
		return s.local.ClearPendingConversationID(ctx)
	}
	return s.local.SetPendingConversationID(ctx, id)
}

// Open 解析会话 ID 并加载该会话。
func (s *Session) Open(ctx context.Context, urlID string) (string, error) {
	id := s.ResolveConversationID(ctx, urlID)
	return id, s.SwitchTo(ctx, id)
}

// StartNew 开启一个新会话：分配新 ID，清空消息与进行中的回复。
func (s *Session) StartNew(ctx context.Context) string {
	s.mu.Lock()
	s.discardStreamLocked()
	s.conv = s.emptyConversation(s.newID())
	s.remoteSaved = false
	id := s.conv.ID
	s.mu.Unlock()

	if err := s.local.SetActiveConversationID(ctx, id); err != nil {
		log.Warnf("写入当前会话槽失败: %v", err)
	}
	if err := s.local.ClearPendingConversationID(ctx); err != nil {
		log.Warnf("清理待恢复会话槽失败: %v", err)
	}
	log.Infow("已创建新会话", "conversationId", id)
	s.listener.OnConversationChanged(id)
	return id
}

// SwitchTo 整体替换当前会话。即使 id 与当前会话相同也会重新加载，
// 因为远端可能已经更新。加载失败只记录日志并返回，本地视图保持可用。
func (s *Session) SwitchTo(ctx context.Context, id string) error {
	if IsPlaceholderID(id) {
		return fmt.Errorf("invalid conversation id %q", id)
	}
	s.mu.Lock()
	s.discardStreamLocked()
	s.conv = s.emptyConversation(id)
	s.remoteSaved = false
	s.phase = PhaseLoading
	s.loadGen++
	gen := s.loadGen
	s.mu.Unlock()

	if err := s.local.SetActiveConversationID(ctx, id); err != nil {
		log.Warnf("写入当前会话槽失败: %v", err)
	}

	remote, loadErr := s.durable.Load(ctx, id)
	if loadErr != nil {
		log.Errorw("加载远端会话失败，使用本地视图", "conversationId", id, "error", loadErr)
	}
	buffered, bufErr := s.local.BufferedTurns(ctx, id)
	if bufErr != nil {
		log.Warnw("读取本地缓冲消息失败", "conversationId", id, "error", bufErr)
	}

	s.mu.Lock()
	if s.conv.ID != id || s.loadGen != gen || s.phase != PhaseLoading {
		// 加载期间又切换了会话或开启了新会话，结果作废
		s.mu.Unlock()
		return loadErr
	}
	s.phase = PhaseIdle
	if remote != nil {
		s.remoteSaved = true
		s.conv.Title = remote.Title
		s.conv.CreatedAt = remote.CreatedAt
		s.conv.UpdatedAt = remote.UpdatedAt
		if remote.Channel != "" {
			s.conv.Channel = remote.Channel
		}
		s.conv.Turns = append([]model.Turn(nil), remote.Turns...)
	}
	// 本地视图是当前会话的权威来源：缓冲的消息更多时以其为准
	if len(buffered) > len(s.conv.Turns) {
		s.conv.Turns = buffered
	}
	if s.conv.Title == "" && len(s.conv.Turns) > 0 {
		s.conv.Title = model.DeriveTitle(s.conv.Turns[0])
	}
	turns := len(s.conv.Turns)
	s.mu.Unlock()

	log.Infow("已切换会话", "conversationId", id, "turns", turns, "remote", remote != nil)
	s.listener.OnConversationChanged(id)
	if loadErr != nil {
		return fmt.Errorf("load conversation %s: %w", id, loadErr)
	}
	return nil
}

// AppendTurn 按顺序追加一条 Turn 并执行持久化策略。
func (s *Session) AppendTurn(ctx context.Context, turn model.Turn) model.Turn {
	s.mu.Lock()
	turn = s.stampLocked(turn)
	persist := s.appendLocked(turn)
	s.mu.Unlock()

	persist(ctx)
	s.listener.OnTurnAppended(turn)
	return turn
}

// BeginExchange 原子地检查阶段、追加用户消息、清空草稿并把 StreamingState 置为活跃。
// 已有进行中的回复时返回 false 且不产生任何副作用。
func (s *Session) BeginExchange(ctx context.Context, content string, attachments []model.Attachment) (model.ChatRequest, bool) {
	s.mu.Lock()
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return model.ChatRequest{}, false
	}
	history := model.HistoryOf(s.conv.Turns)
	turn := s.stampLocked(model.Turn{
		Role:        model.RoleUser,
		Content:     content,
		Attachments: attachments,
	})
	persist := s.appendLocked(turn)
	s.exchangeTurn = turn.ID
	s.draft = ""
	s.connErr = nil
	s.phase = PhaseStreaming
	s.reasm.Begin()
	req := model.ChatRequest{
		Message:             content,
		ChannelTag:          s.sc.Channel,
		ConversationHistory: history,
		ConversationID:      s.conv.ID,
		Attachments:         attachments,
	}
	s.mu.Unlock()

	persist(ctx)
	s.listener.OnTurnAppended(turn)
	return req, true
}

// AbortExchange 放弃一次没有送达后端的回复：撤回 BeginExchange 追加的用户消息，
// 把内容放回草稿，并通知 UI。已经收到内容或会话已切换时只结束流式状态。
func (s *Session) AbortExchange(ctx context.Context, kind ErrorKind, err error) {
	var persist func(context.Context)
	s.mu.Lock()
	if s.phase == PhaseStreaming {
		if n := len(s.conv.Turns); n > 0 && s.reasm.Partial() == "" && s.conv.Turns[n-1].ID == s.exchangeTurn {
			turn := s.conv.Turns[n-1]
			s.conv.Turns = s.conv.Turns[:n-1]
			if n == 1 {
				s.conv.Title = ""
			}
			if s.draft == "" {
				s.draft = turn.Content
			}
			persist = s.snapshotLocked(false)
		}
		s.reasm.Reset()
		s.phase = PhaseIdle
	}
	s.exchangeTurn = ""
	if kind == ErrorConnection {
		s.connErr = err
	}
	s.mu.Unlock()

	if persist != nil {
		persist(ctx)
	}
	s.listener.OnError(kind, err)
}

// HandleEvent 处理一个来自连接的事件。调用方须保证按到达顺序调用。
func (s *Session) HandleEvent(ev model.Event) {
	var fx effects
	s.mu.Lock()
	switch ev.Type {
	case model.EventConnected:
		s.connErr = nil
	case model.EventDisconnected:
		fx = s.handleDropLocked()
	case model.EventStart, model.EventChunk, model.EventEnd, model.EventError:
		if ev.ConversationID != "" && ev.ConversationID != s.conv.ID {
			log.Debugf("丢弃其他会话的事件: type=%s conversation=%s", ev.Type, ev.ConversationID)
			break
		}
		if s.phase != PhaseStreaming {
			log.Debugf("没有进行中的回复，丢弃事件: type=%s", ev.Type)
			break
		}
		fx = s.applyLocked(s.reasm.Handle(ev))
	default:
		log.Debugf("忽略未知事件类型: %s", ev.Type)
	}
	s.mu.Unlock()
	fx.run()
}

// expire 是空闲计时器的回调。
func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	var fx effects
	if s.phase == PhaseStreaming {
		fx = s.applyLocked(s.reasm.Expire(gen))
	}
	s.mu.Unlock()
	fx.run()
}

func (s *Session) handleDropLocked() effects {
	s.connErr = ErrConnectionLost
	var fx effects
	if s.phase == PhaseStreaming && s.reasm.Partial() == "" {
		// 还没有任何内容，空闲计时器无事可做，直接结束
		s.reasm.Reset()
		s.phase = PhaseIdle
	}
	// 已有部分内容时交给空闲计时器按截断完成处理
	fx = append(fx, func(context.Context) { s.listener.OnError(ErrorConnection, ErrConnectionLost) })
	return fx
}

func (s *Session) applyLocked(out stream.Outcome) effects {
	var fx effects
	switch out.Kind {
	case stream.OutcomeAppended:
		delta, partial := out.Content, out.Partial
		fx = append(fx, func(context.Context) { s.listener.OnStreamChunk(delta, partial) })

	case stream.OutcomeFinalized:
		turn := s.stampLocked(model.Turn{Role: model.RoleAssistant, Content: out.Content})
		persist := s.appendLocked(turn)
		s.phase = PhaseIdle
		truncated := out.Truncated
		hook := s.onTurnCompleted
		channel := s.sc.Channel
		fx = append(fx, persist, func(context.Context) {
			s.listener.OnTurnAppended(turn)
			s.listener.OnStreamFinished(stream.OutcomeFinalized, truncated)
			if hook != nil {
				hook(channel)
			}
		})

	case stream.OutcomeEmpty:
		s.phase = PhaseIdle
		truncated := out.Truncated
		fx = append(fx, func(context.Context) { s.listener.OnStreamFinished(stream.OutcomeEmpty, truncated) })

	case stream.OutcomeAborted:
		s.phase = PhaseIdle
		err := &StreamError{Message: out.Err}
		fx = append(fx, func(context.Context) { s.listener.OnError(ErrorStream, err) })
	}
	return fx
}

// appendLocked 追加 Turn 并返回在锁外执行的持久化动作。
// 会话第一次达到两条消息时保存到远端（仅一次）；每次追加都写入本地缓冲。
func (s *Session) appendLocked(turn model.Turn) func(context.Context) {
	s.conv.Turns = append(s.conv.Turns, turn)
	if len(s.conv.Turns) == 1 {
		s.conv.Title = model.DeriveTitle(turn)
	}
	s.conv.UpdatedAt = turn.CreatedAt

	saveRemote := len(s.conv.Turns) == 2 && !s.remoteSaved
	if saveRemote {
		s.remoteSaved = true
	}
	return s.snapshotLocked(saveRemote)
}

// snapshotLocked 在锁内拍下当前会话，并返回在锁外执行的持久化动作。
func (s *Session) snapshotLocked(saveRemote bool) func(context.Context) {
	snapshot := s.conv.Clone()
	s.persistGen++
	gen := s.persistGen
	return func(ctx context.Context) { s.persist(ctx, snapshot, gen, saveRemote) }
}

// persist 写入本地缓冲，必要时保存到远端。比已写入快照更旧的本地写入会被跳过。
func (s *Session) persist(ctx context.Context, conv *model.Conversation, gen uint64, saveRemote bool) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()

	if gen > s.persisted[conv.ID] {
		if err := s.local.SaveBufferedTurns(ctx, conv.ID, conv.Turns); err != nil {
			log.Warnw("写入本地缓冲失败", "conversationId", conv.ID, "error", err)
		}
		s.persisted[conv.ID] = gen
	} else {
		log.Debugf("跳过过期的本地缓冲快照: conversation=%s gen=%d", conv.ID, gen)
	}
	if !saveRemote {
		return
	}
	if err := s.durable.Save(ctx, conv); err != nil {
		log.Errorw("保存会话到远端失败", "conversationId", conv.ID, "error", err)
		return
	}
	log.Infow("会话已保存到远端", "conversationId", conv.ID, "turns", len(conv.Turns))
}

func (s *Session) stampLocked(turn model.Turn) model.Turn {
	now := s.now()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	if turn.ID == "" {
		s.seq++
		turn.ID = fmt.Sprintf("%d-%d", turn.CreatedAt.UnixMilli(), s.seq)
	}
	return turn
}

func (s *Session) discardStreamLocked() {
	if s.phase == PhaseStreaming {
		log.Infow("丢弃进行中的回复", "conversationId", s.conv.ID, "bufferedBytes", len(s.reasm.Partial()))
	}
	s.reasm.Reset()
	s.phase = PhaseIdle
	s.exchangeTurn = ""
}

func (s *Session) emptyConversation(id string) *model.Conversation {
	now := s.now()
	return &model.Conversation{
		ID:        id,
		UserID:    s.sc.UserID,
		Channel:   s.sc.Channel,
		Turns:     []model.Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// effects 是在会话锁之外执行的副作用。
type effects []func(context.Context)

func (fx effects) run() {
	ctx := context.Background()
	for _, f := range fx {
		f(ctx)
	}
}
