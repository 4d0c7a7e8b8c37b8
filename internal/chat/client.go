// Package chat 把连接、会话、提交与用量统计组装成 UI 使用的客户端。
package chat

import (
	"context"
	"sync"
	"time"

	"pai-smart-chat/internal/dispatch"
	"pai-smart-chat/internal/model"
	"pai-smart-chat/internal/repository"
	"pai-smart-chat/internal/session"
	"pai-smart-chat/internal/transport"
	"pai-smart-chat/internal/usage"
	"pai-smart-chat/pkg/log"
)

// Options 描述一个客户端实例所需的协作者。
type Options struct {
	Session session.SessionContext
	Local   repository.LocalStore
	Durable session.DurableStore
	// Usage 为 nil 时不统计用量。
	Usage usage.Source

	Transport transport.Config
	Tokens    transport.TokenSource

	IdleTimeout   time.Duration
	UsageInterval time.Duration
	Listener      session.Listener
}

// State 是 UI 渲染所需的全部状态。
type State struct {
	session.State
	Connection      transport.State
	UsagePercentage float64
}

// Client 是 UI 唯一需要持有的对象。
type Client struct {
	sess  *session.Session
	conn  *transport.Manager
	disp  *dispatch.Dispatcher
	usage *usage.Hook

	pumpDone  chan struct{}
	closeOnce sync.Once
}

// New 组装客户端并启动事件泵。调用方随后应调用 Open。
func New(opts Options) *Client {
	if opts.Local == nil {
		opts.Local = repository.NewMemoryLocalStore()
	}
	conn := transport.NewManager(opts.Transport, opts.Tokens)
	sess := session.New(opts.Session, opts.Local, opts.Durable, session.Options{
		IdleTimeout: opts.IdleTimeout,
		Listener:    opts.Listener,
	})
	c := &Client{
		sess:     sess,
		conn:     conn,
		disp:     dispatch.New(sess, conn),
		pumpDone: make(chan struct{}),
	}
	if opts.Usage != nil {
		c.usage = usage.NewHook(opts.Usage, opts.Session.Channel, opts.UsageInterval)
		sess.OnTurnCompleted(c.usage.OnTurnCompleted)
	}
	go c.pump()
	return c
}

// pump 是入站事件通道的唯一消费者，按到达顺序交给会话处理。
func (c *Client) pump() {
	defer close(c.pumpDone)
	for {
		select {
		case ev := <-c.conn.Events():
			c.sess.HandleEvent(ev)
		case <-c.conn.Done():
			return
		}
	}
}

// Open 解析并加载会话（urlID 可以是占位符），同时启动用量刷新。
func (c *Client) Open(ctx context.Context, urlID string) (string, error) {
	if c.usage != nil {
		if err := c.usage.Start(ctx); err != nil {
			log.Warnf("启动用量刷新失败: %v", err)
		}
	}
	return c.sess.Open(ctx, urlID)
}

// State 返回当前状态快照。
func (c *Client) State() State {
	st := State{
		State:      c.sess.Snapshot(),
		Connection: c.conn.State(),
	}
	if c.usage != nil {
		st.UsagePercentage = c.usage.Percentage()
	}
	return st
}

// Submit 提交一条消息，语义见 dispatch.Dispatcher.Submit。
func (c *Client) Submit(ctx context.Context, draft string, attachments ...model.Attachment) error {
	return c.disp.Submit(ctx, draft, attachments...)
}

// SubmitDraft 提交当前输入框中的内容。
func (c *Client) SubmitDraft(ctx context.Context, attachments ...model.Attachment) error {
	return c.disp.Submit(ctx, c.sess.Draft(), attachments...)
}

// UpdateDraft 更新输入框内容。
func (c *Client) UpdateDraft(text string) { c.sess.UpdateDraft(text) }

// StartNew 开启新会话并返回其 ID。
func (c *Client) StartNew(ctx context.Context) string { return c.sess.StartNew(ctx) }

// SwitchTo 切换到指定会话。
func (c *Client) SwitchTo(ctx context.Context, id string) error { return c.sess.SwitchTo(ctx, id) }

// StashPending 记录下一次 Open 时要恢复的会话。
func (c *Client) StashPending(ctx context.Context, id string) error {
	return c.sess.StashPending(ctx, id)
}

// RefreshUsage 立即刷新一次用量。
func (c *Client) RefreshUsage(ctx context.Context) {
	if c.usage != nil {
		c.usage.Refresh(ctx, c.sess.Context().Channel)
	}
}

// Conversation 返回当前会话的拷贝。
func (c *Client) Conversation() *model.Conversation { return c.sess.Conversation() }

// OnMessage 注册原始事件观察者。
func (c *Client) OnMessage(h transport.Handler) transport.HandlerID { return c.conn.OnMessage(h) }

// RemoveMessage 注销原始事件观察者。
func (c *Client) RemoveMessage(id transport.HandlerID) { c.conn.RemoveMessage(id) }

// Close 关闭连接，停止事件泵与用量刷新。
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.pumpDone
		if c.usage != nil {
			c.usage.Stop()
		}
	})
	return err
}
