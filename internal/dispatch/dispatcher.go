// Package dispatch 是用户提交消息的同步入口。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pai-smart-chat/internal/model"
	"pai-smart-chat/internal/session"
	"pai-smart-chat/pkg/log"

	"github.com/google/uuid"
)

// ErrSubmitFailed 表示消息已被接受但无法送达后端（连接或发送失败）。
var ErrSubmitFailed = errors.New("submit failed")

// Connection 是 Dispatcher 需要的连接能力，由 transport.Manager 实现。
type Connection interface {
	EnsureConnected(ctx context.Context, channel string) error
	Send(v interface{}) error
}

// Dispatcher 校验草稿并把请求交给连接。
type Dispatcher struct {
	sess   *session.Session
	conn   Connection
	newKey func() string
}

// New 创建 Dispatcher。每次被接受的提交都会带上一个新的幂等键。
func New(sess *session.Session, conn Connection) *Dispatcher {
	return &Dispatcher{sess: sess, conn: conn, newKey: uuid.NewString}
}

// Submit 提交一条用户消息。
//
// 空白草稿（且无附件）、已有进行中的回复或会话正在加载时直接返回 nil，不产生副作用；
// UI 层本应禁用输入，这里只是兜底。被接受的消息会先追加到会话，然后
// 建立连接并发送；连接或发送失败时撤回该用户消息（内容回到草稿）、通知 UI，
// 并返回包装了 ErrSubmitFailed 的错误。
func (d *Dispatcher) Submit(ctx context.Context, draft string, attachments ...model.Attachment) error {
	text := strings.TrimSpace(draft)
	if text == "" && len(attachments) == 0 {
		log.Debugf("忽略空白消息")
		return nil
	}
	if d.sess.Phase() != session.PhaseIdle {
		log.Debugf("已有进行中的回复或会话正在加载，忽略提交")
		return nil
	}

	req, ok := d.sess.BeginExchange(ctx, text, attachments)
	if !ok {
		// 在检查与开始之间有另一条提交抢先进入
		log.Debugf("已有进行中的回复，忽略提交")
		return nil
	}
	req.IdempotencyKey = d.newKey()

	channel := d.sess.Context().Channel
	if err := d.conn.EnsureConnected(ctx, channel); err != nil {
		d.sess.AbortExchange(ctx, session.ErrorConnection, err)
		return fmt.Errorf("%w: connect: %w", ErrSubmitFailed, err)
	}
	if err := d.conn.Send(req); err != nil {
		d.sess.AbortExchange(ctx, session.ErrorConnection, err)
		return fmt.Errorf("%w: send: %w", ErrSubmitFailed, err)
	}
	log.Infow("消息已发送", "conversationId", req.ConversationID, "idempotencyKey", req.IdempotencyKey, "historyLen", len(req.ConversationHistory))
	return nil
}
