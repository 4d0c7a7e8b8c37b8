package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pai-smart-chat/internal/model"
	"pai-smart-chat/internal/repository"
	"pai-smart-chat/pkg/llm"
	"pai-smart-chat/pkg/log"
	"pai-smart-chat/pkg/metrics"
	"pai-smart-chat/pkg/tasks"
)

// DedupeTTL 是幂等键的保留时间。
const DedupeTTL = 10 * time.Minute

// ErrDuplicateRequest 表示同一幂等键的请求已经处理过。
var ErrDuplicateRequest = errors.New("duplicate request")

// EventWriter 把事件写回客户端连接。
type EventWriter func(ev model.Event) error

// UsagePublisher 发布用量事件，由 kafka.Producer 实现。
type UsagePublisher interface {
	PublishUsage(ctx context.Context, ev tasks.UsageEvent) error
}

// ChatService 定义了聊天操作的接口。
type ChatService interface {
	// StreamResponse 处理一次请求：依次写出 start、若干 chunk 与 end，失败时写出 error。
	StreamResponse(ctx context.Context, userID, channel string, req model.ChatRequest, write EventWriter) error
}

type chatService struct {
	llmClient    llm.Client
	requests     repository.RequestRepository
	usage        UsageService
	publisher    UsagePublisher
	metrics      *metrics.Metrics
	systemPrompt string
	now          func() time.Time
}

// ChatServiceOptions 是 ChatService 的可选协作者。
type ChatServiceOptions struct {
	// Publisher 为 nil 时直接写入用量计数。
	Publisher    UsagePublisher
	Metrics      *metrics.Metrics
	SystemPrompt string
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(llmClient llm.Client, requests repository.RequestRepository, usage UsageService, opts ChatServiceOptions) ChatService {
	return &chatService{
		llmClient:    llmClient,
		requests:     requests,
		usage:        usage,
		publisher:    opts.Publisher,
		metrics:      opts.Metrics,
		systemPrompt: opts.SystemPrompt,
		now:          time.Now,
	}
}

func (s *chatService) StreamResponse(ctx context.Context, userID, channel string, req model.ChatRequest, write EventWriter) error {
	started := s.now()
	convID := req.ConversationID

	if req.IdempotencyKey != "" && s.requests != nil {
		fresh, err := s.requests.Claim(ctx, userID+":"+req.IdempotencyKey, DedupeTTL)
		if err != nil {
			// Redis 不可用时宁可重复回复也不拒绝请求
			log.Warnf("幂等键检查失败，继续处理: %v", err)
		} else if !fresh {
			s.metrics.StreamDone(channel, metrics.OutcomeDuplicate, started)
			log.Infow("忽略重复请求", "userId", userID, "conversationId", convID, "idempotencyKey", req.IdempotencyKey)
			_ = write(s.event(model.EventError, convID, "", "duplicate request"))
			return ErrDuplicateRequest
		}
	}

	if err := write(s.event(model.EventStart, convID, "", "")); err != nil {
		return err
	}

	var answer strings.Builder
	err := s.llmClient.StreamChatMessages(ctx, s.composeMessages(req), nil, func(delta string) error {
		answer.WriteString(delta)
		s.metrics.Chunk(channel)
		return write(s.event(model.EventChunk, convID, delta, ""))
	})
	if err != nil {
		s.metrics.StreamDone(channel, metrics.OutcomeError, started)
		log.Errorw("流式回复失败", "userId", userID, "conversationId", convID, "error", err)
		_ = write(s.event(model.EventError, convID, "", "AI服务暂时不可用，请稍后重试"))
		return fmt.Errorf("stream response: %w", err)
	}

	if err := write(s.event(model.EventEnd, convID, "", "")); err != nil {
		return err
	}
	s.metrics.StreamDone(channel, metrics.OutcomeOK, started)

	// 回复已经送达，即使请求上下文取消也要记账
	s.recordUsage(context.WithoutCancel(ctx), tasks.UsageEvent{
		UserID:         userID,
		Channel:        channel,
		ConversationID: convID,
		Characters:     countCharacters(req.Message, answer.String()),
		OccurredAt:     s.now(),
	})
	return nil
}

func (s *chatService) recordUsage(ctx context.Context, ev tasks.UsageEvent) {
	if s.publisher != nil {
		err := s.publisher.PublishUsage(ctx, ev)
		if err == nil {
			return
		}
		log.Warnf("发布用量事件失败，改为直接记录: %v", err)
	}
	if s.usage == nil {
		return
	}
	if err := s.usage.Process(ctx, ev); err != nil {
		log.Errorf("记录用量失败: user=%s channel=%s err=%v", ev.UserID, ev.Channel, err)
	}
}

func (s *chatService) composeMessages(req model.ChatRequest) []llm.Message {
	msgs := make([]llm.Message, 0, len(req.ConversationHistory)+2)
	if s.systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: s.systemPrompt})
	}
	for _, h := range req.ConversationHistory {
		msgs = append(msgs, llm.Message{Role: string(h.Role), Content: h.Content})
	}
	msgs = append(msgs, llm.Message{Role: string(model.RoleUser), Content: userContent(req)})
	return msgs
}

// userContent 把附件以引用形式拼接到用户消息后面。
func userContent(req model.ChatRequest) string {
	if len(req.Attachments) == 0 {
		return req.Message
	}
	var b strings.Builder
	b.WriteString(req.Message)
	b.WriteString("\n\n附件:")
	for _, a := range req.Attachments {
		ref := a.URL
		if ref == "" {
			ref = a.ObjectKey
		}
		fmt.Fprintf(&b, "\n- %s (%s)", a.Name, ref)
	}
	return strings.TrimSpace(b.String())
}

func (s *chatService) event(t model.EventType, convID, content, message string) model.Event {
	return model.Event{
		Type:           t,
		Content:        content,
		Message:        message,
		ConversationID: convID,
		Timestamp:      s.now().UnixMilli(),
	}
}
