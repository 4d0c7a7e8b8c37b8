// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pai-smart-chat/internal/model"
	"pai-smart-chat/internal/repository"
)

var (
	// ErrForbidden 表示会话属于其他用户。
	ErrForbidden = errors.New("conversation belongs to another user")
	// ErrBadConversation 表示请求体与路径中的会话不一致或缺少 ID。
	ErrBadConversation = errors.New("invalid conversation payload")
)

// ConversationService 定义了对话业务逻辑的接口。
type ConversationService interface {
	List(ctx context.Context, userID string) ([]model.ConversationSummary, error)
	Get(ctx context.Context, userID, id string) (*model.Conversation, error)
	Save(ctx context.Context, userID string, conv *model.Conversation) error
}

type conversationService struct {
	repo repository.ConversationRepository
	now  func() time.Time
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(repo repository.ConversationRepository) ConversationService {
	return &conversationService{repo: repo, now: time.Now}
}

// List 返回用户最近的会话摘要。
func (s *conversationService) List(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	convs, err := s.repo.ListByUser(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	out := make([]model.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, model.ConversationSummary{
			ID:        c.ID,
			Title:     c.Title,
			Channel:   c.Channel,
			TurnCount: len(c.Turns),
			UpdatedAt: model.LocalTime(c.UpdatedAt),
		})
	}
	return out, nil
}

// Get 读取会话并校验归属。
func (s *conversationService) Get(ctx context.Context, userID, id string) (*model.Conversation, error) {
	conv, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrForbidden
	}
	return conv, nil
}

// Save 以整条会话覆盖写入。已存在且属于其他用户的会话不允许覆盖。
func (s *conversationService) Save(ctx context.Context, userID string, conv *model.Conversation) error {
	if conv == nil || conv.ID == "" {
		return ErrBadConversation
	}
	existing, err := s.repo.FindByID(ctx, conv.ID)
	switch {
	case errors.Is(err, repository.ErrConversationNotFound):
		if conv.CreatedAt.IsZero() {
			conv.CreatedAt = s.now()
		}
	case err != nil:
		return err
	case existing.UserID != userID:
		return ErrForbidden
	default:
		conv.CreatedAt = existing.CreatedAt
	}

	conv.UserID = userID
	if conv.Title == "" && len(conv.Turns) > 0 {
		conv.Title = model.DeriveTitle(conv.Turns[0])
	}
	conv.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, conv); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}
