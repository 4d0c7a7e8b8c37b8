package repository

import (
	"context"
	"errors"
	"fmt"

	"pai-smart-chat/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrConversationNotFound 表示会话不存在。
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository 定义了服务端会话持久化的操作接口。
type ConversationRepository interface {
	Save(ctx context.Context, conv *model.Conversation) error
	FindByID(ctx context.Context, id string) (*model.Conversation, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]model.Conversation, error)
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个基于 GORM 的 ConversationRepository。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

// Save 按主键插入或整体覆盖一条会话记录。
func (r *conversationRepository) Save(ctx context.Context, conv *model.Conversation) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "channel", "turns", "updated_at"}),
	}).Create(conv).Error
	if err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// FindByID 根据 ID 查询会话，不存在时返回 ErrConversationNotFound。
func (r *conversationRepository) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation %s: %w", id, err)
	}
	return &conv, nil
}

// ListByUser 按最近更新时间倒序返回用户的会话。
func (r *conversationRepository) ListByUser(ctx context.Context, userID string, limit int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var convs []model.Conversation
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at desc").
		Limit(limit).
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}
