// Package model 包含了应用的数据模型定义。
package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Role 标识一条 Turn 的作者。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TitleMaxRunes 是会话标题的最大字符数，超出部分以 "..." 截断。
const TitleMaxRunes = 50

// Attachment 是用户消息携带的附件，对象本体存放在 MinIO 中。
type Attachment struct {
	Name        string `json:"name"`
	ObjectKey   string `json:"objectKey"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
}

// Turn 代表会话中的一条消息（用户或助手）。
type Turn struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Conversation 是一个有唯一标识、按顺序排列的 Turn 序列。
// 服务端以 JSON 形式把 Turns 存入 conversations 表。
type Conversation struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	UserID    string    `gorm:"index;size:64;not null" json:"userId"`
	Title     string    `gorm:"size:255" json:"title"`
	Channel   string    `gorm:"size:64" json:"channel"`
	Turns     []Turn    `gorm:"serializer:json;type:text" json:"turns"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Clone 返回会话的深拷贝，供锁外的持久化与 UI 读取使用。
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Turns = make([]Turn, len(c.Turns))
	for i, t := range c.Turns {
		cp.Turns[i] = t
		if len(t.Attachments) > 0 {
			cp.Turns[i].Attachments = append([]Attachment(nil), t.Attachments...)
		}
	}
	return &cp
}

// DeriveTitle 根据第一条 Turn 生成展示标题。
func DeriveTitle(t Turn) string {
	text := strings.TrimSpace(t.Content)
	if text == "" && len(t.Attachments) > 0 {
		text = t.Attachments[0].Name
	}
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= TitleMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:TitleMaxRunes]) + "..."
}

// ConversationSummary 是会话列表接口返回的精简视图。
type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Channel   string    `json:"channel"`
	TurnCount int       `json:"turnCount"`
	UpdatedAt LocalTime `json:"updatedAt"`
}
