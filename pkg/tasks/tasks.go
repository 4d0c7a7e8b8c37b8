// Package tasks 定义通过 Kafka 传递的消息结构。
package tasks

import "time"

// UsageEvent 描述一次完成的回复所消耗的用量（按字符计）。
type UsageEvent struct {
	UserID         string    `json:"user_id"`
	Channel        string    `json:"channel"`
	ConversationID string    `json:"conversation_id"`
	Characters     int64     `json:"characters"`
	OccurredAt     time.Time `json:"occurred_at"`
}
