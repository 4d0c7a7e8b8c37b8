package model

// EventType 是 websocket 上传输的事件类型。
type EventType string

const (
	EventConnected EventType = "connected" // 握手确认
	EventStart     EventType = "start"
	EventChunk     EventType = "chunk"
	EventEnd       EventType = "end"
	EventError     EventType = "error"

	// EventDisconnected 由客户端在连接意外断开时合成，不会出现在线路上。
	EventDisconnected EventType = "disconnected"
)

// Event 是服务端推送给客户端的单个事件。
type Event struct {
	Type           EventType `json:"type"`
	Content        string    `json:"content,omitempty"`
	Message        string    `json:"message,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	Timestamp      int64     `json:"timestamp,omitempty"`
}

// HistoryMessage 是随请求发送的历史消息。
type HistoryMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest 是客户端发往服务端的一次提问。
type ChatRequest struct {
	Message             string           `json:"message"`
	ChannelTag          string           `json:"channelTag"`
	ConversationHistory []HistoryMessage `json:"conversationHistory"`
	ConversationID      string           `json:"conversationId"`
	IdempotencyKey      string           `json:"idempotencyKey,omitempty"`
	Attachments         []Attachment     `json:"attachments,omitempty"`
}

// HistoryOf 把 Turn 列表转换成请求中的历史消息。
func HistoryOf(turns []Turn) []HistoryMessage {
	out := make([]HistoryMessage, 0, len(turns))
	for _, t := range turns {
		out = append(out, HistoryMessage{Role: t.Role, Content: t.Content})
	}
	return out
}
