package session

import (
	"pai-smart-chat/internal/model"
	"pai-smart-chat/internal/stream"
)

// Listener 接收会话状态变化的通知。回调在会话锁之外、由触发变化的 goroutine
// （事件泵、空闲计时器或调用方）执行，实现需要自行保证并发安全。
type Listener interface {
	OnStreamChunk(delta, partial string)
	OnTurnAppended(turn model.Turn)
	OnStreamFinished(kind stream.OutcomeKind, truncated bool)
	OnConversationChanged(conversationID string)
	OnError(kind ErrorKind, err error)
}

// NopListener 忽略所有通知，可嵌入只关心部分回调的实现。
type NopListener struct{}

func (NopListener) OnStreamChunk(string, string) {}

func (NopListener) OnTurnAppended(model.Turn) {}

func (NopListener) OnStreamFinished(stream.OutcomeKind, bool) {}

func (NopListener) OnConversationChanged(string) {}

func (NopListener) OnError(ErrorKind, error) {}
