// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pai-smart-chat/internal/model"

	"github.com/go-redis/redis/v8"
)

// LocalTTL 是本地槽位与缓冲消息的保留时间。
const LocalTTL = 7 * 24 * time.Hour

// LocalStore 是客户端会话范围内的键值存储：
// 当前会话槽、待恢复会话槽，以及尚未持久化到远端的 Turn。
type LocalStore interface {
	ActiveConversationID(ctx context.Context) (string, error)
	SetActiveConversationID(ctx context.Context, id string) error
	PendingConversationID(ctx context.Context) (string, error)
	SetPendingConversationID(ctx context.Context, id string) error
	ClearPendingConversationID(ctx context.Context) error
	BufferedTurns(ctx context.Context, conversationID string) ([]model.Turn, error)
	SaveBufferedTurns(ctx context.Context, conversationID string, turns []model.Turn) error
}

type redisLocalStore struct {
	redisClient *redis.Client
	sessionID   string
}

// NewRedisLocalStore 创建一个以 sessionID 为命名空间的 Redis LocalStore。
func NewRedisLocalStore(redisClient *redis.Client, sessionID string) LocalStore {
	return &redisLocalStore{redisClient: redisClient, sessionID: sessionID}
}

func (r *redisLocalStore) activeKey() string {
	return fmt.Sprintf("session:%s:active_conversation", r.sessionID)
}

func (r *redisLocalStore) pendingKey() string {
	return fmt.Sprintf("session:%s:pending_conversation", r.sessionID)
}

func bufferKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:buffer", conversationID)
}

func (r *redisLocalStore) getSlot(ctx context.Context, key string) (string, error) {
	id, err := r.redisClient.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return id, nil
}

func (r *redisLocalStore) setSlot(ctx context.Context, key, id string) error {
	if err := r.redisClient.Set(ctx, key, id, LocalTTL).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// ActiveConversationID 返回当前会话槽中的会话 ID，没有时返回空串。
func (r *redisLocalStore) ActiveConversationID(ctx context.Context) (string, error) {
	return r.getSlot(ctx, r.activeKey())
}

func (r *redisLocalStore) SetActiveConversationID(ctx context.Context, id string) error {
	return r.setSlot(ctx, r.activeKey(), id)
}

func (r *redisLocalStore) PendingConversationID(ctx context.Context) (string, error) {
	return r.getSlot(ctx, r.pendingKey())
}

func (r *redisLocalStore) SetPendingConversationID(ctx context.Context, id string) error {
	return r.setSlot(ctx, r.pendingKey(), id)
}

func (r *redisLocalStore) ClearPendingConversationID(ctx context.Context) error {
	if err := r.redisClient.Del(ctx, r.pendingKey()).Err(); err != nil {
		return fmt.Errorf("failed to clear pending conversation: %w", err)
	}
	return nil
}

// BufferedTurns 从 Redis 读取尚未持久化的消息。
func (r *redisLocalStore) BufferedTurns(ctx context.Context, conversationID string) ([]model.Turn, error) {
	jsonData, err := r.redisClient.Get(ctx, bufferKey(conversationID)).Result()
	if err == redis.Nil {
		return []model.Turn{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get buffered turns: %w", err)
	}
	var turns []model.Turn
	if err := json.Unmarshal([]byte(jsonData), &turns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal buffered turns: %w", err)
	}
	return turns, nil
}

// SaveBufferedTurns 覆盖写入会话的完整消息列表。
func (r *redisLocalStore) SaveBufferedTurns(ctx context.Context, conversationID string, turns []model.Turn) error {
	jsonData, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("failed to marshal buffered turns: %w", err)
	}
	if err := r.redisClient.Set(ctx, bufferKey(conversationID), jsonData, LocalTTL).Err(); err != nil {
		return fmt.Errorf("failed to set buffered turns: %w", err)
	}
	return nil
}

// memoryLocalStore 是进程内实现，用于未配置 Redis 的客户端与测试。
type memoryLocalStore struct {
	mu      sync.Mutex
	active  string
	pending string
	buffers map[string][]model.Turn
}

// NewMemoryLocalStore 创建一个进程内的 LocalStore。
func NewMemoryLocalStore() LocalStore {
	return &memoryLocalStore{buffers: make(map[string][]model.Turn)}
}

func (m *memoryLocalStore) ActiveConversationID(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, nil
}

func (m *memoryLocalStore) SetActiveConversationID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = id
	return nil
}

func (m *memoryLocalStore) PendingConversationID(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending, nil
}

func (m *memoryLocalStore) SetPendingConversationID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = id
	return nil
}

func (m *memoryLocalStore) ClearPendingConversationID(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = ""
	return nil
}

func (m *memoryLocalStore) BufferedTurns(_ context.Context, conversationID string) ([]model.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Turn{}, m.buffers[conversationID]...), nil
}

func (m *memoryLocalStore) SaveBufferedTurns(_ context.Context, conversationID string, turns []model.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers[conversationID] = append([]model.Turn(nil), turns...)
	return nil
}
