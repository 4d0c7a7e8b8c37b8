package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RequestRepository 记录已经处理过的幂等键。
type RequestRepository interface {
	// Claim 首次见到 key 时返回 true；重复提交返回 false。
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type redisRequestRepository struct {
	redisClient *redis.Client
}

// NewRequestRepository 创建一个基于 Redis SETNX 的 RequestRepository。
func NewRequestRepository(redisClient *redis.Client) RequestRepository {
	return &redisRequestRepository{redisClient: redisClient}
}

func (r *redisRequestRepository) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.redisClient.SetNX(ctx, "chat:idem:"+key, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	return ok, nil
}
