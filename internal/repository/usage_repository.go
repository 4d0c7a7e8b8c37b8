package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// UsageRepository 维护按天滚动的用量计数。
type UsageRepository interface {
	Add(ctx context.Context, userID, channel string, amount int64, at time.Time) (int64, error)
	Used(ctx context.Context, userID, channel string, at time.Time) (int64, error)
}

type redisUsageRepository struct {
	redisClient *redis.Client
}

// NewUsageRepository 创建一个基于 Redis 的 UsageRepository。
func NewUsageRepository(redisClient *redis.Client) UsageRepository {
	return &redisUsageRepository{redisClient: redisClient}
}

func usageKey(userID, channel string, at time.Time) string {
	return fmt.Sprintf("usage:%s:%s:%s", userID, channel, at.Format("20060102"))
}

// Add 累加用量并返回当天的累计值。计数键保留 48 小时。
func (r *redisUsageRepository) Add(ctx context.Context, userID, channel string, amount int64, at time.Time) (int64, error) {
	key := usageKey(userID, channel, at)
	total, err := r.redisClient.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to incr usage: %w", err)
	}
	_ = r.redisClient.Expire(ctx, key, 48*time.Hour).Err()
	return total, nil
}

func (r *redisUsageRepository) Used(ctx context.Context, userID, channel string, at time.Time) (int64, error) {
	n, err := r.redisClient.Get(ctx, usageKey(userID, channel, at)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get usage: %w", err)
	}
	return n, nil
}
