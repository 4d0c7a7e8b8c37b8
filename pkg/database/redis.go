package database

import (
	"context"
	"fmt"

	"pai-smart-chat/pkg/log"

	"github.com/go-redis/redis/v8"
)

var RDB *redis.Client

// NewRedis 创建 Redis 客户端并测试连接。
func NewRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return rdb, nil
}

// InitRedis 初始化全局 Redis 客户端，失败时退出进程
func InitRedis(addr, password string, db int) {
	rdb, err := NewRedis(context.Background(), addr, password, db)
	if err != nil {
		log.Fatal("failed to connect to redis", err)
	}
	RDB = rdb
	log.Info("Redis client connected successfully")
}
