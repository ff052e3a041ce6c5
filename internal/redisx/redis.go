package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"river-workorder/internal/config"

	"github.com/go-redis/redis/v8"
)

// Client Redis 客户端类型别名
type Client = redis.Client

// NewRedisClient 创建 Redis 客户端
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping 测试 Redis 连接
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

// StreamAdder XADD 能力（*redis.Client 满足该接口）
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// PublishJSONToStream 序列化为 JSON 后 XADD 到指定 stream
// 消息字段: data（JSON）, timestamp（unix 秒）
func PublishJSONToStream(ctx context.Context, client StreamAdder, stream string, data any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stream payload: %w", err)
	}
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":      string(raw),
			"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
		},
	}).Result()
}
