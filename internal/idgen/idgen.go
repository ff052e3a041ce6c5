// Package idgen 生成工单编号 WO-YYYYMMDD-NNNNN（按天递增）
package idgen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Generator 工单编号生成器
type Generator interface {
	NextWorkorderID(ctx context.Context, now time.Time) (string, error)
}

// Format 按日期和当日序号拼出工单编号
func Format(day time.Time, seq int64) string {
	return fmt.Sprintf("WO-%s-%05d", day.Format("20060102"), seq)
}

// Counter Redis 计数能力（*redis.Client 满足该接口）
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisSequence 多实例共享的按天序号：INCR workorder:seq:YYYYMMDD
type RedisSequence struct {
	client Counter
	prefix string
}

func NewRedisSequence(client Counter) *RedisSequence {
	return &RedisSequence{client: client, prefix: "workorder:seq:"}
}

func (s *RedisSequence) NextWorkorderID(ctx context.Context, now time.Time) (string, error) {
	key := s.prefix + now.Format("20060102")
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("failed to incr workorder sequence: %w", err)
	}
	if n == 1 {
		// 当天第一个号，设置过期；失败只影响 key 清理
		_ = s.client.Expire(ctx, key, 48*time.Hour).Err()
	}
	return Format(now, n), nil
}

// MemorySequence 单进程内的按天序号
type MemorySequence struct {
	mu   sync.Mutex
	day  string
	next int64
}

func NewMemorySequence() *MemorySequence {
	return &MemorySequence{}
}

func (s *MemorySequence) NextWorkorderID(_ context.Context, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := now.Format("20060102")
	if day != s.day {
		s.day = day
		s.next = 0
	}
	s.next++
	return Format(now, s.next), nil
}
