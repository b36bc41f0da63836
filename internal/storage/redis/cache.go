package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// EventCache 基于 Redis 的入站事件去重缓存。
//
// 邮件后端的事件推送是至少一次语义，重复批次在 TTL 窗口内以
// 已处理的消息 ID 去重，避免对同一事件重复扇出投递。
type EventCache struct {
	rdb *goredis.Client
}

// NewEventCache 创建 Redis 去重缓存实例并验证连通性。
func NewEventCache(addr, password string, db int) (*EventCache, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &EventCache{rdb: rdb}, nil
}

// SeenEvent 判断事件是否已处理过。
func (c *EventCache) SeenEvent(messageID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	n, err := c.rdb.Exists(ctx, eventKey(messageID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkEvent 标记事件已处理。
func (c *EventCache) MarkEvent(messageID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	return c.rdb.Set(ctx, eventKey(messageID), 1, ttl).Err()
}

// Close 关闭 Redis 连接。
func (c *EventCache) Close() error {
	return c.rdb.Close()
}

func eventKey(messageID string) string {
	return fmt.Sprintf("relay:event:%s", messageID)
}
