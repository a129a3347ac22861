package util

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 通知事件在 Redis 中的两类标记：处理锁与失败计数
const (
	guardPrefix = "casa:events"
	kindDedup   = "dedup"
	kindRetry   = "retry"
)

// guardKey casa:events:<kind>:<routing key>:<event key>
func guardKey(kind, routingKey, eventKey string) string {
	return strings.Join([]string{guardPrefix, kind, routingKey, eventKey}, ":")
}

// FormatRetryKey 某条路由上某个事件的重试计数 key
func FormatRetryKey(routingKey string, eventKey string) string {
	return guardKey(kindRetry, routingKey, eventKey)
}

// Deduper 保证同一事件在 ttl 内只被一个 consumer 处理
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl, logger: logger}
}

// AcquireOnce 首次返回 true；重复投递返回 false。Redis 不可用时放行，由数据库唯一约束兜底
func (d *Deduper) AcquireOnce(ctx context.Context, routingKey string, eventKey string) bool {
	ok, err := d.rdb.SetNX(ctx, guardKey(kindDedup, routingKey, eventKey), time.Now().Unix(), d.ttl).Result()
	switch {
	case err != nil:
		d.logger.Warn("Event dedup unavailable, processing anyway",
			zap.String("routing_key", routingKey),
			zap.String("event_key", eventKey),
			zap.Error(err),
		)
		return true
	case !ok:
		d.logger.Info("Duplicate event skipped",
			zap.String("routing_key", routingKey),
			zap.String("event_key", eventKey),
		)
	}
	return ok
}

// Release 处理失败后删除锁，重投的消息才能再次进入
func (d *Deduper) Release(ctx context.Context, routingKey string, eventKey string) {
	if err := d.rdb.Del(ctx, guardKey(kindDedup, routingKey, eventKey)).Err(); err != nil {
		d.logger.Warn("Event dedup release failed",
			zap.String("routing_key", routingKey),
			zap.String("event_key", eventKey),
			zap.Error(err),
		)
	}
}

// RetryCounter 跨 consumer 实例累计事件失败次数
type RetryCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRetryCounter(rdb *redis.Client, ttl time.Duration) *RetryCounter {
	return &RetryCounter{rdb: rdb, ttl: ttl}
}

// IncrementAndGet 计数加一并刷新过期时间，两条命令放在同一个 MULTI 里
func (r *RetryCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Reset 事件最终成功或进入 DLQ 后清零
func (r *RetryCounter) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}
