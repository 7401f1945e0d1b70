package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"decision-whiteboard/internal/domain"
	"decision-whiteboard/internal/repository"
)

// refreshLeaseScript 只有当前持有者可以续期
var refreshLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseLeaseScript 只有当前持有者可以释放
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// nextSaveSeqScript 递增保存序号，结果不小于 ARGV[1]+1。
// 计数器丢失 (重启、淘汰、FLUSHDB) 后从数据库中已存储的序号继续。
var nextSaveSeqScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if cur < floor then
	cur = floor
end
cur = cur + 1
redis.call("SET", KEYS[1], cur)
return cur`)

// RedisStateRepository 是 StateRepository 接口的 Redis 实现
type RedisStateRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStateRepository 创建 RedisStateRepository 实例
func NewRedisStateRepository(client *redis.Client, keyPrefix string) *RedisStateRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisStateRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "wb:" // 默认前缀 "wb:" (whiteboard)
	}
	return &RedisStateRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// --- Key Generation Helpers ---
func (r *RedisStateRepository) boardCacheKey(boardID string) string {
	return fmt.Sprintf("%sboard:%s:cache", r.keyPrefix, boardID)
}

func (r *RedisStateRepository) boardSaveSeqKey(boardID string) string {
	return fmt.Sprintf("%sboard:%s:save_seq", r.keyPrefix, boardID)
}

func (r *RedisStateRepository) boardLeaseKey(boardID string) string {
	return fmt.Sprintf("%sboard:%s:lease", r.keyPrefix, boardID)
}

func (r *RedisStateRepository) boardEventsChannel(boardID string) string {
	return fmt.Sprintf("%sboard:%s:events", r.keyPrefix, boardID)
}

func (r *RedisStateRepository) boardEventsPattern() string {
	return r.keyPrefix + "board:*:events"
}

// --- StateRepository Interface Implementation ---

// GetBoardCache 从缓存获取白板
func (r *RedisStateRepository) GetBoardCache(ctx context.Context, boardID string) (*domain.Whiteboard, error) {
	key := r.boardCacheKey(boardID)
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrCacheMiss
		}
		return nil, fmt.Errorf("redis: failed to get board cache %s: %w", key, err)
	}
	var board domain.Whiteboard
	if err := json.Unmarshal(raw, &board); err != nil {
		return nil, fmt.Errorf("redis: failed to unmarshal board cache %s: %w", key, err)
	}
	return &board, nil
}

// SetBoardCache 缓存白板，ttl 为 0 表示永不过期
func (r *RedisStateRepository) SetBoardCache(ctx context.Context, board *domain.Whiteboard, ttl time.Duration) error {
	key := r.boardCacheKey(board.ID)
	raw, err := json.Marshal(board)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal board %s for cache: %w", board.ID, err)
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set board cache %s: %w", key, err)
	}
	return nil
}

// DeleteBoardCache 使缓存失效
func (r *RedisStateRepository) DeleteBoardCache(ctx context.Context, boardID string) error {
	key := r.boardCacheKey(boardID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: failed to delete board cache %s: %w", key, err)
	}
	return nil
}

// NextSaveSeq 原子地分配白板的下一个保存序号，结果总是大于 floor
func (r *RedisStateRepository) NextSaveSeq(ctx context.Context, boardID string, floor uint64) (uint64, error) {
	key := r.boardSaveSeqKey(boardID)
	seq, err := nextSaveSeqScript.Run(ctx, r.client, []string{key}, floor).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to increment save seq on key %s: %w", key, err)
	}
	return uint64(seq), nil
}

// AcquireEditLease 使用 SET NX 获取独占编辑权
func (r *RedisStateRepository) AcquireEditLease(ctx context.Context, boardID, sessionID string, ttl time.Duration) (bool, error) {
	key := r.boardLeaseKey(boardID)
	ok, err := r.client.SetNX(ctx, key, sessionID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to acquire edit lease %s: %w", key, err)
	}
	return ok, nil
}

// RefreshEditLease 续期编辑权
func (r *RedisStateRepository) RefreshEditLease(ctx context.Context, boardID, sessionID string, ttl time.Duration) (bool, error) {
	key := r.boardLeaseKey(boardID)
	n, err := refreshLeaseScript.Run(ctx, r.client, []string{key}, sessionID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: failed to refresh edit lease %s: %w", key, err)
	}
	return n == 1, nil
}

// ReleaseEditLease 释放编辑权
func (r *RedisStateRepository) ReleaseEditLease(ctx context.Context, boardID, sessionID string) error {
	key := r.boardLeaseKey(boardID)
	if err := releaseLeaseScript.Run(ctx, r.client, []string{key}, sessionID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: failed to release edit lease %s: %w", key, err)
	}
	return nil
}

// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error) {
	key = r.keyPrefix + "ratelimit:" + key
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to incr rate limit counter %s: %w", key, err)
	}
	// 只在窗口开始时设置过期时间，持续请求不会延长窗口
	if count == 1 {
		if err := r.client.Expire(ctx, key, duration).Err(); err != nil {
			return false, fmt.Errorf("redis: failed to set rate limit window on %s: %w", key, err)
		}
	}
	return count > int64(limit), nil
}

// PublishBoardEvent 将白板事件发布到该白板的频道
func (r *RedisStateRepository) PublishBoardEvent(ctx context.Context, event domain.BoardEvent) error {
	channel := r.boardEventsChannel(event.BoardID)
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal board event for %s: %w", event.BoardID, err)
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		logrus.WithFields(logrus.Fields{
			"channel":      channel,
			"payload_size": len(payload),
			"board_id":     event.BoardID,
			"save_seq":     event.SaveSeq,
		}).WithError(err).Error("Redis Publish failed")
		return fmt.Errorf("redis: failed to publish board event to channel %s: %w", channel, err)
	}
	return nil
}

// SubscribeBoardEvents 按模式订阅所有白板的事件频道，阻塞直到 ctx 取消。
// 无法解析的消息会被记录并跳过。
func (r *RedisStateRepository) SubscribeBoardEvents(ctx context.Context, handle func(domain.BoardEvent)) error {
	pattern := r.boardEventsPattern()
	pubsub := r.client.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	// 等待订阅确认，保证返回前订阅已经生效
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis: failed to subscribe to %s: %w", pattern, err)
	}
	logCtx := logrus.WithField("pattern", pattern)
	logCtx.Info("Subscribed to board events")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			logCtx.Info("Board event subscription stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event domain.BoardEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logCtx.WithError(err).WithField("channel", msg.Channel).Warn("Failed to unmarshal board event")
				continue
			}
			if event.BoardID == "" {
				event.BoardID = boardIDFromChannel(msg.Channel, r.keyPrefix)
			}
			handle(event)
		}
	}
}

func boardIDFromChannel(channel, prefix string) string {
	id := strings.TrimPrefix(channel, prefix+"board:")
	return strings.TrimSuffix(id, ":events")
}
