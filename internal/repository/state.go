package repository

import (
	"context"
	"time"

	"decision-whiteboard/internal/domain"
)

// StateRepository 定义了与白板实时状态相关的操作，通常由 Redis 实现。
type StateRepository interface {
	// === Board Cache ===

	// GetBoardCache 从缓存获取白板，未命中时返回 ErrCacheMiss。
	GetBoardCache(ctx context.Context, boardID string) (*domain.Whiteboard, error)

	// SetBoardCache 缓存白板。ttl 为 0 表示不过期。
	SetBoardCache(ctx context.Context, board *domain.Whiteboard, ttl time.Duration) error

	// DeleteBoardCache 使缓存失效。
	DeleteBoardCache(ctx context.Context, boardID string) error

	// === Save Sequencing ===

	// NextSaveSeq 原子地分配白板的下一个保存序号，结果总是大于 floor
	// (数据库中已存储的序号)。
	NextSaveSeq(ctx context.Context, boardID string, floor uint64) (uint64, error)

	// === Edit Lease ===

	// AcquireEditLease 尝试为 sessionID 获取白板的独占编辑权。
	AcquireEditLease(ctx context.Context, boardID, sessionID string, ttl time.Duration) (bool, error)

	// RefreshEditLease 续期编辑权，只有持有者可以续期。
	RefreshEditLease(ctx context.Context, boardID, sessionID string, ttl time.Duration) (bool, error)

	// ReleaseEditLease 释放编辑权，非持有者调用时无副作用。
	ReleaseEditLease(ctx context.Context, boardID, sessionID string) error

	// === Rate Limiting ===

	// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
	// 返回 true 如果超限，false 如果未超限。
	CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error)

	// === PubSub ===

	// PublishBoardEvent 将白板事件发布到该白板的频道。
	PublishBoardEvent(ctx context.Context, event domain.BoardEvent) error

	// SubscribeBoardEvents 订阅所有白板的事件，阻塞直到 ctx 取消。
	SubscribeBoardEvents(ctx context.Context, handle func(domain.BoardEvent)) error
}
