package repository

import (
	"context"

	"decision-whiteboard/internal/domain"
)

// WhiteboardRepository 定义了白板的持久化操作。
type WhiteboardRepository interface {
	// FindByID 根据 ID 查找白板，不存在时返回 ErrWhiteboardNotFound。
	FindByID(ctx context.Context, id string) (*domain.Whiteboard, error)

	// ListByOwner 返回用户的个人白板 (不属于任何团队)，按更新时间倒序。
	ListByOwner(ctx context.Context, userID uint) ([]domain.Whiteboard, error)

	// ListByTeam 返回团队的白板，按更新时间倒序。
	ListByTeam(ctx context.Context, teamID string) ([]domain.Whiteboard, error)

	// Create 创建白板。
	Create(ctx context.Context, board *domain.Whiteboard) error

	// Update 更新白板名称与内容 (最后写入者获胜)。
	Update(ctx context.Context, board *domain.Whiteboard) error

	// Delete 删除白板，不存在时返回 ErrWhiteboardNotFound。
	Delete(ctx context.Context, id string) error

	// UpdateShapes 仅当 seq 大于已存储的保存序号时写入图形数据。
	// 返回是否实际写入；白板不存在时返回 ErrWhiteboardNotFound。
	UpdateShapes(ctx context.Context, id string, data []byte, seq uint64) (bool, error)
}

// TeamRepository 提供只读的团队成员关系查询，团队本身由外部系统管理。
type TeamRepository interface {
	IsMember(ctx context.Context, teamID string, userID uint) (bool, error)
}
