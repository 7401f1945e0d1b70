package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"decision-whiteboard/internal/domain"
	"decision-whiteboard/internal/repository"
)

// GormWhiteboardRepository 是 WhiteboardRepository 接口的 GORM 实现
type GormWhiteboardRepository struct {
	db *gorm.DB
}

// NewGormWhiteboardRepository 创建 GormWhiteboardRepository 实例
func NewGormWhiteboardRepository(db *gorm.DB) *GormWhiteboardRepository {
	if db == nil {
		panic("database connection cannot be nil for GormWhiteboardRepository")
	}
	return &GormWhiteboardRepository{db: db}
}

// FindByID 实现根据 ID 查找白板
func (r *GormWhiteboardRepository) FindByID(ctx context.Context, id string) (*domain.Whiteboard, error) {
	var board domain.Whiteboard
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&board).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrWhiteboardNotFound
		}
		return nil, fmt.Errorf("gorm: find whiteboard by id '%s': %w", id, err)
	}
	return &board, nil
}

// ListByOwner 返回用户不属于任何团队的白板
func (r *GormWhiteboardRepository) ListByOwner(ctx context.Context, userID uint) ([]domain.Whiteboard, error) {
	boards := make([]domain.Whiteboard, 0)
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND team_id IS NULL", userID).
		Order("updated_at DESC").
		Find(&boards).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list whiteboards of user %d: %w", userID, err)
	}
	return boards, nil
}

// ListByTeam 返回团队的全部白板
func (r *GormWhiteboardRepository) ListByTeam(ctx context.Context, teamID string) ([]domain.Whiteboard, error) {
	boards := make([]domain.Whiteboard, 0)
	err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Order("updated_at DESC").
		Find(&boards).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list whiteboards of team '%s': %w", teamID, err)
	}
	return boards, nil
}

// Create 实现创建白板
func (r *GormWhiteboardRepository) Create(ctx context.Context, board *domain.Whiteboard) error {
	if len(board.Data) == 0 {
		board.Data = datatypes.JSON("[]")
	}
	if err := r.db.WithContext(ctx).Create(board).Error; err != nil {
		if isDuplicateEntryError(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: create whiteboard '%s': %w", board.ID, err)
	}
	return nil
}

// Update 覆盖白板名称和内容，不检查保存序号
func (r *GormWhiteboardRepository) Update(ctx context.Context, board *domain.Whiteboard) error {
	board.UpdatedAt = time.Now()
	result := r.db.WithContext(ctx).Model(&domain.Whiteboard{}).
		Where("id = ?", board.ID).
		Updates(map[string]interface{}{
			"name":       board.Name,
			"data":       board.Data,
			"updated_at": board.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("gorm: update whiteboard '%s': %w", board.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return repository.ErrWhiteboardNotFound
	}
	return nil
}

// Delete 实现删除白板
func (r *GormWhiteboardRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Whiteboard{})
	if result.Error != nil {
		return fmt.Errorf("gorm: delete whiteboard '%s': %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return repository.ErrWhiteboardNotFound
	}
	return nil
}

// UpdateShapes 条件更新：只有 seq 比已存储的 save_seq 新时才写入
func (r *GormWhiteboardRepository) UpdateShapes(ctx context.Context, id string, data []byte, seq uint64) (bool, error) {
	result := r.db.WithContext(ctx).Model(&domain.Whiteboard{}).
		Where("id = ? AND save_seq < ?", id, seq).
		Updates(map[string]interface{}{
			"data":       datatypes.JSON(data),
			"save_seq":   seq,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("gorm: update shapes of whiteboard '%s' (seq %d): %w", id, seq, result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// 没有行被更新：要么白板不存在，要么序号过期
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Whiteboard{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("gorm: count whiteboard '%s': %w", id, err)
	}
	if count == 0 {
		return false, repository.ErrWhiteboardNotFound
	}
	return false, nil
}
