package gormpersistence

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"decision-whiteboard/internal/domain"
)

// GormTeamRepository 是 TeamRepository 接口的 GORM 实现
type GormTeamRepository struct {
	db *gorm.DB
}

// NewGormTeamRepository 创建 GormTeamRepository 实例
func NewGormTeamRepository(db *gorm.DB) *GormTeamRepository {
	if db == nil {
		panic("database connection cannot be nil for GormTeamRepository")
	}
	return &GormTeamRepository{db: db}
}

// IsMember 检查用户是否属于团队
func (r *GormTeamRepository) IsMember(ctx context.Context, teamID string, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.TeamMember{}).
		Where("team_id = ? AND user_id = ?", teamID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("gorm: check membership of user %d in team '%s': %w", userID, teamID, err)
	}
	return count > 0, nil
}
