package domain

import "time"

// TeamMember 记录用户与团队的成员关系。
// 团队的创建与成员管理由外部服务负责，这里只读取成员关系用于权限判断。
type TeamMember struct {
	TeamID    string    `gorm:"primaryKey;size:36"`
	UserID    uint      `gorm:"primaryKey"`
	Role      string    `gorm:"size:32;not null;default:member"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
