// Package domain 定义了白板服务的领域模型 (图形、白板、用户、团队成员)。
package domain

import "time"

// User 表示一个可以登录并编辑白板的用户。
type User struct {
	ID        uint      `gorm:"primaryKey"`
	Username  string    `gorm:"type:varchar(191);uniqueIndex:idx_username;not null"`
	Password  string    `gorm:"type:text;not null"` // bcrypt 哈希
	Email     string    `gorm:"type:varchar(191);index:idx_email"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
