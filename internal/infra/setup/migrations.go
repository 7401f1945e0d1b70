package setup

import (
	"fmt"

	"decision-whiteboard/internal/domain"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MigrateDB 使用传入的连接迁移全部表结构，返回错误以便调用者知道迁移是否成功。
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}

	tx := db
	if db.Dialector.Name() == DriverMySQL {
		tx = db.Set("gorm:table_options", "ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_general_ci")
	}

	models := []interface{}{
		&domain.User{},
		&domain.Whiteboard{},
		&domain.TeamMember{},
	}
	for _, model := range models {
		if err := tx.AutoMigrate(model); err != nil {
			logrus.Errorf("Failed to auto-migrate %T: %v", model, err)
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
	}

	logrus.Info("Database migration completed successfully")
	return nil
}
