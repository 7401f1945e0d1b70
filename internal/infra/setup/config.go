package setup

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 支持的数据库驱动
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// DBOptions 描述数据库连接参数
type DBOptions struct {
	Driver     string
	User       string
	Password   string
	Host       string
	Port       string
	Name       string
	SQLitePath string
	LogLevel   logger.LogLevel
}

// InitDB 初始化数据库连接，MySQL 用于生产，SQLite 用于本地开发和测试
func InitDB(opts DBOptions) (*gorm.DB, error) {
	dialector, err := dialectorFor(opts)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel == 0 {
		opts.LogLevel = logger.Warn
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(opts.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if opts.Driver == DriverSQLite {
		// SQLite 只允许单个写连接
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	logrus.WithField("driver", opts.Driver).Info("Database connected")
	return db, nil
}

func dialectorFor(opts DBOptions) (gorm.Dialector, error) {
	switch opts.Driver {
	case DriverMySQL, "":
		dsn, err := mysqlDSN(opts)
		if err != nil {
			return nil, err
		}
		return mysql.Open(dsn), nil
	case DriverSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = "whiteboard.db"
		}
		return sqlite.Open(path), nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", opts.Driver)
	}
}

// mysqlDSN 构建 MySQL 连接字符串 (DSN)
func mysqlDSN(opts DBOptions) (string, error) {
	if opts.User == "" {
		return "", fmt.Errorf("DB_USER must be set for mysql")
	}
	if opts.Password == "" {
		return "", fmt.Errorf("DB_PASSWORD must be set for mysql")
	}
	host, port, name := opts.Host, opts.Port, opts.Name
	if host == "" {
		host = "127.0.0.1"
	}
	if port == "" {
		port = "3306"
	}
	if name == "" {
		name = "whiteboard_db"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		opts.User, opts.Password, host, port, name), nil
}

// InitRedis 初始化 Redis 连接并检查连通性
func InitRedis(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 5,
		MaxConnAge:   30 * time.Minute,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	logrus.WithField("addr", addr).Info("Redis connected")
	return client, nil
}
