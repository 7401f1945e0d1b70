package bootstrap

import (
	"fmt"
	"time"

	"decision-whiteboard/internal/infra/setup"
	"decision-whiteboard/internal/service"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config 结构体用于存储从环境变量或 .env 文件加载的配置
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"` // development/production
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	ServerPort        string `env:"SERVER_PORT" envDefault:"8080"`
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`

	DBDriver   string `env:"DB_DRIVER" envDefault:"mysql"`
	DBUser     string `env:"DB_USER"`
	DBPassword string `env:"DB_PASSWORD"`
	DBHost     string `env:"DB_HOST" envDefault:"127.0.0.1"`
	DBPort     string `env:"DB_PORT" envDefault:"3306"`
	DBName     string `env:"DB_NAME" envDefault:"whiteboard"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"whiteboard.db"`

	RedisAddr     string `env:"REDIS_ADDR,required"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix     string `env:"REDIS_KEY_PREFIX" envDefault:"wb:"`

	JWTSecret      string `env:"JWT_SECRET,required"`
	JWTExpiryHours int    `env:"JWT_EXPIRY_HOURS" envDefault:"24"`

	RateLimitMax    int           `env:"RATE_LIMIT_MAX" envDefault:"100"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1s"`

	AutosaveDelay     time.Duration `env:"AUTOSAVE_DELAY" envDefault:"3s"`
	EditLeaseTTL      time.Duration `env:"EDIT_LEASE_TTL" envDefault:"30s"`
	SaveMode          string        `env:"SAVE_MODE" envDefault:"queued"` // queued/direct
	SaveMaxRetries    uint64        `env:"SAVE_MAX_RETRIES" envDefault:"5"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"10"`
}

// LoadConfig 从环境变量加载配置，存在 .env 文件时先加载它
func LoadConfig() (*Config, error) {
	// .env 不存在时只使用环境变量
	_ = godotenv.Load()
	return ParseConfig(env.Options{})
}

// ParseConfig 解析并校验配置。opts.Environment 非空时代替进程环境变量。
func ParseConfig(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	switch cfg.DBDriver {
	case setup.DriverMySQL, setup.DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q (expected mysql or sqlite)", cfg.DBDriver)
	}
	switch cfg.SaveMode {
	case service.SaveModeQueued, service.SaveModeDirect:
	default:
		return nil, fmt.Errorf("unsupported SAVE_MODE %q (expected queued or direct)", cfg.SaveMode)
	}
	if cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive")
	}
	if cfg.AutosaveDelay <= 0 || cfg.EditLeaseTTL <= 0 {
		return nil, fmt.Errorf("AUTOSAVE_DELAY and EDIT_LEASE_TTL must be positive")
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 10
	}
	return &cfg, nil
}

// DBOptions 返回数据库连接参数
func (c *Config) DBOptions() setup.DBOptions {
	return setup.DBOptions{
		Driver:     c.DBDriver,
		User:       c.DBUser,
		Password:   c.DBPassword,
		Host:       c.DBHost,
		Port:       c.DBPort,
		Name:       c.DBName,
		SQLitePath: c.SQLitePath,
	}
}

// NewLogger 按配置创建 logger：生产环境输出 JSON，开发环境输出文本
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
