package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httpHandler "decision-whiteboard/internal/handler/http"
	wsHandler "decision-whiteboard/internal/handler/websocket"
	"decision-whiteboard/internal/hub"
	gormpersistence "decision-whiteboard/internal/infra/persistence/gorm"
	"decision-whiteboard/internal/infra/setup"
	redisstate "decision-whiteboard/internal/infra/state/redis"
	"decision-whiteboard/internal/middleware"
	"decision-whiteboard/internal/service"
	"decision-whiteboard/internal/worker"
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer
	Hub         *hub.Hub
	HttpServer  *http.Server

	hubCancel context.CancelFunc
	hubDone   chan struct{}
}

// Handlers 汇总路由需要的处理器
type Handlers struct {
	Auth       *httpHandler.AuthHandler
	Whiteboard *httpHandler.WhiteboardHandler
	WebSocket  *wsHandler.WebSocketHandler
}

// NewApp 创建并初始化应用的所有组件
func NewApp(cfg *Config) (*App, error) {
	// 1. 初始化 Logger，全局 logger 与 App logger 保持一致
	log := NewLogger(cfg)
	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(log.GetLevel())
	log.SetOutput(os.Stdout)
	log.Infof("Logger initialized (Level: %s, Format: %T)", log.GetLevel().String(), log.Formatter)

	// 2. 初始化基础设施
	log.Info("Initializing infrastructure...")
	db, err := setup.InitDB(cfg.DBOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to init DB: %w", err)
	}
	log.WithField("driver", cfg.DBDriver).Info("Database initialized")

	if err := setup.MigrateDB(db); err != nil {
		return nil, fmt.Errorf("failed to migrate DB: %w", err)
	}
	log.Info("Database migrated")

	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}
	log.Info("Redis client initialized")

	redisClientOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	// 3. 初始化 Repositories
	userRepo := gormpersistence.NewGormUserRepository(db)
	boardRepo := gormpersistence.NewGormWhiteboardRepository(db)
	teamRepo := gormpersistence.NewGormTeamRepository(db)
	stateRepo := redisstate.NewRedisStateRepository(redisClient, cfg.KeyPrefix)
	log.Info("Repositories initialized")

	// 4. 初始化 Services
	authService, err := service.NewAuthService(userRepo, cfg.JWTSecret, cfg.JWTExpiryHours)
	if err != nil {
		return nil, fmt.Errorf("failed to create AuthService: %w", err)
	}
	boardService := service.NewWhiteboardService(boardRepo, teamRepo, stateRepo)

	// 保存模式决定编辑会话的持久化路径
	var (
		saver        service.BoardSaver
		asynqClient  *asynq.Client
		workerServer *worker.WorkerServer
	)
	switch cfg.SaveMode {
	case service.SaveModeDirect:
		saver = service.NewDirectSaver(boardService, boardService, cfg.SaveMaxRetries)
	default:
		asynqClient = asynq.NewClient(redisClientOpt)
		saver = service.NewQueuedSaver(boardService, asynqClient)
		workerServer = worker.NewWorkerServer(redisClientOpt, boardService, cfg.WorkerConcurrency, log)
		log.Info("Asynq client and worker server initialized")
	}
	log.WithField("save_mode", cfg.SaveMode).Info("Services initialized")

	// 5. 初始化 Hub
	hubInstance := hub.NewHub(boardService, saver, stateRepo, hub.Config{
		QuietPeriod: cfg.AutosaveDelay,
		LeaseTTL:    cfg.EditLeaseTTL,
	})

	// 6. 初始化 Handlers 和路由
	handlers := Handlers{
		Auth:       httpHandler.NewAuthHandler(authService),
		Whiteboard: httpHandler.NewWhiteboardHandler(boardService),
		WebSocket:  wsHandler.NewWebSocketHandler(hubInstance, cfg.CORSAllowedOrigin),
	}
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := NewRouter(cfg, log, stateRepo, authService, handlers)
	log.Info("Router setup complete")

	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		Config:      cfg,
		Log:         log,
		DB:          db,
		RedisClient: redisClient,
		AsynqClient: asynqClient,
		AsynqServer: workerServer,
		Hub:         hubInstance,
		HttpServer:  httpServer,
	}, nil
}

// NewRouter 组装中间件和路由
func NewRouter(cfg *Config, log *logrus.Logger, limiter middleware.RateLimiter, tokens middleware.TokenParser, h Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(CORSMiddleware(cfg.CORSAllowedOrigin))

	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

	api := router.Group("/api")
	api.Use(middleware.RateLimit(limiter, cfg.RateLimitMax, cfg.RateLimitWindow))
	authRoutes := api.Group("/auth")
	{
		authRoutes.POST("/register", h.Auth.Register)
		authRoutes.POST("/login", h.Auth.Login)
	}
	boardRoutes := api.Group("/whiteboards").Use(middleware.Auth(tokens))
	{
		boardRoutes.GET("", h.Whiteboard.List)
		boardRoutes.POST("", h.Whiteboard.Create)
		boardRoutes.GET("/:id", h.Whiteboard.Get)
		boardRoutes.PUT("/:id", h.Whiteboard.Update)
		boardRoutes.DELETE("/:id", h.Whiteboard.Delete)
	}
	wsRoutes := router.Group("/ws").Use(middleware.Auth(tokens))
	{
		wsRoutes.GET("/whiteboards/:id", h.WebSocket.HandleConnection)
	}
	return router
}

// Start 启动 Hub、Worker 与 HTTP 服务器。返回 Worker 启动失败的错误。
func (a *App) Start() error {
	a.Log.Info("Starting application background routines...")
	ctx, cancel := context.WithCancel(context.Background())
	a.hubCancel = cancel
	a.hubDone = make(chan struct{})
	go func() {
		a.Hub.Run(ctx)
		close(a.hubDone)
	}()
	a.Log.Info("Hub routine started")

	if a.AsynqServer != nil {
		if err := a.AsynqServer.Start(); err != nil {
			cancel()
			return fmt.Errorf("failed to start worker server: %w", err)
		}
		a.Log.Info("Asynq worker server started")
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
	return nil
}

// Shutdown 优雅地关闭应用：先停止接收请求，再保存编辑会话，最后关闭 Worker 和连接
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 1. 停止接收新的 HTTP 请求 (已升级的 WebSocket 连接不受影响)
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 2. 保存编辑会话中未保存的修改并关闭全部会话
	if a.Hub != nil {
		if err := a.Hub.Shutdown(ctx); err != nil {
			a.Log.WithError(err).Error("Some editor sessions could not be flushed")
		}
		if a.hubCancel != nil {
			a.hubCancel()
			<-a.hubDone
		}
	}

	// 3. Worker 处理完已入队的保存任务后退出
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}

	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		} else {
			a.Log.Info("Redis connection closed.")
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Log.Errorf("Error closing database connection: %v", err)
			}
		}
	}

	a.Log.Info("Application shutdown complete.")
}

// Migrate 只执行数据库迁移
func Migrate(cfg *Config) error {
	db, err := setup.InitDB(cfg.DBOptions())
	if err != nil {
		return fmt.Errorf("failed to init DB: %w", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	if err := setup.MigrateDB(db); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}
	return nil
}

// CORSMiddleware 允许配置的前端来源跨域访问
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" && c.Query("token") == "" {
			// 带 token 的查询串不写入日志
			path = path + "?" + raw
		}
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		switch {
		case errorMessage != "":
			entry.Error(errorMessage)
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}
