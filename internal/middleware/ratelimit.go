package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RateLimiter 检查并递增计数，返回是否超限。由 Redis StateRepository 实现。
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error)
}

// RateLimit 返回一个 Gin 中间件，用于基于客户端 IP 地址进行速率限制。
// limiter: 计数存储，必须提供。
// maxRequests: 在指定时间窗口内允许的最大请求数。
// window: 速率限制的时间窗口。
func RateLimit(limiter RateLimiter, maxRequests int, window time.Duration) gin.HandlerFunc {
	if limiter == nil {
		panic("RateLimiter cannot be nil for RateLimit middleware")
	}
	if maxRequests <= 0 {
		panic("maxRequests must be positive for RateLimit middleware")
	}
	if window <= 0 {
		panic("window duration must be positive for RateLimit middleware")
	}

	return func(c *gin.Context) {
		// 服务在反向代理后面时，需要配置 gin 的 TrustedProxies 才能拿到真实 IP
		key := "ip:" + c.ClientIP()

		exceeded, err := limiter.CheckRateLimit(c.Request.Context(), key, maxRequests, window)
		if err != nil {
			// 计数存储不可用时放行
			logrus.WithError(err).WithField("client_ip", c.ClientIP()).Error("RateLimit: failed to check rate limit")
			c.Next()
			return
		}
		if exceeded {
			logrus.WithField("client_ip", c.ClientIP()).Warn("RateLimit: too many requests")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			c.Abort()
			return
		}

		c.Next()
	}
}
