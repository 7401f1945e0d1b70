package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var (
	errMissingToken   = errors.New("missing bearer token")
	errMalformedToken = errors.New("malformed Authorization header")
)

// TokenParser 校验登录 token 并返回用户 ID，由 service.AuthService 实现。
type TokenParser interface {
	ParseToken(token string) (uint, error)
}

// Auth 返回一个 Gin 中间件，校验登录 token 并把 user_id 写入上下文。
// WebSocket 升级请求无法设置请求头，可以改用 ?token= 查询参数。
func Auth(tokens TokenParser) gin.HandlerFunc {
	if tokens == nil {
		panic("TokenParser cannot be nil for Auth middleware")
	}

	return func(c *gin.Context) {
		tokenStr, err := bearerToken(c)
		if err != nil {
			logrus.WithField("path", c.FullPath()).WithError(err).Warn("Auth middleware: request rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		userID, err := tokens.ParseToken(tokenStr)
		if err != nil {
			logrus.WithError(err).Warn("Auth middleware: invalid token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set("user_id", userID)
		logrus.WithField("user_id", userID).Debug("Auth middleware: user authenticated")
		c.Next()
	}
}

// bearerToken 读取 "Authorization: Bearer <token>"，没有请求头时回退到 token 查询参数
func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
		return "", errMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errMalformedToken
	}
	return token, nil
}
