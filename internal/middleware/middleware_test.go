package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"decision-whiteboard/internal/middleware"
	"decision-whiteboard/internal/repository/mocks"
	"decision-whiteboard/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "middleware-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func signToken(t *testing.T, claims jwt.MapClaims, key string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func authRouter(t *testing.T) *gin.Engine {
	t.Helper()
	tokens, err := service.NewAuthService(new(mocks.UserRepository), secret, 1)
	require.NoError(t, err)
	r := gin.New()
	r.GET("/me", middleware.Auth(tokens), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.MustGet("user_id")})
	})
	return r
}

func TestAuth(t *testing.T) {
	valid := signToken(t, jwt.MapClaims{"user_id": 42, "exp": time.Now().Add(time.Hour).Unix()}, secret)
	expired := signToken(t, jwt.MapClaims{"user_id": 42, "exp": time.Now().Add(-time.Hour).Unix()}, secret)
	wrongKey := signToken(t, jwt.MapClaims{"user_id": 42}, "other")
	noUser := signToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}, secret)
	badUser := signToken(t, jwt.MapClaims{"user_id": "42", "exp": time.Now().Add(time.Hour).Unix()}, secret)
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"user_id": 42}).SignedString([]byte(secret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		url    string
		header string
		want   int
	}{
		{name: "bearer header", url: "/me", header: "Bearer " + valid, want: http.StatusOK},
		{name: "query token for websocket", url: "/me?token=" + valid, want: http.StatusOK},
		{name: "missing token", url: "/me", want: http.StatusUnauthorized},
		{name: "malformed header", url: "/me", header: "Token " + valid, want: http.StatusUnauthorized},
		{name: "expired", url: "/me", header: "Bearer " + expired, want: http.StatusUnauthorized},
		{name: "wrong signature", url: "/me", header: "Bearer " + wrongKey, want: http.StatusUnauthorized},
		{name: "empty bearer", url: "/me", header: "Bearer ", want: http.StatusUnauthorized},
		{name: "missing user_id claim", url: "/me", header: "Bearer " + noUser, want: http.StatusUnauthorized},
		{name: "non-numeric user_id", url: "/me", header: "Bearer " + badUser, want: http.StatusUnauthorized},
		{name: "other hmac accepted", url: "/me", header: "Bearer " + hs512, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			authRouter(t).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want == http.StatusOK {
				assert.JSONEq(t, `{"user_id":42}`, w.Body.String())
			}
		})
	}
}

func TestAuth_PanicsWithoutParser(t *testing.T) {
	assert.Panics(t, func() { middleware.Auth(nil) })
}

// countingLimiter 在内存中计数，模拟 Redis 限流。
type countingLimiter struct {
	counts map[string]int
	err    error
}

func (l *countingLimiter) CheckRateLimit(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.counts[key]++
	return l.counts[key] > limit, nil
}

func rateLimitedRouter(l middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RateLimit(l, 2, time.Minute))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func TestRateLimit(t *testing.T) {
	limiter := &countingLimiter{counts: map[string]int{}}
	r := rateLimitedRouter(limiter)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Len(t, limiter.counts, 1, "按客户端 IP 计数")
}

func TestRateLimit_FailsOpen(t *testing.T) {
	r := rateLimitedRouter(&countingLimiter{err: errors.New("redis down")})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_PanicsOnBadConfig(t *testing.T) {
	assert.Panics(t, func() { middleware.RateLimit(nil, 1, time.Second) })
	assert.Panics(t, func() { middleware.RateLimit(&countingLimiter{}, 0, time.Second) })
}
