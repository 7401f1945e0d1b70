package websocket

import (
	"errors"
	"net/http"

	"decision-whiteboard/internal/hub"
	"decision-whiteboard/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketHandler 负责校验访问权限、升级连接并把会话注册到 Hub
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *hub.Hub
}

// NewWebSocketHandler 创建 WebSocketHandler 实例。
// allowedOrigin 为空时允许所有来源。
func NewWebSocketHandler(h *hub.Hub, allowedOrigin string) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowedOrigin == "" || allowedOrigin == "*" || origin == "" || origin == allowedOrigin
		},
	}

	return &WebSocketHandler{upgrader: upgrader, hub: h}
}

// HandleConnection 处理 WebSocket 连接请求
// URL 格式: /ws/whiteboards/:id[?mode=view]
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	logCtx := logrus.WithFields(logrus.Fields{})

	// 1. 获取认证用户 ID (由 Auth 中间件设置)
	userIDAny, exists := c.Get("user_id")
	if !exists {
		logCtx.Warn("WS Handler: User ID not found in context")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	userID, ok := userIDAny.(uint)
	if !ok {
		logCtx.Error("WS Handler: User ID in context is not uint")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	boardID := c.Param("id")
	viewOnly := c.Query("mode") == hub.ModeView
	logCtx = logCtx.WithFields(logrus.Fields{"user_id": userID, "board_id": boardID})

	// 2. 升级前校验访问权限并打开会话，失败时仍可返回 HTTP 错误
	session, err := h.hub.Open(c.Request.Context(), userID, boardID, viewOnly)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrWhiteboardNotFound):
			logCtx.WithError(err).Warn("WS Handler: Whiteboard not found")
			c.JSON(http.StatusNotFound, gin.H{"error": "Whiteboard not found"})
		case errors.Is(err, service.ErrForbidden):
			logCtx.WithError(err).Warn("WS Handler: Access denied")
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrInvalidShapes):
			logCtx.WithError(err).Error("WS Handler: Stored whiteboard data is invalid")
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Whiteboard data is corrupted"})
		default:
			logCtx.WithError(err).Error("WS Handler: Failed to open session")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open whiteboard"})
		}
		return
	}
	logCtx = logCtx.WithFields(logrus.Fields{"session_id": session.ID(), "mode": session.Mode()})

	// 3. 升级 HTTP 连接到 WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 会自动写出 HTTP 错误响应
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		h.hub.Discard(session)
		return
	}
	logCtx.Info("WS Handler: Connection upgraded to WebSocket")

	// 4. 注册会话并启动读写 goroutine
	client := hub.NewClient(h.hub, conn, session)
	if !h.hub.Register(session) {
		logCtx.Error("WS Handler: Hub message channel full, failed to register session")
		h.hub.Discard(session)
		client.CloseConn()
		return
	}
	client.Run()
	logCtx.Info("WS Handler: Client read/write pumps started")
}
