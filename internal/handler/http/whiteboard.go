package http

import (
	"fmt"
	"net/http"
	"time"

	"decision-whiteboard/internal/domain"
	"decision-whiteboard/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WhiteboardHandler 封装了白板资源的 HTTP 处理逻辑
type WhiteboardHandler struct {
	boardService *service.WhiteboardService
}

// NewWhiteboardHandler 创建 WhiteboardHandler 实例
func NewWhiteboardHandler(boardService *service.WhiteboardService) *WhiteboardHandler {
	if boardService == nil {
		panic("WhiteboardService cannot be nil for WhiteboardHandler")
	}
	return &WhiteboardHandler{boardService: boardService}
}

// CreateWhiteboardRequest 定义创建白板请求。Data 是图形数组的 JSON 字符串。
type CreateWhiteboardRequest struct {
	Name   string  `json:"name" binding:"required,max=255"`
	TeamID *string `json:"team_id" binding:"omitempty,max=36"`
	Data   *string `json:"data"`
}

// UpdateWhiteboardRequest 定义更新白板请求，缺省字段保持不变。
type UpdateWhiteboardRequest struct {
	Name *string `json:"name" binding:"omitempty,max=255"`
	Data *string `json:"data"`
}

// WhiteboardResponse 是白板的对外表示，Data 为图形数组的 JSON 字符串。
type WhiteboardResponse struct {
	ID        string    `json:"id"`
	UserID    uint      `json:"user_id"`
	TeamID    *string   `json:"team_id"`
	Name      string    `json:"name"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newWhiteboardResponse(b *domain.Whiteboard) WhiteboardResponse {
	data := string(b.Data)
	if data == "" {
		data = "[]"
	}
	return WhiteboardResponse{
		ID:        b.ID,
		UserID:    b.UserID,
		TeamID:    b.TeamID,
		Name:      b.Name,
		Data:      data,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}

// parseData 解析请求中的 data 字符串，nil 表示未提供。
func parseData(data *string) ([]domain.Shape, error) {
	if data == nil {
		return nil, nil
	}
	shapes, err := domain.ParseShapes([]byte(*data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrInvalidShapes, err)
	}
	return shapes, nil
}

// List 列出个人白板，或 ?team_id= 指定团队的白板
func (h *WhiteboardHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	boards, err := h.boardService.List(c.Request.Context(), userID, c.Query("team_id"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	resp := make([]WhiteboardResponse, 0, len(boards))
	for i := range boards {
		resp = append(resp, newWhiteboardResponse(&boards[i]))
	}
	SuccessResponse(c, http.StatusOK, resp)
}

// Get 获取单个白板
func (h *WhiteboardHandler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	board, err := h.boardService.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, newWhiteboardResponse(board))
}

// Create 创建白板
func (h *WhiteboardHandler) Create(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req CreateWhiteboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.CreateWhiteboard: Invalid input format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}
	shapes, err := parseData(req.Data)
	if err != nil {
		HandleServiceError(c, err)
		return
	}

	board, err := h.boardService.Create(c.Request.Context(), userID, req.Name, req.TeamID, shapes)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusCreated, newWhiteboardResponse(board))
}

// Update 修改白板名称或内容，最后写入者获胜
func (h *WhiteboardHandler) Update(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req UpdateWhiteboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.UpdateWhiteboard: Invalid input format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}
	shapes, err := parseData(req.Data)
	if err != nil {
		HandleServiceError(c, err)
		return
	}

	board, err := h.boardService.Update(c.Request.Context(), userID, c.Param("id"), req.Name, shapes)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, newWhiteboardResponse(board))
}

// Delete 删除白板，仅创建者可操作
func (h *WhiteboardHandler) Delete(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if err := h.boardService.Delete(c.Request.Context(), userID, c.Param("id")); err != nil {
		HandleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
