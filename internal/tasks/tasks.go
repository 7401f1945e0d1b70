package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"decision-whiteboard/internal/domain"

	"github.com/hibiken/asynq"
)

// 任务类型常量
const (
	TypeWhiteboardSave = "whiteboard:save" // 白板内容持久化任务
)

// QueueSaves 是保存任务使用的队列
const QueueSaves = "critical"

// WhiteboardSavePayload 定义了白板保存任务的数据结构
type WhiteboardSavePayload struct {
	BoardID string         `json:"board_id"`
	UserID  uint           `json:"user_id"`
	Seq     uint64         `json:"seq"` // 保存序号，过期的任务会被丢弃
	Shapes  []domain.Shape `json:"shapes"`
}

// NewWhiteboardSaveTask 创建一个新的白板保存任务。
// 任务 ID 由白板与序号组成，重复入队同一次保存会被 asynq 拒绝。
func NewWhiteboardSaveTask(payload WhiteboardSavePayload) (*asynq.Task, error) {
	if payload.Shapes == nil {
		payload.Shapes = []domain.Shape{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal whiteboard save payload: %w", err)
	}
	return asynq.NewTask(TypeWhiteboardSave, payloadBytes,
		asynq.Queue(QueueSaves),
		asynq.MaxRetry(8),
		asynq.Timeout(30*time.Second),
		asynq.TaskID(fmt.Sprintf("%s:%d", payload.BoardID, payload.Seq)),
	), nil
}

// ParseWhiteboardSavePayload 解析任务负载
func ParseWhiteboardSavePayload(data []byte) (WhiteboardSavePayload, error) {
	var payload WhiteboardSavePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal whiteboard save payload: %w", err)
	}
	if payload.BoardID == "" || payload.Seq == 0 {
		return payload, fmt.Errorf("whiteboard save payload missing board_id or seq")
	}
	return payload, nil
}
