package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"decision-whiteboard/internal/service"
	"decision-whiteboard/internal/tasks"
)

// WhiteboardSaveHandler 处理白板保存任务
type WhiteboardSaveHandler struct {
	boards service.ShapeSaver
}

// NewWhiteboardSaveHandler 创建 Handler 实例
func NewWhiteboardSaveHandler(boards service.ShapeSaver) *WhiteboardSaveHandler {
	if boards == nil {
		panic("ShapeSaver cannot be nil for WhiteboardSaveHandler")
	}
	return &WhiteboardSaveHandler{boards: boards}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *WhiteboardSaveHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	currentRetry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)

	logCtx := logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     currentRetry,
		"max_retry": maxRetry,
	})

	payload, err := tasks.ParseWhiteboardSavePayload(t.Payload())
	if err != nil {
		logCtx.WithError(err).Error("Failed to parse task payload")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logCtx = logCtx.WithFields(logrus.Fields{
		"board_id": payload.BoardID,
		"user_id":  payload.UserID,
		"save_seq": payload.Seq,
	})

	applied, err := h.boards.SaveShapes(ctx, payload.UserID, payload.BoardID, payload.Seq, payload.Shapes)
	if err != nil {
		if service.IsPermanentSaveError(err) {
			logCtx.WithError(err).Warn("Whiteboard save rejected, not retrying")
			return fmt.Errorf("save board %s: %v: %w", payload.BoardID, err, asynq.SkipRetry)
		}
		logCtx.WithError(err).Error("Failed to save whiteboard")
		return fmt.Errorf("save board %s (seq %d): %w", payload.BoardID, payload.Seq, err)
	}

	logCtx.WithField("applied", applied).Info("Whiteboard save task processed")
	return nil
}
