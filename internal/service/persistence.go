package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"decision-whiteboard/internal/domain"
	"decision-whiteboard/internal/tasks"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// 保存模式
const (
	SaveModeQueued = "queued"
	SaveModeDirect = "direct"
)

// BoardSaver 是编辑会话的持久化回调。
type BoardSaver interface {
	SaveBoard(ctx context.Context, userID uint, boardID string, shapes []domain.Shape) error
}

// ShapeSaver 按保存序号写入白板内容，由 WhiteboardService 实现。
type ShapeSaver interface {
	SaveShapes(ctx context.Context, userID uint, id string, seq uint64, shapes []domain.Shape) (bool, error)
}

// SaveSequencer 为白板分配单调递增的保存序号，由 WhiteboardService 实现。
type SaveSequencer interface {
	NextSaveSeq(ctx context.Context, id string) (uint64, error)
}

// TaskEnqueuer 抽象了 asynq.Client 的入队操作。
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// IsPermanentSaveError 报告保存错误是否不值得重试。
func IsPermanentSaveError(err error) bool {
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrWhiteboardNotFound) ||
		errors.Is(err, ErrInvalidShapes)
}

// QueuedSaver 为每次保存分配序号并投递 asynq 任务，由 worker 异步写入数据库。
type QueuedSaver struct {
	seqs     SaveSequencer
	enqueuer TaskEnqueuer
}

// NewQueuedSaver 创建 QueuedSaver 实例
func NewQueuedSaver(seqs SaveSequencer, enqueuer TaskEnqueuer) *QueuedSaver {
	if seqs == nil {
		panic("SaveSequencer cannot be nil for QueuedSaver")
	}
	if enqueuer == nil {
		panic("TaskEnqueuer cannot be nil for QueuedSaver")
	}
	return &QueuedSaver{seqs: seqs, enqueuer: enqueuer}
}

// SaveBoard 分配保存序号并入队保存任务
func (s *QueuedSaver) SaveBoard(ctx context.Context, userID uint, boardID string, shapes []domain.Shape) error {
	seq, err := s.seqs.NextSaveSeq(ctx, boardID)
	if err != nil {
		return err
	}
	task, err := tasks.NewWhiteboardSaveTask(tasks.WhiteboardSavePayload{
		BoardID: boardID,
		UserID:  userID,
		Seq:     seq,
		Shapes:  shapes,
	})
	if err != nil {
		return err
	}
	info, err := s.enqueuer.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue save task for board %s (seq %d): %w", boardID, seq, err)
	}
	logrus.WithFields(logrus.Fields{
		"board_id": boardID,
		"user_id":  userID,
		"save_seq": seq,
		"task_id":  info.ID,
		"queue":    info.Queue,
	}).Debug("Whiteboard save task enqueued")
	return nil
}

// DirectSaver 同步写入数据库，临时错误按指数退避重试。
type DirectSaver struct {
	seqs       SaveSequencer
	boards     ShapeSaver
	newBackOff func() backoff.BackOff
}

// NewDirectSaver 创建 DirectSaver 实例，最多重试 maxRetries 次。
func NewDirectSaver(seqs SaveSequencer, boards ShapeSaver, maxRetries uint64) *DirectSaver {
	if seqs == nil {
		panic("SaveSequencer cannot be nil for DirectSaver")
	}
	if boards == nil {
		panic("ShapeSaver cannot be nil for DirectSaver")
	}
	return &DirectSaver{
		seqs:   seqs,
		boards: boards,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return backoff.WithMaxRetries(b, maxRetries)
		},
	}
}

// SaveBoard 分配保存序号并同步写入
func (s *DirectSaver) SaveBoard(ctx context.Context, userID uint, boardID string, shapes []domain.Shape) error {
	logCtx := logrus.WithFields(logrus.Fields{"board_id": boardID, "user_id": userID})

	seq, err := s.seqs.NextSaveSeq(ctx, boardID)
	if err != nil {
		return err
	}

	operation := func() error {
		_, err := s.boards.SaveShapes(ctx, userID, boardID, seq, shapes)
		if err != nil && IsPermanentSaveError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logCtx.WithError(err).WithField("retry_in", wait).Warn("Whiteboard save failed, retrying")
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(s.newBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("save board %s (seq %d): %w", boardID, seq, err)
	}
	return nil
}
