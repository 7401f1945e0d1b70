package worker

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"decision-whiteboard/internal/service"
	"decision-whiteboard/internal/tasks"
)

// WorkerServer 封装了 Asynq Worker Server 的启动和关闭逻辑
type WorkerServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *logrus.Entry
}

// NewWorkerServer 创建一个新的 WorkerServer 实例
func NewWorkerServer(redisOpt asynq.RedisClientOpt, boards service.ShapeSaver, concurrency int, logger *logrus.Logger) *WorkerServer {
	logEntry := logger.WithField("component", "worker_server")
	if concurrency <= 0 {
		concurrency = 10
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				tasks.QueueSaves: 6,
				"default":        3,
				"low":            1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				taskID := ""
				if rw := task.ResultWriter(); rw != nil {
					taskID = rw.TaskID()
				}
				retryCount, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logEntry.WithFields(logrus.Fields{
					"task_id":   taskID,
					"task_type": task.Type(),
					"retries":   retryCount,
					"max_retry": maxRetry,
				}).Errorf("Task failed: %v", err)
			}),
			Logger:   logEntry,
			LogLevel: asynq.WarnLevel,
		},
	)

	return &WorkerServer{
		server: server,
		mux:    NewServeMux(boards),
		log:    logEntry,
	}
}

// NewServeMux 注册全部任务处理器
func NewServeMux(boards service.ShapeSaver) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeWhiteboardSave, NewWhiteboardSaveHandler(boards))
	return mux
}

// Start 启动 Worker Server，处理在后台 goroutine 中进行，Shutdown 负责停止
func (ws *WorkerServer) Start() error {
	ws.log.Info("Worker server starting...")
	if err := ws.server.Start(ws.mux); err != nil {
		ws.log.WithError(err).Error("Could not start worker server")
		return err
	}
	return nil
}

// Shutdown 优雅地关闭 Worker Server，等待进行中的任务完成
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}
