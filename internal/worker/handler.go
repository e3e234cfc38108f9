package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/jivanaryal/TopicJ-Spinner/internal/tasks"
)

// RoomSweeper 删除满足过期条件的房间，由 service.RoomService 实现
type RoomSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// RoomCleanupHandler 处理周期性的房间清理任务
type RoomCleanupHandler struct {
	sweeper RoomSweeper
}

// NewRoomCleanupHandler 创建 Handler 实例
func NewRoomCleanupHandler(sweeper RoomSweeper) *RoomCleanupHandler {
	if sweeper == nil {
		panic("RoomSweeper cannot be nil for RoomCleanupHandler")
	}
	return &RoomCleanupHandler{sweeper: sweeper}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *RoomCleanupHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	currentRetry, _ := asynq.GetRetryCount(ctx)
	logCtx := logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     currentRetry,
	})

	var payload tasks.RoomCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			logCtx.WithError(err).Error("Failed to unmarshal task payload")
			return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	logCtx = logCtx.WithField("triggered_by", payload.TriggeredBy)
	logCtx.Debug("Processing room cleanup task...")

	deleted, err := h.sweeper.SweepExpired(ctx)
	if err != nil {
		logCtx.WithError(err).Error("Room cleanup failed")
		return fmt.Errorf("sweep expired rooms: %w", err)
	}

	if deleted > 0 {
		logCtx.WithField("deleted", deleted).Info("Deleted idle rooms")
	} else {
		logCtx.Debug("No idle rooms to delete")
	}
	return nil
}
