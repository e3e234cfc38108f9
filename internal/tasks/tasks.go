package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// 任务类型常量
const (
	TypeRoomCleanup = "room:cleanup" // 清理闲置空房间
)

// 触发来源
const (
	TriggerSchedule = "schedule"
	TriggerStartup  = "startup"
)

// RoomCleanupPayload 是清理任务的负载
type RoomCleanupPayload struct {
	TriggeredBy string `json:"triggered_by"`
}

// NewRoomCleanupTask 创建一个清理闲置房间的任务
func NewRoomCleanupTask(triggeredBy string) (*asynq.Task, error) {
	payload, err := json.Marshal(RoomCleanupPayload{TriggeredBy: triggeredBy})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRoomCleanup, payload), nil
}
