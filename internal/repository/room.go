package repository

import (
	"context"
	"time"

	"github.com/jivanaryal/TopicJ-Spinner/internal/domain"
)

// RoomRepository 定义了房间数据的存储和检索操作。
// 存储层不负责任何回合逻辑，也不做并发控制。
type RoomRepository interface {
	// Create 保存一个新房间，房间码冲突时返回 ErrRoomCodeTaken。
	Create(ctx context.Context, room *domain.Room) error

	// FindByCode 根据房间码查找房间。
	// 如果房间不存在，返回 ErrRoomNotFound。
	FindByCode(ctx context.Context, code string) (*domain.Room, error)

	// Save 覆盖保存房间的可变字段，并刷新 LastActiveAt
	// (调用方通过 domain.Room.SetLastActive 指定时间的情况除外)。
	Save(ctx context.Context, room *domain.Room) error

	// FindExpired 返回无玩家、未锁定且 LastActiveAt 早于 threshold 的房间。
	FindExpired(ctx context.Context, threshold time.Time) ([]domain.Room, error)

	// Delete 删除房间，房间不存在时返回 ErrRoomNotFound。
	Delete(ctx context.Context, code string) error

	// IsCodeExists 检查房间码是否已被占用。
	IsCodeExists(ctx context.Context, code string) (bool, error)
}
