// Package memory 提供进程内的 RoomRepository 实现，用于本地开发 (DB_DRIVER=memory) 和测试。
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jivanaryal/TopicJ-Spinner/internal/domain"
	"github.com/jivanaryal/TopicJ-Spinner/internal/repository"
)

// RoomRepository 以房间码为键保存房间的深拷贝
type RoomRepository struct {
	mu     sync.RWMutex
	rooms  map[string]*domain.Room
	nextID uint
	now    func() time.Time
}

// NewRoomRepository 创建内存仓库
func NewRoomRepository() *RoomRepository {
	return &RoomRepository{
		rooms: make(map[string]*domain.Room),
		now:   time.Now,
	}
}

// WithClock 替换仓库使用的时钟，返回自身方便链式调用
func (r *RoomRepository) WithClock(now func() time.Time) *RoomRepository {
	r.now = now
	return r
}

func (r *RoomRepository) Create(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rooms[room.Code]; exists {
		return repository.ErrRoomCodeTaken
	}
	room.EnsureCollections()
	if room.LastActiveAt.IsZero() {
		room.LastActiveAt = r.now()
	}
	r.nextID++
	room.ID = r.nextID
	room.CreatedAt = r.now()
	r.rooms[room.Code] = room.Clone()
	return nil
}

func (r *RoomRepository) FindByCode(ctx context.Context, code string) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[code]
	if !ok {
		return nil, repository.ErrRoomNotFound
	}
	return room.Clone(), nil
}

func (r *RoomRepository) Save(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room.EnsureCollections()
	room.RefreshActivity(r.now())
	r.rooms[room.Code] = room.Clone()
	return nil
}

func (r *RoomRepository) FindExpired(ctx context.Context, threshold time.Time) ([]domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expired := make([]domain.Room, 0)
	for _, room := range r.rooms {
		if len(room.Participants) == 0 && !room.IsLocked && room.LastActiveAt.Before(threshold) {
			expired = append(expired, *room.Clone())
		}
	}
	return expired, nil
}

func (r *RoomRepository) Delete(ctx context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[code]; !ok {
		return repository.ErrRoomNotFound
	}
	delete(r.rooms, code)
	return nil
}

func (r *RoomRepository) IsCodeExists(ctx context.Context, code string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[code]
	return ok, nil
}
