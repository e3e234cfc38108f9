package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/jivanaryal/TopicJ-Spinner/internal/domain"
	"github.com/jivanaryal/TopicJ-Spinner/internal/repository"
)

// RedisRoomRepository 是 RoomRepository 接口的 Redis 实现 (DB_DRIVER=redis)。
// 每个房间是一个 JSON 字符串，另有一个按 lastActiveAt 排序的有序集合供过期清理使用。
type RedisRoomRepository struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// roomRecord 是房间在 Redis 中的存储格式，包含不会下发给客户端的 selectedTopic
type roomRecord struct {
	ID               uint                 `json:"id"`
	Code             string               `json:"code"`
	Participants     []domain.Participant `json:"participants"`
	Topics           []string             `json:"topics"`
	IsLocked         bool                 `json:"isLocked"`
	CurrentTurn      *string              `json:"currentTurn"`
	SelectedTopic    *string              `json:"selectedTopic"`
	IsProcessingSpin bool                 `json:"isProcessingSpin"`
	LastActiveAt     time.Time            `json:"lastActiveAt"`
	CreatedAt        time.Time            `json:"createdAt"`
}

// NewRedisRoomRepository 创建 RedisRoomRepository 实例
func NewRedisRoomRepository(client *redis.Client, keyPrefix string) *RedisRoomRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisRoomRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "spin:"
	}
	return &RedisRoomRepository{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// --- Key Generation Helpers ---
func (r *RedisRoomRepository) roomKey(code string) string {
	return fmt.Sprintf("%sroom:%s", r.keyPrefix, code)
}

func (r *RedisRoomRepository) activityKey() string {
	return r.keyPrefix + "rooms:last_active"
}

func (r *RedisRoomRepository) sequenceKey() string {
	return r.keyPrefix + "rooms:seq"
}

func (r *RedisRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	room.EnsureCollections()
	now := r.now()
	if room.LastActiveAt.IsZero() {
		room.LastActiveAt = now
	}
	room.CreatedAt = now

	id, err := r.client.Incr(ctx, r.sequenceKey()).Result()
	if err != nil {
		return fmt.Errorf("redis: failed to allocate room id: %w", err)
	}
	room.ID = uint(id)

	data, err := encodeRoom(room)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.roomKey(room.Code), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis: failed to create room %s: %w", room.Code, err)
	}
	if !ok {
		return repository.ErrRoomCodeTaken
	}
	return r.touchIndex(ctx, room)
}

func (r *RedisRoomRepository) FindByCode(ctx context.Context, code string) (*domain.Room, error) {
	data, err := r.client.Get(ctx, r.roomKey(code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("redis: failed to get room %s: %w", code, err)
	}
	return decodeRoom(data)
}

func (r *RedisRoomRepository) Save(ctx context.Context, room *domain.Room) error {
	room.EnsureCollections()
	room.RefreshActivity(r.now())
	data, err := encodeRoom(room)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.roomKey(room.Code), data, 0)
	pipe.ZAdd(ctx, r.activityKey(), &redis.Z{Score: activityScore(room.LastActiveAt), Member: room.Code})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to save room %s: %w", room.Code, err)
	}
	return nil
}

// FindExpired 先按活跃时间从有序集合中取候选，再加载房间判断是否为空且未锁定
func (r *RedisRoomRepository) FindExpired(ctx context.Context, threshold time.Time) ([]domain.Room, error) {
	codes, err := r.client.ZRangeByScore(ctx, r.activityKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(activityScore(threshold), 'f', 0, 64),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to query idle rooms: %w", err)
	}
	if len(codes) == 0 {
		return []domain.Room{}, nil
	}

	keys := make([]string, len(codes))
	for i, code := range codes {
		keys[i] = r.roomKey(code)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to load idle rooms: %w", err)
	}

	expired := make([]domain.Room, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// 房间已被删除但索引仍在
			r.client.ZRem(ctx, r.activityKey(), codes[i])
			continue
		}
		room, err := decodeRoom([]byte(raw))
		if err != nil {
			logrus.WithError(err).WithField("room_code", codes[i]).Warn("redis: skipping undecodable room")
			continue
		}
		if len(room.Participants) == 0 && !room.IsLocked && room.LastActiveAt.Before(threshold) {
			expired = append(expired, *room)
		}
	}
	return expired, nil
}

func (r *RedisRoomRepository) Delete(ctx context.Context, code string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.roomKey(code))
	pipe.ZRem(ctx, r.activityKey(), code)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to delete room %s: %w", code, err)
	}
	if del.Val() == 0 {
		return repository.ErrRoomNotFound
	}
	return nil
}

func (r *RedisRoomRepository) IsCodeExists(ctx context.Context, code string) (bool, error) {
	n, err := r.client.Exists(ctx, r.roomKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to check room code %s: %w", code, err)
	}
	return n > 0, nil
}

func (r *RedisRoomRepository) touchIndex(ctx context.Context, room *domain.Room) error {
	err := r.client.ZAdd(ctx, r.activityKey(), &redis.Z{Score: activityScore(room.LastActiveAt), Member: room.Code}).Err()
	if err != nil {
		return fmt.Errorf("redis: failed to index room %s: %w", room.Code, err)
	}
	return nil
}

func activityScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func encodeRoom(room *domain.Room) ([]byte, error) {
	data, err := json.Marshal(roomRecord{
		ID:               room.ID,
		Code:             room.Code,
		Participants:     room.Participants,
		Topics:           room.Topics,
		IsLocked:         room.IsLocked,
		CurrentTurn:      room.CurrentTurn,
		SelectedTopic:    room.SelectedTopic,
		IsProcessingSpin: room.IsProcessingSpin,
		LastActiveAt:     room.LastActiveAt,
		CreatedAt:        room.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: failed to marshal room %s: %w", room.Code, err)
	}
	return data, nil
}

func decodeRoom(data []byte) (*domain.Room, error) {
	var rec roomRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("redis: failed to unmarshal room: %w", err)
	}
	room := &domain.Room{
		ID:               rec.ID,
		Code:             rec.Code,
		Participants:     datatypes.JSONSlice[domain.Participant](rec.Participants),
		Topics:           datatypes.JSONSlice[string](rec.Topics),
		IsLocked:         rec.IsLocked,
		CurrentTurn:      rec.CurrentTurn,
		SelectedTopic:    rec.SelectedTopic,
		IsProcessingSpin: rec.IsProcessingSpin,
		LastActiveAt:     rec.LastActiveAt,
		CreatedAt:        rec.CreatedAt,
	}
	room.EnsureCollections()
	return room, nil
}
