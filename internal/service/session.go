package service

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/jivanaryal/TopicJ-Spinner/internal/domain"
	"github.com/jivanaryal/TopicJ-Spinner/internal/dto"
	"github.com/jivanaryal/TopicJ-Spinner/internal/repository"

	"github.com/sirupsen/logrus"
)

// Broadcaster 是房间级别的发布/订阅注册表，由 hub 实现。
// Broadcast 在调用时遍历当前订阅者，不保证送达。
type Broadcaster interface {
	Subscribe(roomCode, connectionID string)
	Unsubscribe(roomCode, connectionID string)
	Broadcast(roomCode, event string, payload interface{})
}

// SessionCoordinator 处理客户端的会话操作。
// 每个操作都是一次 读取-校验-修改-保存-广播，并在房间锁内串行执行；
// 校验失败时不会写入任何状态，也不会广播。
type SessionCoordinator struct {
	roomRepo    repository.RoomRepository
	broadcaster Broadcaster
	locks       *RoomLocks

	// connectionID -> roomCode，每个连接最多占据一个房间
	membersMu sync.Mutex
	members   map[string]string

	randIndex func(n int) int
	now       func() time.Time
}

// CoordinatorOption 用于替换 SessionCoordinator 的随机源和时钟
type CoordinatorOption func(*SessionCoordinator)

// WithRandomIndex 指定选取话题下标的函数，返回值必须落在 [0, n)
func WithRandomIndex(fn func(n int) int) CoordinatorOption {
	return func(c *SessionCoordinator) { c.randIndex = fn }
}

// WithClock 指定时钟
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *SessionCoordinator) { c.now = now }
}

// NewSessionCoordinator 创建 SessionCoordinator 实例。
func NewSessionCoordinator(roomRepo repository.RoomRepository, broadcaster Broadcaster, locks *RoomLocks, opts ...CoordinatorOption) *SessionCoordinator {
	if roomRepo == nil {
		panic("RoomRepository cannot be nil for SessionCoordinator")
	}
	if broadcaster == nil {
		panic("Broadcaster cannot be nil for SessionCoordinator")
	}
	if locks == nil {
		panic("RoomLocks cannot be nil for SessionCoordinator")
	}
	c := &SessionCoordinator{
		roomRepo:    roomRepo,
		broadcaster: broadcaster,
		locks:       locks,
		members:     make(map[string]string),
		randIndex:   rand.IntN,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join 让连接加入房间。
// 连接所在的其他房间会先被移除 (必要时重新分配回合并广播该房间)，再校验并加入目标房间。
// 已在目标房间中的连接保留原座位，只更新昵称。
func (c *SessionCoordinator) Join(ctx context.Context, roomCode, nickname, connectionID string) (*domain.Room, error) {
	roomCode = strings.TrimSpace(roomCode)
	nickname = domain.NormalizeNickname(nickname)
	logCtx := logrus.WithFields(logrus.Fields{
		"room_code":     roomCode,
		"connection_id": connectionID,
		"operation":     "join",
	})
	if roomCode == "" || nickname == "" {
		return nil, ErrInvalidInput
	}

	if current, ok := c.RoomOf(connectionID); !ok || current != roomCode {
		if err := c.departCurrentRoom(ctx, connectionID, domain.TurnToFirst); err != nil {
			logCtx.WithError(err).Error("Failed to leave previous room")
			return nil, ErrInternalServer
		}
	}

	unlock := c.locks.Lock(roomCode)
	defer unlock()

	room, err := c.loadRoom(ctx, roomCode)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			c.clearMembership(connectionID, roomCode)
			c.broadcaster.Unsubscribe(roomCode, connectionID)
		}
		return nil, err
	}
	if room.HasParticipant(connectionID) {
		room.Participants[room.IndexOf(connectionID)].Nickname = nickname
	} else {
		if room.IsLocked {
			return nil, ErrGameAlreadyStarted
		}
		if room.IsFull() {
			return nil, ErrRoomFull
		}
		room.AddParticipant(domain.Participant{ConnectionID: connectionID, Nickname: nickname})
	}
	if err := c.persist(ctx, room, logCtx); err != nil {
		return nil, err
	}

	c.setMembership(connectionID, roomCode)
	c.broadcaster.Subscribe(roomCode, connectionID)
	c.broadcaster.Broadcast(roomCode, dto.EventRoomUpdate, room)
	logCtx.WithField("participants", len(room.Participants)).Info("Participant joined room")
	return room, nil
}

// StartGame 锁定房间并把回合交给第一位玩家。
func (c *SessionCoordinator) StartGame(ctx context.Context, roomCode string) (*domain.Room, error) {
	roomCode = strings.TrimSpace(roomCode)
	logCtx := logrus.WithFields(logrus.Fields{"room_code": roomCode, "operation": "startGame"})

	unlock := c.locks.Lock(roomCode)
	defer unlock()

	room, err := c.loadRoom(ctx, roomCode)
	if err != nil {
		return nil, err
	}
	if room.IsLocked {
		return nil, ErrGameAlreadyStarted
	}
	if len(room.Participants) == 0 {
		return nil, ErrNoPlayers
	}
	if len(room.Topics) < domain.MinTopicsToStart {
		return nil, ErrNotEnoughTopics
	}

	room.Lock()
	if err := c.persist(ctx, room, logCtx); err != nil {
		return nil, err
	}

	// game-started 用于客户端跳转页面，room-update 用于合并状态
	c.broadcaster.Broadcast(roomCode, dto.EventGameStarted, room)
	c.broadcaster.Broadcast(roomCode, dto.EventRoomUpdate, room)
	logCtx.Info("Game started")
	return room, nil
}

// StartSpin 由当前回合的玩家发起旋转，随机选中一个话题并广播其下标。
func (c *SessionCoordinator) StartSpin(ctx context.Context, roomCode, connectionID string) (int, error) {
	roomCode = strings.TrimSpace(roomCode)
	logCtx := logrus.WithFields(logrus.Fields{
		"room_code":     roomCode,
		"connection_id": connectionID,
		"operation":     "startSpin",
	})

	unlock := c.locks.Lock(roomCode)
	defer unlock()

	room, err := c.loadRoom(ctx, roomCode)
	if err != nil {
		return 0, err
	}
	if !room.IsTurnOf(connectionID) {
		return 0, ErrNotYourTurn
	}
	if room.IsProcessingSpin {
		return 0, ErrSpinInProgress
	}
	if len(room.Topics) == 0 {
		return 0, ErrNoTopicsLeft
	}

	index := c.randIndex(len(room.Topics))
	room.BeginSpin(room.Topics[index])
	if err := c.persist(ctx, room, logCtx); err != nil {
		return 0, err
	}

	c.broadcaster.Broadcast(roomCode, dto.EventSpinStarted, dto.SpinStartedPayload{PrizeNumber: index})
	logCtx.WithField("prize_number", index).Info("Spin started")
	return index, nil
}

// CompleteSpin 揭晓选中的话题，将其从列表中移除并把回合交给下一位玩家。
func (c *SessionCoordinator) CompleteSpin(ctx context.Context, roomCode, connectionID string) (*dto.SpinResultPayload, error) {
	roomCode = strings.TrimSpace(roomCode)
	logCtx := logrus.WithFields(logrus.Fields{
		"room_code":     roomCode,
		"connection_id": connectionID,
		"operation":     "completeSpin",
	})

	unlock := c.locks.Lock(roomCode)
	defer unlock()

	room, err := c.loadRoom(ctx, roomCode)
	if err != nil {
		return nil, err
	}
	if !room.IsTurnOf(connectionID) {
		return nil, ErrNotYourTurn
	}
	if len(room.Topics) == 0 {
		return nil, ErrNoTopicsLeft
	}
	if room.SelectedTopic == nil {
		return nil, ErrNoTopicSelected
	}

	topic := room.FinishSpin()
	if err := c.persist(ctx, room, logCtx); err != nil {
		return nil, err
	}

	result := &dto.SpinResultPayload{
		Topic:       topic,
		CurrentTurn: room.CurrentTurn,
		Topics:      append([]string{}, room.Topics...),
	}
	c.broadcaster.Broadcast(roomCode, dto.EventSpinResult, result)
	logCtx.WithField("topics_left", len(room.Topics)).Info("Spin completed")
	return result, nil
}

// AddTopic 向房间追加一个话题并只广播话题列表。
// 长度下限 (3 个字符) 由提交入口校验，这里只拒绝空白话题。
func (c *SessionCoordinator) AddTopic(ctx context.Context, roomCode, text string) (*domain.Room, error) {
	roomCode = strings.TrimSpace(roomCode)
	text = strings.TrimSpace(text)
	logCtx := logrus.WithFields(logrus.Fields{"room_code": roomCode, "operation": "addTopic"})
	if roomCode == "" || text == "" {
		return nil, ErrInvalidInput
	}

	unlock := c.locks.Lock(roomCode)
	defer unlock()

	room, err := c.loadRoom(ctx, roomCode)
	if err != nil {
		return nil, err
	}
	// 旋转进行中不允许修改话题列表，否则客户端动画的下标会与揭晓的话题错位
	if room.IsProcessingSpin {
		return nil, ErrSpinInProgress
	}
	if room.TopicsFull() {
		return nil, ErrTooManyTopics
	}

	room.AddTopic(text)
	if err := c.persist(ctx, room, logCtx); err != nil {
		return nil, err
	}

	c.broadcaster.Broadcast(roomCode, dto.EventRoomTopics, append([]string{}, room.Topics...))
	logCtx.WithField("topics", len(room.Topics)).Debug("Topic added")
	return room, nil
}

// Leave 在连接断开时调用，把连接从所在房间移除。
// 断开的连接已经无法接收消息，因此这里的错误只记录日志。
// 保存失败时同样清除成员关系，持久化的房间中可能残留该玩家。
func (c *SessionCoordinator) Leave(ctx context.Context, connectionID string) {
	roomCode, _ := c.RoomOf(connectionID)
	if err := c.departCurrentRoom(ctx, connectionID, domain.TurnToNext); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_code":     roomCode,
			"connection_id": connectionID,
			"operation":     "leave",
		}).Error("Failed to remove disconnected participant")
		c.clearMembership(connectionID, roomCode)
		c.broadcaster.Unsubscribe(roomCode, connectionID)
	}
}

// RoomOf 返回连接当前所在的房间码
func (c *SessionCoordinator) RoomOf(connectionID string) (string, bool) {
	c.membersMu.Lock()
	defer c.membersMu.Unlock()
	code, ok := c.members[connectionID]
	return code, ok
}

// departCurrentRoom 把连接从其当前房间移除并广播该房间的更新。
// 房间已被删除时只清理成员关系。
func (c *SessionCoordinator) departCurrentRoom(ctx context.Context, connectionID string, policy domain.TurnPolicy) error {
	roomCode, ok := c.RoomOf(connectionID)
	if !ok {
		return nil
	}
	logCtx := logrus.WithFields(logrus.Fields{
		"room_code":     roomCode,
		"connection_id": connectionID,
		"operation":     "depart",
	})

	unlock := c.locks.Lock(roomCode)
	defer unlock()

	room, err := c.roomRepo.FindByCode(ctx, roomCode)
	if errors.Is(err, repository.ErrNotFound) {
		c.clearMembership(connectionID, roomCode)
		c.broadcaster.Unsubscribe(roomCode, connectionID)
		return nil
	}
	if err != nil {
		return err
	}

	removed := room.RemoveParticipant(connectionID, policy)
	if removed {
		room.Touch(c.now())
		if err := c.roomRepo.Save(ctx, room); err != nil {
			return err
		}
	}

	c.clearMembership(connectionID, roomCode)
	c.broadcaster.Unsubscribe(roomCode, connectionID)
	if removed {
		c.broadcaster.Broadcast(roomCode, dto.EventRoomUpdate, room)
		logCtx.WithField("participants", len(room.Participants)).Info("Participant left room")
	}
	return nil
}

// loadRoom 加载房间并把仓库错误映射为业务错误
func (c *SessionCoordinator) loadRoom(ctx context.Context, roomCode string) (*domain.Room, error) {
	if roomCode == "" {
		return nil, ErrInvalidInput
	}
	room, err := c.roomRepo.FindByCode(ctx, roomCode)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logrus.WithError(err).WithField("room_code", roomCode).Error("Failed to load room")
		}
		return nil, mapRepoError(err)
	}
	return room, nil
}

// persist 记录活动时间并保存房间，失败时返回 ErrInternalServer
func (c *SessionCoordinator) persist(ctx context.Context, room *domain.Room, logCtx *logrus.Entry) error {
	room.Touch(c.now())
	if err := c.roomRepo.Save(ctx, room); err != nil {
		logCtx.WithError(err).Error("Failed to save room")
		return ErrInternalServer
	}
	return nil
}

func (c *SessionCoordinator) setMembership(connectionID, roomCode string) {
	c.membersMu.Lock()
	c.members[connectionID] = roomCode
	c.membersMu.Unlock()
}

// clearMembership 只在成员关系仍指向 roomCode 时删除
func (c *SessionCoordinator) clearMembership(connectionID, roomCode string) {
	c.membersMu.Lock()
	if c.members[connectionID] == roomCode {
		delete(c.members, connectionID)
	}
	c.membersMu.Unlock()
}
