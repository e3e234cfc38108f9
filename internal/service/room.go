package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jivanaryal/TopicJ-Spinner/internal/domain"
	"github.com/jivanaryal/TopicJ-Spinner/internal/repository"

	"github.com/sirupsen/logrus"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// maxCodeAttempts 房间码冲突时的最大重试次数
const maxCodeAttempts = 20

// RoomService 负责房间的创建、查询、开局预检查以及过期清理。
type RoomService struct {
	roomRepo    repository.RoomRepository
	locks       *RoomLocks
	frontendURL string
	now         func() time.Time
}

// NewRoomService 创建 RoomService 实例。
func NewRoomService(roomRepo repository.RoomRepository, locks *RoomLocks, frontendURL string) *RoomService {
	if roomRepo == nil {
		panic("RoomRepository cannot be nil for RoomService")
	}
	if locks == nil {
		panic("RoomLocks cannot be nil for RoomService")
	}
	return &RoomService{
		roomRepo:    roomRepo,
		locks:       locks,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		now:         time.Now,
	}
}

// CreateRoom 创建一个空的、未锁定的新房间。
func (s *RoomService) CreateRoom(ctx context.Context) (*domain.Room, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.generateUniqueCode(ctx)
		if err != nil {
			logrus.WithError(err).Error("Failed to generate unique room code")
			return nil, ErrInternalServer
		}
		logCtx := logrus.WithField("room_code", code)

		room := domain.NewRoom(code, s.now())
		err = s.roomRepo.Create(ctx, room)
		if errors.Is(err, repository.ErrRoomCodeTaken) {
			// 检查与插入之间被其他请求抢占，换一个码重试
			logCtx.Warn("Room code taken between check and insert, retrying")
			continue
		}
		if err != nil {
			logCtx.WithError(err).Error("Failed to save new room")
			return nil, ErrInternalServer
		}
		logCtx.Info("Room created successfully")
		return room, nil
	}
	logrus.Errorf("Failed to create room after %d attempts", maxCodeAttempts)
	return nil, ErrInternalServer
}

// GetRoom 根据房间码获取当前房间状态。
func (s *RoomService) GetRoom(ctx context.Context, code string) (*domain.Room, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrInvalidInput
	}
	room, err := s.roomRepo.FindByCode(ctx, code)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logrus.WithError(err).WithField("room_code", code).Error("GetRoom: repository error")
		}
		return nil, mapRepoError(err)
	}
	return room, nil
}

// CheckStartEligibility 只做开局预检查，不会锁定房间。
// 检查通过时刷新房间的活跃时间。
func (s *RoomService) CheckStartEligibility(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrInvalidInput
	}
	unlock := s.locks.Lock(code)
	defer unlock()

	room, err := s.roomRepo.FindByCode(ctx, code)
	if err != nil {
		return mapRepoError(err)
	}
	if room.IsLocked {
		return ErrGameAlreadyStarted
	}
	if len(room.Topics) < domain.MinTopicsToStart {
		return ErrNotEnoughTopics
	}
	room.Touch(s.now())
	if err := s.roomRepo.Save(ctx, room); err != nil {
		logrus.WithError(err).WithField("room_code", code).Error("CheckStartEligibility: failed to save room")
		return ErrInternalServer
	}
	return nil
}

// ShareableLink 返回前端加入房间的链接
func (s *RoomService) ShareableLink(code string) string {
	return fmt.Sprintf("%s/room/%s", s.frontendURL, code)
}

// SweepExpired 删除所有满足过期条件的房间，返回删除数量。
// 每个房间在删除前会在房间锁内重新加载并再次判断，避免误删刚有人加入的房间。
func (s *RoomService) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	candidates, err := s.roomRepo.FindExpired(ctx, now.Add(-domain.IdleTTL))
	if err != nil {
		return 0, fmt.Errorf("find expired rooms: %w", err)
	}

	deleted := 0
	for _, candidate := range candidates {
		ok, err := s.deleteIfExpired(ctx, candidate.Code, now)
		if err != nil {
			logrus.WithError(err).WithField("room_code", candidate.Code).Error("SweepExpired: failed to delete room")
			continue
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

func (s *RoomService) deleteIfExpired(ctx context.Context, code string, now time.Time) (bool, error) {
	unlock := s.locks.Lock(code)
	defer unlock()

	room, err := s.roomRepo.FindByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !room.IsExpired(now) {
		return false, nil
	}
	if err := s.roomRepo.Delete(ctx, code); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, err
	}
	return true, nil
}

// --- 私有辅助函数 ---

// generateUniqueCode 生成形如 "roomAB12" 的房间码，已存在时重新生成
func (s *RoomService) generateUniqueCode(ctx context.Context) (string, error) {
	b := make([]byte, domain.CodeLength)
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for i := range b {
			b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
		}
		code := domain.CodePrefix + string(b)

		exists, err := s.roomRepo.IsCodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("database error checking room code: %w", err)
		}
		if !exists {
			logrus.WithField("room_code", code).Debugf("Generated unique room code after %d attempt(s).", attempt+1)
			return code, nil
		}
		logrus.WithField("room_code", code).Warnf("Generated room code already exists, retrying (attempt %d)...", attempt+1)
	}
	return "", fmt.Errorf("failed to generate a unique room code after %d attempts", maxCodeAttempts)
}
