package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jivanaryal/TopicJ-Spinner/internal/domain"
	"github.com/jivanaryal/TopicJ-Spinner/internal/infra/persistence/memory"
	"github.com/jivanaryal/TopicJ-Spinner/internal/repository"
	"github.com/jivanaryal/TopicJ-Spinner/internal/repository/mocks"
	"github.com/jivanaryal/TopicJ-Spinner/internal/service"
)

// --- 测试 CreateRoom 方法 ---

func TestRoomService_CreateRoom_Success(t *testing.T) {
	// Arrange
	mockRoomRepo := new(mocks.RoomRepository)
	roomService := service.NewRoomService(mockRoomRepo, service.NewRoomLocks(), "http://localhost:5173/")
	ctx := context.Background()

	mockRoomRepo.On("IsCodeExists", ctx, mock.AnythingOfType("string")).Return(false, nil).Once()
	mockRoomRepo.On("Create", ctx, mock.MatchedBy(func(room *domain.Room) bool {
		assert.Empty(t, room.Participants)
		assert.Empty(t, room.Topics)
		assert.False(t, room.IsLocked)
		assert.Nil(t, room.CurrentTurn)
		return true
	})).Return(nil).Once()

	// Act
	room, err := roomService.CreateRoom(ctx)

	// Assert
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.True(t, strings.HasPrefix(room.Code, domain.CodePrefix), "房间码应带有固定前缀")
	assert.Len(t, room.Code, len(domain.CodePrefix)+domain.CodeLength)
	for _, ch := range strings.TrimPrefix(room.Code, domain.CodePrefix) {
		assert.True(t, (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9'), "房间码后缀只包含大写字母和数字")
	}
	assert.Equal(t, "http://localhost:5173/room/"+room.Code, roomService.ShareableLink(room.Code))

	mockRoomRepo.AssertExpectations(t)
}

func TestRoomService_CreateRoom_RegeneratesOnCollision(t *testing.T) {
	mockRoomRepo := new(mocks.RoomRepository)
	roomService := service.NewRoomService(mockRoomRepo, service.NewRoomLocks(), "")
	ctx := context.Background()

	// 前两个码已被占用，第三个可用
	mockRoomRepo.On("IsCodeExists", ctx, mock.AnythingOfType("string")).Return(true, nil).Twice()
	mockRoomRepo.On("IsCodeExists", ctx, mock.AnythingOfType("string")).Return(false, nil).Once()
	mockRoomRepo.On("Create", ctx, mock.AnythingOfType("*domain.Room")).Return(nil).Once()

	room, err := roomService.CreateRoom(ctx)

	require.NoError(t, err)
	assert.NotNil(t, room)
	mockRoomRepo.AssertNumberOfCalls(t, "IsCodeExists", 3)
	mockRoomRepo.AssertExpectations(t)
}

func TestRoomService_CreateRoom_RetriesDuplicateInsert(t *testing.T) {
	mockRoomRepo := new(mocks.RoomRepository)
	roomService := service.NewRoomService(mockRoomRepo, service.NewRoomLocks(), "")
	ctx := context.Background()

	mockRoomRepo.On("IsCodeExists", ctx, mock.AnythingOfType("string")).Return(false, nil)
	mockRoomRepo.On("Create", ctx, mock.AnythingOfType("*domain.Room")).Return(repository.ErrRoomCodeTaken).Once()
	mockRoomRepo.On("Create", ctx, mock.AnythingOfType("*domain.Room")).Return(nil).Once()

	room, err := roomService.CreateRoom(ctx)

	require.NoError(t, err)
	assert.NotNil(t, room)
	mockRoomRepo.AssertNumberOfCalls(t, "Create", 2)
}

func TestRoomService_CreateRoom_RepositoryFailure(t *testing.T) {
	mockRoomRepo := new(mocks.RoomRepository)
	roomService := service.NewRoomService(mockRoomRepo, service.NewRoomLocks(), "")
	ctx := context.Background()

	mockRoomRepo.On("IsCodeExists", ctx, mock.AnythingOfType("string")).Return(false, errors.New("connection refused")).Once()

	room, err := roomService.CreateRoom(ctx)

	require.Error(t, err)
	assert.Nil(t, room)
	assert.ErrorIs(t, err, service.ErrInternalServer, "数据库错误应映射为内部错误")
	mockRoomRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

// --- 测试 GetRoom 方法 ---

func TestRoomService_GetRoom(t *testing.T) {
	mockRoomRepo := new(mocks.RoomRepository)
	roomService := service.NewRoomService(mockRoomRepo, service.NewRoomLocks(), "")
	ctx := context.Background()

	existing := domain.NewRoom("roomAAAA", time.Now())
	mockRoomRepo.On("FindByCode", ctx, "roomAAAA").Return(existing, nil).Once()
	mockRoomRepo.On("FindByCode", ctx, "roomNONE").Return(nil, repository.ErrRoomNotFound).Once()
	mockRoomRepo.On("FindByCode", ctx, "roomFAIL").Return(nil, errors.New("db down")).Once()

	room, err := roomService.GetRoom(ctx, " roomAAAA ")
	require.NoError(t, err)
	assert.Equal(t, existing, room)

	_, err = roomService.GetRoom(ctx, "roomNONE")
	assert.ErrorIs(t, err, service.ErrRoomNotFound)

	_, err = roomService.GetRoom(ctx, "roomFAIL")
	assert.ErrorIs(t, err, service.ErrInternalServer)

	_, err = roomService.GetRoom(ctx, "  ")
	assert.ErrorIs(t, err, service.ErrInvalidInput)

	mockRoomRepo.AssertExpectations(t)
}

// --- 测试 CheckStartEligibility 方法 ---

func TestRoomService_CheckStartEligibility(t *testing.T) {
	repo := memory.NewRoomRepository()
	roomService := service.NewRoomService(repo, service.NewRoomLocks(), "")
	ctx := context.Background()

	room := domain.NewRoom("roomELIG", time.Now())
	require.NoError(t, repo.Create(ctx, room))

	assert.ErrorIs(t, roomService.CheckStartEligibility(ctx, "roomNONE"), service.ErrRoomNotFound)
	assert.ErrorIs(t, roomService.CheckStartEligibility(ctx, "roomELIG"), service.ErrNotEnoughTopics)

	for _, topic := range []string{"one", "two", "three", "four"} {
		room.AddTopic(topic)
	}
	require.NoError(t, repo.Save(ctx, room))
	assert.NoError(t, roomService.CheckStartEligibility(ctx, "roomELIG"))

	stored, err := repo.FindByCode(ctx, "roomELIG")
	require.NoError(t, err)
	assert.False(t, stored.IsLocked, "预检查不应锁定房间")

	stored.AddParticipant(domain.Participant{ConnectionID: "c1", Nickname: "a"})
	stored.Lock()
	require.NoError(t, repo.Save(ctx, stored))
	assert.ErrorIs(t, roomService.CheckStartEligibility(ctx, "roomELIG"), service.ErrGameAlreadyStarted)
}

// --- 测试 SweepExpired 方法 ---

func TestRoomService_SweepExpired(t *testing.T) {
	repo := memory.NewRoomRepository()
	roomService := service.NewRoomService(repo, service.NewRoomLocks(), "")
	ctx := context.Background()
	stale := time.Now().Add(-11 * time.Minute)

	seed := func(code string, mutate func(r *domain.Room)) {
		r := domain.NewRoom(code, time.Now())
		require.NoError(t, repo.Create(ctx, r))
		mutate(r)
		r.SetLastActive(stale)
		require.NoError(t, repo.Save(ctx, r))
	}
	seed("roomIDLE", func(r *domain.Room) {})
	seed("roomLOCK", func(r *domain.Room) { r.IsLocked = true })
	seed("roomFULL", func(r *domain.Room) {
		r.AddParticipant(domain.Participant{ConnectionID: "c1", Nickname: "a"})
	})
	require.NoError(t, repo.Create(ctx, domain.NewRoom("roomNEW1", time.Now())))

	deleted, err := roomService.SweepExpired(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	_, err = repo.FindByCode(ctx, "roomIDLE")
	assert.ErrorIs(t, err, repository.ErrRoomNotFound, "闲置 11 分钟的空房间应被删除")
	for _, code := range []string{"roomLOCK", "roomFULL", "roomNEW1"} {
		_, err := repo.FindByCode(ctx, code)
		assert.NoError(t, err, "房间 %s 不应被删除", code)
	}
}

func TestRoomService_SweepExpired_FindFails(t *testing.T) {
	mockRoomRepo := new(mocks.RoomRepository)
	roomService := service.NewRoomService(mockRoomRepo, service.NewRoomLocks(), "")
	ctx := context.Background()

	mockRoomRepo.On("FindExpired", ctx, mock.AnythingOfType("time.Time")).Return(nil, errors.New("db down")).Once()

	deleted, err := roomService.SweepExpired(ctx)

	require.Error(t, err)
	assert.Zero(t, deleted)
	mockRoomRepo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}
