package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jivanaryal/TopicJ-Spinner/internal/domain"
	"github.com/jivanaryal/TopicJ-Spinner/internal/dto"
	"github.com/jivanaryal/TopicJ-Spinner/internal/infra/persistence/memory"
	"github.com/jivanaryal/TopicJ-Spinner/internal/repository/mocks"
	"github.com/jivanaryal/TopicJ-Spinner/internal/service"
)

// recordedEvent 记录一次广播
type recordedEvent struct {
	RoomCode string
	Event    string
	Payload  interface{}
}

// recordingBroadcaster 记录订阅关系和所有广播，供断言使用
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
	subs   map[string]map[string]bool
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{subs: make(map[string]map[string]bool)}
}

func (b *recordingBroadcaster) Subscribe(roomCode, connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[roomCode] == nil {
		b.subs[roomCode] = make(map[string]bool)
	}
	b.subs[roomCode][connectionID] = true
}

func (b *recordingBroadcaster) Unsubscribe(roomCode, connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[roomCode], connectionID)
}

func (b *recordingBroadcaster) Broadcast(roomCode, event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{RoomCode: roomCode, Event: event, Payload: payload})
}

func (b *recordingBroadcaster) subscribed(roomCode, connectionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[roomCode][connectionID]
}

func (b *recordingBroadcaster) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}

func (b *recordingBroadcaster) all() []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recordedEvent{}, b.events...)
}

type sessionFixture struct {
	ctx   context.Context
	repo  *memory.RoomRepository
	bc    *recordingBroadcaster
	coord *service.SessionCoordinator
	index int // StartSpin 选中的下标
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		ctx:  context.Background(),
		repo: memory.NewRoomRepository(),
		bc:   newRecordingBroadcaster(),
	}
	f.coord = service.NewSessionCoordinator(f.repo, f.bc, service.NewRoomLocks(),
		service.WithRandomIndex(func(n int) int {
			if f.index >= n {
				return n - 1
			}
			return f.index
		}),
	)
	return f
}

// seedRoom 创建房间并写入话题
func (f *sessionFixture) seedRoom(t *testing.T, code string, topics ...string) {
	t.Helper()
	room := domain.NewRoom(code, time.Now())
	for _, topic := range topics {
		room.AddTopic(topic)
	}
	require.NoError(t, f.repo.Create(f.ctx, room))
}

func (f *sessionFixture) room(t *testing.T, code string) *domain.Room {
	t.Helper()
	room, err := f.repo.FindByCode(f.ctx, code)
	require.NoError(t, err)
	return room
}

// startedRoom 创建一个已开局的房间，玩家按 ids 顺序加入
func (f *sessionFixture) startedRoom(t *testing.T, code string, ids ...string) {
	t.Helper()
	f.seedRoom(t, code, "movies", "travel", "food", "music", "books")
	for _, id := range ids {
		_, err := f.coord.Join(f.ctx, code, "player-"+id, id)
		require.NoError(t, err)
	}
	_, err := f.coord.StartGame(f.ctx, code)
	require.NoError(t, err)
	f.bc.reset()
}

func eventNames(events []recordedEvent) []string {
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Event)
	}
	return names
}

// --- Join ---

func TestSessionCoordinator_Join_Success(t *testing.T) {
	f := newSessionFixture(t)
	f.seedRoom(t, "roomJOIN")

	room, err := f.coord.Join(f.ctx, "roomJOIN", "   Alice Wonderland The Great  ", "conn-a")

	require.NoError(t, err)
	require.Len(t, room.Participants, 1)
	assert.Equal(t, "Alice Wonderland The", room.Participants[0].Nickname, "昵称应去除空白并截断到 20 个字符")
	assert.Equal(t, "conn-a", room.Participants[0].ConnectionID)
	assert.True(t, f.bc.subscribed("roomJOIN", "conn-a"))

	code, ok := f.coord.RoomOf("conn-a")
	assert.True(t, ok)
	assert.Equal(t, "roomJOIN", code)

	events := f.bc.all()
	require.Len(t, events, 1)
	assert.Equal(t, dto.EventRoomUpdate, events[0].Event)
	assert.Equal(t, "roomJOIN", events[0].RoomCode)

	assert.Len(t, f.room(t, "roomJOIN").Participants, 1, "加入应被持久化")
}

func TestSessionCoordinator_Join_Failures(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.coord.Join(f.ctx, "roomNONE", "bob", "conn-b")
	assert.ErrorIs(t, err, service.ErrRoomNotFound)

	_, err = f.coord.Join(f.ctx, "", "bob", "conn-b")
	assert.ErrorIs(t, err, service.ErrInvalidInput)

	f.seedRoom(t, "roomFULL")
	_, err = f.coord.Join(f.ctx, "roomFULL", "   ", "conn-b")
	assert.ErrorIs(t, err, service.ErrInvalidInput)

	for i := 0; i < domain.MaxParticipants; i++ {
		_, err := f.coord.Join(f.ctx, "roomFULL", fmt.Sprintf("p%d", i), fmt.Sprintf("conn-%d", i))
		require.NoError(t, err)
	}
	f.bc.reset()
	_, err = f.coord.Join(f.ctx, "roomFULL", "late", "conn-late")
	assert.ErrorIs(t, err, service.ErrRoomFull)
	assert.Len(t, f.room(t, "roomFULL").Participants, domain.MaxParticipants)
	assert.Empty(t, f.bc.all(), "失败的操作不应广播")
	_, ok := f.coord.RoomOf("conn-late")
	assert.False(t, ok)

	f.startedRoom(t, "roomLOCK", "x")
	_, err = f.coord.Join(f.ctx, "roomLOCK", "late", "conn-late")
	assert.ErrorIs(t, err, service.ErrGameAlreadyStarted)
}

func TestSessionCoordinator_Join_MovesConnectionBetweenRooms(t *testing.T) {
	f := newSessionFixture(t)
	f.startedRoom(t, "roomX", "A", "B", "C")
	f.seedRoom(t, "roomY")
	require.Equal(t, "A", *f.room(t, "roomX").CurrentTurn)

	room, err := f.coord.Join(f.ctx, "roomY", "alice", "A")
	require.NoError(t, err)
	assert.Equal(t, "A", room.Participants[0].ConnectionID)

	x := f.room(t, "roomX")
	assert.False(t, x.HasParticipant("A"), "连接应先从原房间移除")
	require.NotNil(t, x.CurrentTurn)
	assert.Equal(t, "B", *x.CurrentTurn, "回合交给剩余的第一位玩家")
	assert.False(t, f.bc.subscribed("roomX", "A"))
	assert.True(t, f.bc.subscribed("roomY", "A"))

	events := f.bc.all()
	require.Len(t, events, 2)
	assert.Equal(t, "roomX", events[0].RoomCode, "先广播原房间的更新")
	assert.Equal(t, dto.EventRoomUpdate, events[0].Event)
	assert.Equal(t, "roomY", events[1].RoomCode)
}

func TestSessionCoordinator_Join_SameRoomKeepsSeat(t *testing.T) {
	f := newSessionFixture(t)
	f.seedRoom(t, "roomSAME")
	_, err := f.coord.Join(f.ctx, "roomSAME", "a", "A")
	require.NoError(t, err)
	_, err = f.coord.Join(f.ctx, "roomSAME", "b", "B")
	require.NoError(t, err)
	f.bc.reset()

	room, err := f.coord.Join(f.ctx, "roomSAME", "a-again", "A")
	require.NoError(t, err)

	require.Len(t, room.Participants, 2, "重复加入不应产生重复座位")
	assert.Equal(t, "A", room.Participants[0].ConnectionID, "重复加入应保留原座位")
	assert.Equal(t, "a-again", room.Participants[0].Nickname)
	assert.Equal(t, []string{dto.EventRoomUpdate}, eventNames(f.bc.all()))
	assert.True(t, f.bc.subscribed("roomSAME", "A"))
}

func TestSessionCoordinator_Join_SameRoomAfterStartKeepsSeat(t *testing.T) {
	f := newSessionFixture(t)
	f.startedRoom(t, "roomLOCKED", "A", "B")

	room, err := f.coord.Join(f.ctx, "roomLOCKED", "player-A", "A")

	require.NoError(t, err, "已在房间中的玩家重复加入不应因开局而失败")
	require.Len(t, room.Participants, 2)
	assert.Equal(t, "A", room.Participants[0].ConnectionID)
	assert.Equal(t, "A", *room.CurrentTurn, "回合不应改变")

	stored := f.room(t, "roomLOCKED")
	assert.Len(t, stored.Participants, 2)
	assert.Equal(t, "A", *stored.CurrentTurn)

	// 未入座的连接仍然不能加入已开局的房间
	_, err = f.coord.Join(f.ctx, "roomLOCKED", "late", "C")
	assert.ErrorIs(t, err, service.ErrGameAlreadyStarted)
}

// --- StartGame ---

func TestSessionCoordinator_StartGame(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.coord.StartGame(f.ctx, "roomNONE")
	assert.ErrorIs(t, err, service.ErrRoomNotFound)

	f.seedRoom(t, "roomGAME", "a", "b", "c")
	_, err = f.coord.StartGame(f.ctx, "roomGAME")
	assert.ErrorIs(t, err, service.ErrNoPlayers)

	_, err = f.coord.Join(f.ctx, "roomGAME", "first", "P1")
	require.NoError(t, err)
	_, err = f.coord.Join(f.ctx, "roomGAME", "second", "P2")
	require.NoError(t, err)
	f.bc.reset()

	_, err = f.coord.StartGame(f.ctx, "roomGAME")
	assert.ErrorIs(t, err, service.ErrNotEnoughTopics)
	assert.False(t, f.room(t, "roomGAME").IsLocked, "失败时状态不变")
	assert.Empty(t, f.bc.all())

	_, err = f.coord.AddTopic(f.ctx, "roomGAME", "d")
	require.NoError(t, err)
	f.bc.reset()

	room, err := f.coord.StartGame(f.ctx, "roomGAME")
	require.NoError(t, err)
	assert.True(t, room.IsLocked)
	require.NotNil(t, room.CurrentTurn)
	assert.Equal(t, "P1", *room.CurrentTurn)
	assert.Equal(t, []string{dto.EventGameStarted, dto.EventRoomUpdate}, eventNames(f.bc.all()))

	_, err = f.coord.StartGame(f.ctx, "roomGAME")
	assert.ErrorIs(t, err, service.ErrGameAlreadyStarted)
}

// --- Spin ---

func TestSessionCoordinator_SpinScenario(t *testing.T) {
	f := newSessionFixture(t)
	f.startedRoom(t, "roomSPIN", "A", "B", "C")
	f.index = 2 // 选中 "food"

	index, err := f.coord.StartSpin(f.ctx, "roomSPIN", "A")
	require.NoError(t, err)
	assert.Equal(t, 2, index)

	room := f.room(t, "roomSPIN")
	assert.True(t, room.IsProcessingSpin)
	require.NotNil(t, room.SelectedTopic)
	assert.Contains(t, room.Topics, *room.SelectedTopic)

	events := f.bc.all()
	require.Len(t, events, 1)
	assert.Equal(t, dto.EventSpinStarted, events[0].Event)
	assert.Equal(t, dto.SpinStartedPayload{PrizeNumber: 2}, events[0].Payload, "只广播下标，不泄露话题")

	_, err = f.coord.StartSpin(f.ctx, "roomSPIN", "A")
	assert.ErrorIs(t, err, service.ErrSpinInProgress)

	_, err = f.coord.CompleteSpin(f.ctx, "roomSPIN", "B")
	assert.ErrorIs(t, err, service.ErrNotYourTurn, "只有当前回合的玩家可以完成旋转")
	assert.Equal(t, "A", *f.room(t, "roomSPIN").CurrentTurn)

	f.bc.reset()
	result, err := f.coord.CompleteSpin(f.ctx, "roomSPIN", "A")
	require.NoError(t, err)
	assert.Equal(t, "food", result.Topic)
	require.NotNil(t, result.CurrentTurn)
	assert.Equal(t, "B", *result.CurrentTurn)
	assert.Equal(t, []string{"movies", "travel", "music", "books"}, result.Topics)

	room = f.room(t, "roomSPIN")
	assert.NotContains(t, room.Topics, "food")
	assert.Nil(t, room.SelectedTopic)
	assert.False(t, room.IsProcessingSpin)
	assert.Equal(t, "B", *room.CurrentTurn)

	events = f.bc.all()
	require.Len(t, events, 1)
	assert.Equal(t, dto.EventSpinResult, events[0].Event)

	// 回合在最后一位之后回到第一位
	for _, id := range []string{"B", "C"} {
		_, err := f.coord.StartSpin(f.ctx, "roomSPIN", id)
		require.NoError(t, err)
		_, err = f.coord.CompleteSpin(f.ctx, "roomSPIN", id)
		require.NoError(t, err)
	}
	assert.Equal(t, "A", *f.room(t, "roomSPIN").CurrentTurn)
}

func TestSessionCoordinator_StartSpin_Failures(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.coord.StartSpin(f.ctx, "roomNONE", "A")
	assert.ErrorIs(t, err, service.ErrRoomNotFound)

	f.startedRoom(t, "roomFAIL", "A", "B")
	before := f.room(t, "roomFAIL")

	_, err = f.coord.StartSpin(f.ctx, "roomFAIL", "B")
	assert.ErrorIs(t, err, service.ErrNotYourTurn)
	_, err = f.coord.StartSpin(f.ctx, "roomFAIL", "stranger")
	assert.ErrorIs(t, err, service.ErrNotYourTurn)

	after := f.room(t, "roomFAIL")
	assert.Equal(t, before.Topics, after.Topics)
	assert.False(t, after.IsProcessingSpin)
	assert.Empty(t, f.bc.all())

	// 未开局的房间没有回合持有者
	f.seedRoom(t, "roomOPEN", "a", "b", "c", "d")
	_, err = f.coord.Join(f.ctx, "roomOPEN", "x", "X")
	require.NoError(t, err)
	_, err = f.coord.StartSpin(f.ctx, "roomOPEN", "X")
	assert.ErrorIs(t, err, service.ErrNotYourTurn)
}

func TestSessionCoordinator_CompleteSpin_Failures(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.coord.CompleteSpin(f.ctx, "roomNONE", "A")
	assert.ErrorIs(t, err, service.ErrRoomNotFound)

	f.startedRoom(t, "roomDONE", "A")
	_, err = f.coord.CompleteSpin(f.ctx, "roomDONE", "A")
	assert.ErrorIs(t, err, service.ErrNoTopicSelected)

	// 消耗完所有话题
	for i := 0; i < 5; i++ {
		_, err := f.coord.StartSpin(f.ctx, "roomDONE", "A")
		require.NoError(t, err)
		_, err = f.coord.CompleteSpin(f.ctx, "roomDONE", "A")
		require.NoError(t, err)
	}
	assert.Empty(t, f.room(t, "roomDONE").Topics)

	_, err = f.coord.CompleteSpin(f.ctx, "roomDONE", "A")
	assert.ErrorIs(t, err, service.ErrNoTopicsLeft)
	_, err = f.coord.StartSpin(f.ctx, "roomDONE", "A")
	assert.ErrorIs(t, err, service.ErrNoTopicsLeft)
}

// --- AddTopic ---

func TestSessionCoordinator_AddTopic(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.coord.AddTopic(f.ctx, "roomNONE", "cats")
	assert.ErrorIs(t, err, service.ErrRoomNotFound)

	f.seedRoom(t, "roomTOPIC")
	_, err = f.coord.AddTopic(f.ctx, "roomTOPIC", "   ")
	assert.ErrorIs(t, err, service.ErrInvalidInput)

	room, err := f.coord.AddTopic(f.ctx, "roomTOPIC", "  cats ")
	require.NoError(t, err)
	assert.Equal(t, []string{"cats"}, []string(room.Topics))

	events := f.bc.all()
	require.Len(t, events, 1)
	assert.Equal(t, dto.EventRoomTopics, events[0].Event)
	assert.Equal(t, []string{"cats"}, events[0].Payload, "只广播话题列表")

	for i := 1; i < domain.MaxTopics; i++ {
		_, err := f.coord.AddTopic(f.ctx, "roomTOPIC", fmt.Sprintf("topic-%d", i))
		require.NoError(t, err)
	}
	f.bc.reset()

	_, err = f.coord.AddTopic(f.ctx, "roomTOPIC", "one too many")
	assert.ErrorIs(t, err, service.ErrTooManyTopics)
	assert.Len(t, f.room(t, "roomTOPIC").Topics, domain.MaxTopics)
	assert.Empty(t, f.bc.all(), "第 26 个话题失败时不应广播")
}

func TestSessionCoordinator_AddTopic_BlockedDuringSpin(t *testing.T) {
	f := newSessionFixture(t)
	f.startedRoom(t, "roomBUSY", "A")

	_, err := f.coord.StartSpin(f.ctx, "roomBUSY", "A")
	require.NoError(t, err)

	_, err = f.coord.AddTopic(f.ctx, "roomBUSY", "sneaky")
	assert.ErrorIs(t, err, service.ErrSpinInProgress)
	assert.NotContains(t, f.room(t, "roomBUSY").Topics, "sneaky")

	_, err = f.coord.CompleteSpin(f.ctx, "roomBUSY", "A")
	require.NoError(t, err)
	_, err = f.coord.AddTopic(f.ctx, "roomBUSY", "allowed again")
	assert.NoError(t, err)
}

func TestSessionCoordinator_AddTopic_ConcurrentWritesAreSerialized(t *testing.T) {
	f := newSessionFixture(t)
	f.seedRoom(t, "roomRACE")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.coord.AddTopic(f.ctx, "roomRACE", fmt.Sprintf("topic-%02d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, f.room(t, "roomRACE").Topics, 20, "同一房间的写入不应互相覆盖")
}

// --- Leave ---

func TestSessionCoordinator_Leave(t *testing.T) {
	f := newSessionFixture(t)
	f.startedRoom(t, "roomLEAVE", "A", "B", "C")

	// 非回合持有者离开
	f.coord.Leave(f.ctx, "C")
	room := f.room(t, "roomLEAVE")
	assert.Len(t, room.Participants, 2)
	assert.Equal(t, "A", *room.CurrentTurn)

	// 回合持有者离开，交给原顺序中的下一位
	f.coord.Leave(f.ctx, "A")
	room = f.room(t, "roomLEAVE")
	require.Len(t, room.Participants, 1)
	assert.Equal(t, "B", *room.CurrentTurn)
	assert.Equal(t, []string{dto.EventRoomUpdate, dto.EventRoomUpdate}, eventNames(f.bc.all()))
	assert.False(t, f.bc.subscribed("roomLEAVE", "A"))

	f.coord.Leave(f.ctx, "B")
	room = f.room(t, "roomLEAVE")
	assert.Empty(t, room.Participants)
	assert.Nil(t, room.CurrentTurn)
	assert.True(t, room.IsLocked, "锁定状态不会回退")

	f.bc.reset()
	f.coord.Leave(f.ctx, "never-joined")
	assert.Empty(t, f.bc.all())
}

func TestSessionCoordinator_Leave_RoomAlreadyDeleted(t *testing.T) {
	f := newSessionFixture(t)
	f.seedRoom(t, "roomGONE")
	_, err := f.coord.Join(f.ctx, "roomGONE", "a", "A")
	require.NoError(t, err)
	require.NoError(t, f.repo.Delete(f.ctx, "roomGONE"))
	f.bc.reset()

	f.coord.Leave(f.ctx, "A")

	_, ok := f.coord.RoomOf("A")
	assert.False(t, ok)
	assert.Empty(t, f.bc.all())
}

// --- 持久化失败 ---

func TestSessionCoordinator_SaveFailure_IsInternalAndSilent(t *testing.T) {
	mockRoomRepo := new(mocks.RoomRepository)
	bc := newRecordingBroadcaster()
	coord := service.NewSessionCoordinator(mockRoomRepo, bc, service.NewRoomLocks())
	ctx := context.Background()

	room := domain.NewRoom("roomDBERR", time.Now())
	mockRoomRepo.On("FindByCode", ctx, "roomDBERR").Return(room, nil).Once()
	mockRoomRepo.On("Save", ctx, mock.AnythingOfType("*domain.Room")).Return(errors.New("disk full")).Once()

	_, err := coord.AddTopic(ctx, "roomDBERR", "cats")

	assert.ErrorIs(t, err, service.ErrInternalServer)
	assert.Empty(t, bc.all(), "保存失败时不应广播")
	mockRoomRepo.AssertExpectations(t)
}

func TestSessionCoordinator_Leave_SaveFailureClearsMembership(t *testing.T) {
	mockRoomRepo := new(mocks.RoomRepository)
	bc := newRecordingBroadcaster()
	coord := service.NewSessionCoordinator(mockRoomRepo, bc, service.NewRoomLocks())
	ctx := context.Background()

	room := domain.NewRoom("roomLEAK", time.Now())
	mockRoomRepo.On("FindByCode", ctx, "roomLEAK").Return(room, nil).Twice()
	mockRoomRepo.On("Save", ctx, mock.AnythingOfType("*domain.Room")).Return(nil).Once()
	mockRoomRepo.On("Save", ctx, mock.AnythingOfType("*domain.Room")).Return(errors.New("connection reset")).Once()

	_, err := coord.Join(ctx, "roomLEAK", "a", "A")
	require.NoError(t, err)
	bc.reset()

	coord.Leave(ctx, "A")

	_, ok := coord.RoomOf("A")
	assert.False(t, ok, "保存失败后也应清除断开连接的成员关系")
	assert.False(t, bc.subscribed("roomLEAK", "A"))
	assert.Empty(t, bc.all(), "保存失败时不应广播")
	mockRoomRepo.AssertExpectations(t)
}
