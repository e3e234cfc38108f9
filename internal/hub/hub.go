package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jivanaryal/TopicJ-Spinner/internal/domain"
	"github.com/jivanaryal/TopicJ-Spinner/internal/dto"

	"github.com/sirupsen/logrus"
)

// 包级别的 WebSocket 常量，供 hub 和 client 使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// errUnknownEvent 客户端发送了无法识别的事件
var errUnknownEvent = errors.New("unknown event")

// errInvalidPayload 事件负载无法解析
var errInvalidPayload = errors.New("invalid payload")

// SessionHandler 是 Hub 把客户端事件转交的会话层，由 service.SessionCoordinator 实现。
type SessionHandler interface {
	Join(ctx context.Context, roomCode, nickname, connectionID string) (*domain.Room, error)
	StartGame(ctx context.Context, roomCode string) (*domain.Room, error)
	StartSpin(ctx context.Context, roomCode, connectionID string) (int, error)
	CompleteSpin(ctx context.Context, roomCode, connectionID string) (*dto.SpinResultPayload, error)
	Leave(ctx context.Context, connectionID string)
}

// HubMessage 定义了在 Hub 内部通道传递的消息类型
type HubMessage struct {
	Type   string // "register", "unregister"
	Client *Client
}

// Hub 维护活跃连接，并按房间码组织订阅关系用于广播。
type Hub struct {
	// 内部通道，处理连接的注册与注销
	messageChan chan HubMessage
	quit        chan struct{}
	stopOnce    sync.Once

	// clients: connectionID -> Client
	// rooms:   roomCode -> connectionID -> Client
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	// 保护 clients 和 rooms；关闭 send 通道也在写锁内进行
	mu sync.RWMutex

	session SessionHandler
}

// NewHub 创建并返回一个新的 Hub 实例。
// 会话层需要 Hub 作为广播器，因此在 Run 之前通过 SetSessionHandler 注入。
func NewHub() *Hub {
	return &Hub{
		messageChan: make(chan HubMessage, 512),
		quit:        make(chan struct{}),
		clients:     make(map[string]*Client),
		rooms:       make(map[string]map[string]*Client),
	}
}

// SetSessionHandler 注入会话层
func (h *Hub) SetSessionHandler(session SessionHandler) {
	h.session = session
}

// Run 启动 Hub 的主事件处理循环，应在单独的 goroutine 中运行。
func (h *Hub) Run() {
	if h.session == nil {
		panic("SessionHandler must be set before Hub.Run")
	}
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")

	for {
		select {
		case msg := <-h.messageChan:
			switch msg.Type {
			case "register":
				if h.registerClient(msg.Client) {
					msg.Client.Run()
				}
			case "unregister":
				if h.unregisterClient(msg.Client) {
					// 离开房间涉及存储读写，不阻塞主循环
					go h.session.Leave(context.Background(), msg.Client.ID())
				}
			default:
				log.Warnf("Hub: Received unknown message type: %s", msg.Type)
			}
		case <-h.quit:
			log.Info("Hub is shutting down...")
			h.closeAll()
			return
		}
	}
}

// Stop 结束主循环并关闭所有连接
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// QueueMessage 将消息放入 Hub 的处理队列 (非阻塞)。
// 返回 false 表示队列已满。
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case h.messageChan <- msg:
		return true
	default:
		fields := logrus.Fields{"message_type": msg.Type}
		if msg.Client != nil {
			fields["connection_id"] = msg.Client.ID()
		}
		logrus.WithFields(fields).Warn("Hub message channel full, dropping message")
		return false
	}
}

// --- Broadcaster ---

// Subscribe 把连接加入房间的广播集合。连接已断开时忽略。
func (h *Hub) Subscribe(roomCode, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client, ok := h.clients[connectionID]
	if !ok {
		logrus.WithFields(logrus.Fields{"room_code": roomCode, "connection_id": connectionID}).
			Debug("Subscribe ignored, connection already gone")
		return
	}
	members, ok := h.rooms[roomCode]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[roomCode] = members
	}
	members[connectionID] = client
}

// Unsubscribe 把连接移出房间的广播集合
func (h *Hub) Unsubscribe(roomCode, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoomLocked(roomCode, connectionID)
}

// Broadcast 将事件发送给房间当前的所有订阅者。
// 发送是非阻塞的，发送队列已满的连接会错过这条消息。
func (h *Hub) Broadcast(roomCode, event string, payload interface{}) {
	logCtx := logrus.WithFields(logrus.Fields{"room_code": roomCode, "event": event})
	message, err := json.Marshal(dto.OutgoingEvent{Event: event, Data: payload})
	if err != nil {
		logCtx.WithError(err).Error("Failed to marshal broadcast event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[roomCode]
	if len(members) == 0 {
		return
	}
	logCtx.WithField("recipient_count", len(members)).Debug("Broadcasting event to room")
	for id, client := range members {
		select {
		case client.send <- message:
		default:
			logCtx.WithField("connection_id", id).Warn("Client send channel full during broadcast, skipping this client")
		}
	}
}

// --- 客户端事件 ---

// HandleEvent 解析并处理一条来自客户端的消息。
// 由 Client 的读循环同步调用，因此同一连接上的事件按到达顺序处理。
func (h *Hub) HandleEvent(ctx context.Context, client *Client, raw []byte) {
	logCtx := logrus.WithField("connection_id", client.ID())

	var in dto.IncomingEvent
	if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
		logCtx.WithError(err).Warn("Received malformed event")
		h.sendError(client, errInvalidPayload)
		return
	}
	logCtx = logCtx.WithField("event", in.Event)
	logCtx.Debugf("Processing client event (data size: %d)", len(in.Data))

	var err error
	switch in.Event {
	case dto.EventJoinRoom:
		var payload dto.JoinRoomPayload
		if err = json.Unmarshal(in.Data, &payload); err != nil {
			err = errInvalidPayload
			break
		}
		_, err = h.session.Join(ctx, payload.RoomCode, payload.Nickname, client.ID())
	case dto.EventStartGame, dto.EventStartSpin, dto.EventSpin:
		var code string
		if code, err = dto.DecodeRoomCode(in.Data); err != nil {
			if !errors.Is(err, dto.ErrMissingRoomCode) {
				err = errInvalidPayload
			}
			break
		}
		err = h.dispatchRoomEvent(ctx, in.Event, code, client.ID())
	default:
		err = errUnknownEvent
	}

	if err != nil {
		logCtx.WithError(err).Warn("Client event rejected")
		h.sendError(client, err)
	}
}

func (h *Hub) dispatchRoomEvent(ctx context.Context, event, roomCode, connectionID string) error {
	var err error
	switch event {
	case dto.EventStartGame:
		_, err = h.session.StartGame(ctx, roomCode)
	case dto.EventStartSpin:
		_, err = h.session.StartSpin(ctx, roomCode, connectionID)
	case dto.EventSpin:
		_, err = h.session.CompleteSpin(ctx, roomCode, connectionID)
	}
	return err
}

// sendError 只把错误发送给发起操作的连接
func (h *Hub) sendError(client *Client, err error) {
	h.sendTo(client, dto.EventError, err.Error())
}

// sendTo 向单个连接发送事件，连接已注销时丢弃
func (h *Hub) sendTo(client *Client, event string, payload interface{}) {
	logCtx := logrus.WithFields(logrus.Fields{"connection_id": client.ID(), "event": event})
	message, err := json.Marshal(dto.OutgoingEvent{Event: event, Data: payload})
	if err != nil {
		logCtx.WithError(err).Error("Failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[client.ID()] != client {
		logCtx.Debug("Client no longer registered, message dropped")
		return
	}
	select {
	case client.send <- message:
	default:
		logCtx.Warn("Client send channel full, message dropped")
	}
}

// --- 注册与注销 ---

// registerClient 登记连接并告知其连接 ID
func (h *Hub) registerClient(client *Client) bool {
	if client == nil {
		logrus.Error("Hub: Attempted to register a nil client")
		return false
	}
	logCtx := logrus.WithFields(logrus.Fields{"connection_id": client.ID(), "action": "registerClient"})

	h.mu.Lock()
	if _, exists := h.clients[client.ID()]; exists {
		h.mu.Unlock()
		logCtx.Error("Duplicate connection id, refusing registration")
		return false
	}
	h.clients[client.ID()] = client
	h.mu.Unlock()
	logCtx.Info("Client registered to Hub")

	h.sendTo(client, dto.EventConnected, dto.ConnectedPayload{ConnectionID: client.ID()})
	return true
}

// unregisterClient 移除连接的所有订阅并关闭其发送通道。
// 返回 false 表示该连接未注册 (或已被注销)。
func (h *Hub) unregisterClient(client *Client) bool {
	if client == nil {
		logrus.Error("Hub: Attempted to unregister a nil client")
		return false
	}
	logCtx := logrus.WithFields(logrus.Fields{"connection_id": client.ID(), "action": "unregisterClient"})

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client.ID()] != client {
		logCtx.Warn("Client not found during unregister")
		return false
	}
	delete(h.clients, client.ID())
	for roomCode := range h.rooms {
		h.removeFromRoomLocked(roomCode, client.ID())
	}
	close(client.send)
	logCtx.Info("Client unregistered from Hub")
	return true
}

// removeFromRoomLocked 调用方必须持有写锁
func (h *Hub) removeFromRoomLocked(roomCode, connectionID string) {
	members, ok := h.rooms[roomCode]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(h.rooms, roomCode)
	}
}

// closeAll 在关闭时断开所有连接
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.send)
	}
	h.rooms = make(map[string]map[string]*Client)
}
