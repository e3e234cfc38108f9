package dto

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/jivanaryal/TopicJ-Spinner/internal/domain"
)

// 客户端 -> 服务端事件
const (
	EventJoinRoom  = "join-room"
	EventStartGame = "start-game"
	EventStartSpin = "start-spin"
	EventSpin      = "spin"
)

// 服务端 -> 客户端事件
const (
	EventConnected   = "connected"
	EventRoomUpdate  = "room-update"
	EventRoomTopics  = "room-topics"
	EventGameStarted = "game-started"
	EventSpinStarted = "start-spin" // 与客户端发起旋转的事件同名
	EventSpinResult  = "spin-result"
	EventError       = "error"
)

// ErrMissingRoomCode 表示事件负载中没有房间码
var ErrMissingRoomCode = errors.New("room code is required")

// IncomingEvent 表示从客户端 WebSocket 消息中解析出的事件信封
type IncomingEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutgoingEvent 表示发送给客户端的事件信封
type OutgoingEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// JoinRoomPayload 是 join-room 事件的负载
type JoinRoomPayload struct {
	RoomCode string `json:"roomCode"`
	Nickname string `json:"nickname"`
}

// RoomCodePayload 是 start-game / start-spin / spin 的对象形式负载
type RoomCodePayload struct {
	RoomCode string `json:"roomCode"`
}

// SpinStartedPayload 只携带选中的下标，话题本身在旋转完成时才揭晓
type SpinStartedPayload struct {
	PrizeNumber int `json:"prizeNumber"`
}

// SpinResultPayload 是 spin-result 事件的负载
type SpinResultPayload struct {
	Topic       string   `json:"topic"`
	CurrentTurn *string  `json:"currentTurn"`
	Topics      []string `json:"topics"`
}

// ConnectedPayload 在连接建立后告诉客户端自己的连接 ID
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// RoomPayload 是 REST 接口返回房间时的外层结构
type RoomPayload struct {
	Room *domain.Room `json:"room"`
}

// DecodeRoomCode 解析只携带房间码的事件负载。
// 同时接受 JSON 字符串 ("roomAB12") 和对象 ({"roomCode": "roomAB12"}) 两种形式。
func DecodeRoomCode(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", ErrMissingRoomCode
	}
	var code string
	if err := json.Unmarshal(raw, &code); err != nil {
		var obj RoomCodePayload
		if objErr := json.Unmarshal(raw, &obj); objErr != nil {
			return "", objErr
		}
		code = obj.RoomCode
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrMissingRoomCode
	}
	return code, nil
}
