package dto

import "github.com/jivanaryal/TopicJ-Spinner/internal/domain"

// CreateRoomResponse 是创建房间接口的响应
type CreateRoomResponse struct {
	Room          *domain.Room `json:"room"`
	ShareableLink string       `json:"shareableLink"`
}

// AddTopicRequest 是添加话题接口的请求体
type AddTopicRequest struct {
	RoomCode string `json:"roomCode" binding:"required"`
	Topic    string `json:"topic" binding:"required"`
}

// StartGameRequest 是开局预检查接口的请求体
type StartGameRequest struct {
	RoomCode string `json:"roomCode" binding:"required"`
}

// MessageResponse 只携带一条提示信息
type MessageResponse struct {
	Message string `json:"message"`
}
