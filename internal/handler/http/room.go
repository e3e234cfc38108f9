package http

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/jivanaryal/TopicJ-Spinner/internal/domain"
	"github.com/jivanaryal/TopicJ-Spinner/internal/dto"
	"github.com/jivanaryal/TopicJ-Spinner/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RoomHandler 封装了与房间管理相关的 HTTP 处理逻辑
type RoomHandler struct {
	roomService *service.RoomService
	session     *service.SessionCoordinator
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(roomService *service.RoomService, session *service.SessionCoordinator) *RoomHandler {
	if roomService == nil {
		panic("RoomService cannot be nil for RoomHandler")
	}
	if session == nil {
		panic("SessionCoordinator cannot be nil for RoomHandler")
	}
	return &RoomHandler{roomService: roomService, session: session}
}

// CreateRoom 创建新房间 (POST /api/rooms/create)
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	room, err := h.roomService.CreateRoom(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Handler.CreateRoom: Failed to create room via service")
		HandleServiceError(c, err)
		return
	}

	logrus.WithField("room_code", room.Code).Info("Handler.CreateRoom: Room created successfully")
	SuccessResponse(c, http.StatusCreated, dto.CreateRoomResponse{
		Room:          room,
		ShareableLink: h.roomService.ShareableLink(room.Code),
	})
}

// GetRoom 获取房间当前状态 (GET /api/rooms/:roomCode)
func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.roomService.GetRoom(c.Request.Context(), c.Param("roomCode"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, dto.RoomPayload{Room: room})
}

// AddTopic 向房间添加话题 (POST /api/rooms/add-topic)。
// 话题去除首尾空白后至少 3 个字符。
func (h *RoomHandler) AddTopic(c *gin.Context) {
	var req dto.AddTopicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.AddTopic: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "roomCode and topic are required")
		return
	}
	logCtx := logrus.WithField("room_code", req.RoomCode)

	topic := strings.TrimSpace(req.Topic)
	if utf8.RuneCountInString(topic) < domain.MinTopicLength {
		logCtx.Debug("Handler.AddTopic: Topic too short")
		ErrorResponse(c, http.StatusBadRequest, "topic must be at least 3 characters")
		return
	}

	room, err := h.session.AddTopic(c.Request.Context(), req.RoomCode, topic)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.AddTopic: Failed to add topic")
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, dto.RoomPayload{Room: room})
}

// StartGame 只做开局预检查 (POST /api/rooms/start-game)，真正的开局通过 start-game 事件完成
func (h *RoomHandler) StartGame(c *gin.Context) {
	var req dto.StartGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.StartGame: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "roomCode is required")
		return
	}

	if err := h.roomService.CheckStartEligibility(c.Request.Context(), req.RoomCode); err != nil {
		logrus.WithError(err).WithField("room_code", req.RoomCode).Debug("Handler.StartGame: Room not eligible")
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, dto.MessageResponse{Message: "Game can start"})
}
