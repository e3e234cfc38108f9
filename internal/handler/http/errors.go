package http

import (
	"errors"
	"net/http"

	"github.com/jivanaryal/TopicJ-Spinner/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HandleServiceError 将服务层错误映射为 HTTP 状态码
func HandleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		ErrorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrNotYourTurn):
		ErrorResponse(c, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrSpinInProgress):
		ErrorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrGameAlreadyStarted),
		errors.Is(err, service.ErrRoomFull),
		errors.Is(err, service.ErrTooManyTopics),
		errors.Is(err, service.ErrNoPlayers),
		errors.Is(err, service.ErrNotEnoughTopics),
		errors.Is(err, service.ErrNoTopicsLeft),
		errors.Is(err, service.ErrNoTopicSelected),
		errors.Is(err, service.ErrInvalidInput):
		ErrorResponse(c, http.StatusBadRequest, err.Error())
	default:
		logrus.WithError(err).WithField("path", c.Request.URL.Path).Error("Unhandled internal server error")
		ErrorResponse(c, http.StatusInternalServerError, "An unexpected error occurred")
	}
}
