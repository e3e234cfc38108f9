package service

import (
	"errors"

	"github.com/jivanaryal/TopicJ-Spinner/internal/repository"
)

// 业务错误。错误信息会原样发送给发起操作的连接。
var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrGameAlreadyStarted = errors.New("game already started")
	ErrRoomFull           = errors.New("room full")
	ErrTooManyTopics      = errors.New("maximum 25 topics allowed")
	ErrNotYourTurn        = errors.New("not your turn")
	ErrSpinInProgress     = errors.New("spin already in progress")
	ErrNoPlayers          = errors.New("no players in the room")
	ErrNotEnoughTopics    = errors.New("minimum 4 topics required")
	ErrNoTopicsLeft       = errors.New("no topics left, game over")
	ErrNoTopicSelected    = errors.New("no topic selected")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalServer     = errors.New("internal server error")
)

// mapRepoError 将仓库层的错误映射到服务层定义的错误。
func mapRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return ErrRoomNotFound
	}
	return ErrInternalServer
}
