package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"
)

// 房间相关的固定限制
const (
	MaxParticipants   = 5  // 每个房间最多 5 名玩家
	MaxTopics         = 25 // 每个房间最多 25 个话题
	MinTopicsToStart  = 4  // 开始游戏至少需要 4 个话题
	MinTopicLength    = 3  // 提交话题的最小长度 (由提交入口校验)
	MaxNicknameLength = 20 // 昵称最大长度 (按字符计)

	// IdleTTL 空房间在最后一次活动后可被清理的时间
	IdleTTL = 10 * time.Minute

	CodePrefix = "room"
	CodeLength = 4 // 前缀之后的随机字符数
)

// Participant 表示房间中占据一个座位的连接。
type Participant struct {
	ConnectionID string `json:"connectionId"`
	Nickname     string `json:"nickname"`
}

// Room 表示一局游戏会话，也是唯一持久化的实体。
// Participants 的顺序即轮转顺序。
type Room struct {
	ID               uint                            `gorm:"primaryKey" json:"-"`
	Code             string                          `gorm:"uniqueIndex;size:32;not null" json:"code"`
	Participants     datatypes.JSONSlice[Participant] `gorm:"not null" json:"participants"`
	Topics           datatypes.JSONSlice[string]      `gorm:"not null" json:"topics"`
	IsLocked         bool                            `gorm:"index;not null;default:false" json:"isLocked"`
	CurrentTurn      *string                         `gorm:"size:64" json:"currentTurn"`
	SelectedTopic    *string                         `gorm:"type:text" json:"-"` // 旋转完成前不下发给客户端
	IsProcessingSpin bool                            `gorm:"not null;default:false" json:"isProcessingSpin"`
	LastActiveAt     time.Time                       `gorm:"index;not null" json:"lastActiveAt"`
	CreatedAt        time.Time                       `gorm:"autoCreateTime" json:"createdAt"`

	activityPinned bool
}

// TurnPolicy 决定当前回合持有者离开房间后回合交给谁。
type TurnPolicy int

const (
	// TurnToFirst 回合交给剩余玩家中的第一位 (连接切换房间时使用)
	TurnToFirst TurnPolicy = iota
	// TurnToNext 回合交给原顺序中紧随其后的玩家 (断开连接时使用)
	TurnToNext
)

// NewRoom 创建一个空的、未锁定的房间。
func NewRoom(code string, now time.Time) *Room {
	return &Room{
		Code:         code,
		Participants: datatypes.JSONSlice[Participant]{},
		Topics:       datatypes.JSONSlice[string]{},
		LastActiveAt: now,
	}
}

// IndexOf 返回连接在玩家列表中的位置，不存在时返回 -1。
func (r *Room) IndexOf(connectionID string) int {
	for i, p := range r.Participants {
		if p.ConnectionID == connectionID {
			return i
		}
	}
	return -1
}

// HasParticipant 判断连接是否在房间中。
func (r *Room) HasParticipant(connectionID string) bool {
	return r.IndexOf(connectionID) >= 0
}

// IsTurnOf 判断当前是否轮到该连接。
func (r *Room) IsTurnOf(connectionID string) bool {
	return r.CurrentTurn != nil && *r.CurrentTurn == connectionID
}

// IsFull 玩家是否已满。
func (r *Room) IsFull() bool { return len(r.Participants) >= MaxParticipants }

// TopicsFull 话题是否已满。
func (r *Room) TopicsFull() bool { return len(r.Topics) >= MaxTopics }

// AddParticipant 追加一名玩家，容量检查由调用方负责。
func (r *Room) AddParticipant(p Participant) {
	r.Participants = append(r.Participants, p)
}

// RemoveParticipant 移除连接对应的玩家，并在需要时按 policy 重新分配回合。
// 返回 false 表示该连接不在房间中。
func (r *Room) RemoveParticipant(connectionID string, policy TurnPolicy) bool {
	idx := r.IndexOf(connectionID)
	if idx < 0 {
		return false
	}
	remaining := make(datatypes.JSONSlice[Participant], 0, len(r.Participants)-1)
	remaining = append(remaining, r.Participants[:idx]...)
	remaining = append(remaining, r.Participants[idx+1:]...)
	r.Participants = remaining

	if !r.IsTurnOf(connectionID) {
		return true
	}
	if len(remaining) == 0 {
		r.CurrentTurn = nil
		return true
	}
	next := 0
	if policy == TurnToNext {
		next = idx % len(remaining)
	}
	r.CurrentTurn = stringPtr(remaining[next].ConnectionID)
	return true
}

// NextTurn 计算当前回合之后的下一位玩家 (循环)。
// 当前回合持有者不在列表中时视为 -1，即落到第 0 位。
func (r *Room) NextTurn() *string {
	if len(r.Participants) == 0 {
		return nil
	}
	current := -1
	if r.CurrentTurn != nil {
		current = r.IndexOf(*r.CurrentTurn)
	}
	next := (current + 1) % len(r.Participants)
	return stringPtr(r.Participants[next].ConnectionID)
}

// AddTopic 追加话题，容量检查由调用方负责。
func (r *Room) AddTopic(text string) {
	r.Topics = append(r.Topics, text)
}

// RemoveTopic 删除所有与 text 相同的话题。
func (r *Room) RemoveTopic(text string) {
	kept := make(datatypes.JSONSlice[string], 0, len(r.Topics))
	for _, t := range r.Topics {
		if t != text {
			kept = append(kept, t)
		}
	}
	r.Topics = kept
}

// Lock 锁定房间并把回合交给第一位玩家。
func (r *Room) Lock() {
	r.IsLocked = true
	r.CurrentTurn = nil
	if len(r.Participants) > 0 {
		r.CurrentTurn = stringPtr(r.Participants[0].ConnectionID)
	}
}

// BeginSpin 进入旋转中状态，记录选中的话题值 (而不是下标)。
func (r *Room) BeginSpin(topic string) {
	r.IsProcessingSpin = true
	r.SelectedTopic = stringPtr(topic)
}

// FinishSpin 消耗选中的话题、清空旋转状态并推进回合，返回被揭晓的话题。
func (r *Room) FinishSpin() string {
	topic := ""
	if r.SelectedTopic != nil {
		topic = *r.SelectedTopic
	}
	r.RemoveTopic(topic)
	r.SelectedTopic = nil
	r.IsProcessingSpin = false
	r.CurrentTurn = r.NextTurn()
	return topic
}

// IsExpired 判断房间是否可被清理任务删除：无玩家、未锁定且闲置超过 IdleTTL。
func (r *Room) IsExpired(now time.Time) bool {
	return len(r.Participants) == 0 && !r.IsLocked && r.LastActiveAt.Before(now.Add(-IdleTTL))
}

// Touch 记录一次活动。
func (r *Room) Touch(now time.Time) {
	r.LastActiveAt = now
}

// SetLastActive 显式指定活动时间，下一次保存时存储层不会覆盖它。
func (r *Room) SetLastActive(t time.Time) {
	r.LastActiveAt = t
	r.activityPinned = true
}

// RefreshActivity 由存储层在保存时调用。
// 调用方通过 SetLastActive 指定过时间时保留该值，否则刷新为 now。
func (r *Room) RefreshActivity(now time.Time) {
	if r.activityPinned {
		r.activityPinned = false
		return
	}
	r.LastActiveAt = now
}

// EnsureCollections 保证 JSON 列不会写入 null。
func (r *Room) EnsureCollections() {
	if r.Participants == nil {
		r.Participants = datatypes.JSONSlice[Participant]{}
	}
	if r.Topics == nil {
		r.Topics = datatypes.JSONSlice[string]{}
	}
}

// Clone 返回房间的深拷贝。
func (r *Room) Clone() *Room {
	c := *r
	c.Participants = append(datatypes.JSONSlice[Participant]{}, r.Participants...)
	c.Topics = append(datatypes.JSONSlice[string]{}, r.Topics...)
	if r.CurrentTurn != nil {
		c.CurrentTurn = stringPtr(*r.CurrentTurn)
	}
	if r.SelectedTopic != nil {
		c.SelectedTopic = stringPtr(*r.SelectedTopic)
	}
	return &c
}

// NormalizeNickname 去除首尾空白并截断到 MaxNicknameLength 个字符。
func NormalizeNickname(nickname string) string {
	nickname = strings.TrimSpace(nickname)
	if utf8.RuneCountInString(nickname) <= MaxNicknameLength {
		return nickname
	}
	return string([]rune(nickname)[:MaxNicknameLength])
}

func stringPtr(s string) *string { return &s }
