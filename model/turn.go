package model

import "time"

// FirstTurnNumber 是每个会话第一条轮次的编号
const FirstTurnNumber = 0

// Role 表示轮次的发言方
type Role string

const (
	RoleUser  Role = "user"
	RoleNPC   Role = "npc"
	RoleCoach Role = "coach"
)

// Turn 表示会话中的一条记录
type Turn struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID  string    `gorm:"size:64;not null;uniqueIndex:idx_turn_session_number" json:"session_id"`
	TurnNumber int       `gorm:"not null;uniqueIndex:idx_turn_session_number" json:"turn"`
	Role       Role      `gorm:"size:16;not null" json:"role"`
	Content    string    `gorm:"type:text" json:"content"`
	IsError    bool      `gorm:"default:false" json:"is_error,omitempty"`
	Truncated  bool      `gorm:"default:false" json:"truncated,omitempty"`
	Final      bool      `gorm:"default:false" json:"final"`
	CreatedAt  time.Time `json:"created_at"`
}
