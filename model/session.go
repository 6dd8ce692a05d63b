package model

import (
	"fmt"
	"time"
)

// Mode 表示训练会话的模式
type Mode string

const (
	ModeTrain  Mode = "train"  // 训练模式，允许教练提示
	ModeExam   Mode = "exam"   // 考试模式，禁止任何提示
	ModeReplay Mode = "replay" // 回放模式
)

// Valid 判断模式是否合法
func (m Mode) Valid() bool {
	switch m {
	case ModeTrain, ModeExam, ModeReplay:
		return true
	}
	return false
}

// Status 表示会话状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Terminal 判断是否为终止状态，终止状态不可再迁移
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// CanTransition 判断状态迁移是否合法
// pending → active → {completed, aborted}，pending 也允许直接 aborted
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusActive || to == StatusAborted
	case StatusActive:
		return to == StatusCompleted || to == StatusAborted
	default:
		return false
	}
}

// Session 表示一次训练会话
type Session struct {
	ID         string     `gorm:"primaryKey;size:64" json:"id"`
	UserID     string     `gorm:"size:64;not null;index:idx_session_tuple" json:"user_id"`
	ScenarioID string     `gorm:"size:64;not null;index:idx_session_tuple" json:"scenario_id"`
	Mode       Mode       `gorm:"size:16;not null;index:idx_session_tuple" json:"mode"`
	Status     Status     `gorm:"size:16;not null;index" json:"status"`
	Seed       *int64     `json:"seed,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Transition 将会话迁移到新状态
// 参数:
//   - to: 目标状态
//   - now: 当前时间
//
// 返回:
//   - error: 非法迁移时返回错误，会话保持不变
func (s *Session) Transition(to Status, now time.Time) error {
	if !s.Status.CanTransition(to) {
		return fmt.Errorf("会话 %s 不能从 %s 迁移到 %s", s.ID, s.Status, to)
	}
	s.Status = to
	switch {
	case to == StatusActive && s.StartedAt == nil:
		s.StartedAt = &now
	case to.Terminal():
		s.EndedAt = &now
	}
	s.UpdatedAt = now
	return nil
}

// Matches 判断会话是否属于 (用户, 场景, 模式) 三元组
func (s Session) Matches(userID, scenarioID string, mode Mode) bool {
	return s.UserID == userID && s.ScenarioID == scenarioID && s.Mode == mode
}

// LastStart 返回会话最近一次开始的时间，未开始时使用创建时间
func (s Session) LastStart() time.Time {
	if s.StartedAt != nil {
		return *s.StartedAt
	}
	return s.CreatedAt
}
