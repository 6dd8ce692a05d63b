package session

import (
	"errors"
	"fmt"

	"lingzhi-trainer/store"
)

var (
	// ErrNotFound 会话不存在
	ErrNotFound = store.ErrNotFound
	// ErrTurnInProgress 上一轮AI回复尚未结束
	ErrTurnInProgress = errors.New("session: AI回复进行中")
	// ErrAlreadyStarted 开场轮次已经存在
	ErrAlreadyStarted = errors.New("session: 开场轮次已存在")
	// ErrSessionEnded 会话已处于终止状态
	ErrSessionEnded = errors.New("session: 会话已结束")
	// ErrNotActive 会话尚未开始
	ErrNotActive = errors.New("session: 会话尚未开始")
	// ErrEmptyMessage 消息内容为空
	ErrEmptyMessage = errors.New("session: 消息内容为空")
	// ErrInvalidMode 会话模式非法
	ErrInvalidMode = errors.New("session: 会话模式非法")
)

// TransportError 表示事件流无法打开或中途断开，会话仍可继续使用
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: 事件流传输失败: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
