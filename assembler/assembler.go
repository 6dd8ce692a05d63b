// Package assembler 把事件流中的增量拼装成完整的AI轮次。
//
// Assembler 是纯粹的归约器：只根据输入事件产生更新，不做任何I/O，
// 由调用方把更新写入账本或推送给界面。
package assembler

import (
	"strings"

	"lingzhi-trainer/model"
)

// ErrorMarker 是错误轮次内容的前缀
const ErrorMarker = "[错误] "

// DefaultErrorMessage 在错误事件没有内容时使用
const DefaultErrorMessage = "AI 回复失败，请重试"

// Kind 表示更新的种类
type Kind int

const (
	// KindDelta 进行中的轮次内容有变化
	KindDelta Kind = iota + 1
	// KindFinal 轮次正常结束
	KindFinal
	// KindError 轮次以错误结束
	KindError
	// KindTruncated 轮次被打断
	KindTruncated
	// KindHint 教练提示，与轮次内容无关
	KindHint
)

func (k Kind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindFinal:
		return "final"
	case KindError:
		return "error"
	case KindTruncated:
		return "truncated"
	case KindHint:
		return "hint"
	}
	return "unknown"
}

// Terminal 判断更新是否结束轮次
func (k Kind) Terminal() bool {
	return k == KindFinal || k == KindError || k == KindTruncated
}

// Update 是一次归约的输出
type Update struct {
	Kind         Kind
	Turn         model.Turn
	IsTyping     bool
	Hint         string
	// CoachHint 是调度器接受提示后生成的记录，由会话管理器填充
	CoachHint    *model.CoachHint
	Delta        string
	FinishReason string
}

// Assembler 为一个进行中的AI轮次维护缓冲区
type Assembler struct {
	sessionID    string
	turnNumber   int
	buf          strings.Builder
	started      bool
	finishReason string
	terminal     bool
}

// New 为指定轮次创建归约器
func New(sessionID string, turnNumber int) *Assembler {
	return &Assembler{sessionID: sessionID, turnNumber: turnNumber}
}

// Apply 处理一个事件，第二个返回值为false表示事件被忽略
func (a *Assembler) Apply(ev model.StreamEvent) (Update, bool) {
	if a.terminal {
		return Update{}, false
	}

	switch ev.Type {
	case model.EventNPCResponse:
		if ev.Content == "" {
			return Update{}, false
		}
		a.started = true
		a.buf.WriteString(ev.Content)
		return Update{Kind: KindDelta, Turn: a.turn(a.buf.String()), IsTyping: true, Delta: ev.Content}, true

	case model.EventCoachTip:
		if strings.TrimSpace(ev.Content) == "" {
			return Update{}, false
		}
		return Update{Kind: KindHint, Hint: ev.Content, IsTyping: a.started}, true

	case model.EventFinish:
		a.finishReason = ev.FinishReason
		return Update{}, false

	case model.EventDone:
		return a.finalize(), true

	case model.EventError:
		return a.Fail(ev.Content), true
	}
	return Update{}, false
}

// Fail 以错误结束轮次，用于错误事件和传输失败
func (a *Assembler) Fail(reason string) Update {
	a.terminal = true
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultErrorMessage
	}
	t := a.turn(ErrorMarker + reason)
	t.IsError = true
	return Update{Kind: KindError, Turn: t, FinishReason: a.finishReason}
}

// Truncate 在打断时结束轮次，保留已经拼好的内容
func (a *Assembler) Truncate() Update {
	a.terminal = true
	t := a.turn(a.buf.String())
	t.Truncated = true
	return Update{Kind: KindTruncated, Turn: t, FinishReason: "interrupted"}
}

// Done 表示流在没有done事件的情况下结束（传输关闭），按正常结束处理
func (a *Assembler) Done() Update {
	if a.terminal {
		return Update{}
	}
	return a.finalize()
}

// Started 判断是否已经收到过增量
func (a *Assembler) Started() bool {
	return a.started
}

func (a *Assembler) finalize() Update {
	a.terminal = true
	return Update{Kind: KindFinal, Turn: a.turn(a.buf.String()), FinishReason: a.finishReason}
}

// turn 构造当前轮次，只有终止更新的轮次是定稿的
func (a *Assembler) turn(content string) model.Turn {
	return model.Turn{
		SessionID:  a.sessionID,
		TurnNumber: a.turnNumber,
		Role:       model.RoleNPC,
		Content:    content,
		Final:      a.terminal,
	}
}
