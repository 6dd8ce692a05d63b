package model

// EventType 表示事件流中的事件类型
type EventType string

const (
	EventNPCResponse EventType = "npc_response" // 增量内容，需要拼接
	EventCoachTip    EventType = "coach_tip"
	EventFinish      EventType = "finish"
	EventError       EventType = "error"
	EventDone        EventType = "done"
)

// StreamEvent 是事件流中的一条事件
type StreamEvent struct {
	Type         EventType `json:"type"`
	Content      string    `json:"content,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
}

// Terminal 判断事件是否结束一次逻辑流
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
