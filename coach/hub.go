package coach

import (
	"sync"

	"lingzhi-trainer/model"
)

// Hub 把各会话的提示变化分发给订阅者，例如语音连接和正在推送的事件流。
// Publish同步调用订阅者，订阅者不能阻塞，也不能回调会话管理器。
type Hub struct {
	mu     sync.Mutex
	next   int
	topics map[string]map[int]func(hint *model.CoachHint)
}

// NewHub 创建提示分发器
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[int]func(hint *model.CoachHint))}
}

// Subscribe 订阅会话的提示变化，hint为nil表示提示已清除。返回取消订阅的函数
func (h *Hub) Subscribe(sessionID string, fn func(hint *model.CoachHint)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	subs, ok := h.topics[sessionID]
	if !ok {
		subs = make(map[int]func(hint *model.CoachHint))
		h.topics[sessionID] = subs
	}
	subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.topics[sessionID], id)
			if len(h.topics[sessionID]) == 0 {
				delete(h.topics, sessionID)
			}
		})
	}
}

// Publish 通知会话的全部订阅者，签名与session.Options.OnHint一致
func (h *Hub) Publish(sessionID string, hint *model.CoachHint) {
	h.mu.Lock()
	subs := make([]func(hint *model.CoachHint), 0, len(h.topics[sessionID]))
	for _, fn := range h.topics[sessionID] {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(hint)
	}
}
