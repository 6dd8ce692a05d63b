package session

import (
	"sync"
	"time"
)

// Timer 是会话的本地计时器，每秒累加一次，与事件流状态无关
type Timer struct {
	interval time.Duration

	mu      sync.Mutex
	elapsed time.Duration
	stop    chan struct{}
	done    chan struct{}
}

// NewTimer 创建计时器，interval<=0时为一秒
func NewTimer(interval time.Duration) *Timer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Timer{interval: interval}
}

// Start 从base开始计时，已经在运行时不做任何事
func (t *Timer) Start(base time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return
	}
	t.elapsed = base
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run(t.stop, t.done)
}

func (t *Timer) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			t.elapsed += t.interval
			t.mu.Unlock()
		}
	}
}

// Stop 停止计时并等待计时协程退出，可重复调用
func (t *Timer) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop = nil
	t.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Running 判断计时器是否在运行
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}

// Elapsed 返回已经计时的时长
func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}
