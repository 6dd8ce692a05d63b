// Package coach 管理教练提示的显示和自动过期。
package coach

import (
	"errors"
	"strings"
	"sync"
	"time"

	"lingzhi-trainer/model"

	"github.com/google/uuid"
)

// ErrSuppressed 考试模式下不显示任何提示
var ErrSuppressed = errors.New("coach: 考试模式不提供提示")

// Scheduler 决定提示何时显示、何时清除。
// 新提示会替换当前提示并重新计时，过期的计时器不会清除更新的提示。
type Scheduler struct {
	mode     model.Mode
	lifetime time.Duration
	onChange func(hint *model.CoachHint)
	now      func() time.Time

	mu         sync.Mutex
	current    *model.CoachHint
	timer      *time.Timer
	generation uint64
	stopped    bool
}

// NewScheduler 创建提示调度器
// 参数:
//   - mode: 会话模式，exam模式下所有提示被屏蔽
//   - lifetime: 提示显示时长，<=0时使用model.HintLifetime
//   - onChange: 提示变化时回调，参数为nil表示提示已清除，可为nil
func NewScheduler(mode model.Mode, lifetime time.Duration, onChange func(hint *model.CoachHint)) *Scheduler {
	if lifetime <= 0 {
		lifetime = model.HintLifetime
	}
	return &Scheduler{
		mode:     mode,
		lifetime: lifetime,
		onChange: onChange,
		now:      time.Now,
	}
}

// Suppressed 判断提示是否被屏蔽
func (s *Scheduler) Suppressed() bool {
	return s.mode == model.ModeExam
}

// OnHint 显示一条新提示，返回false表示提示被屏蔽或调度器已停止
func (s *Scheduler) OnHint(content string) bool {
	content = strings.TrimSpace(content)
	if content == "" || s.Suppressed() {
		return false
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.generation++
	gen := s.generation
	now := s.now()
	hint := &model.CoachHint{
		ID:        uuid.NewString(),
		Content:   content,
		CreatedAt: now,
		ExpiresAt: now.Add(s.lifetime),
	}
	s.current = hint
	s.timer = time.AfterFunc(s.lifetime, func() { s.expire(gen) })
	s.mu.Unlock()

	s.notify(hint)
	return true
}

// Current 返回当前显示的提示
func (s *Scheduler) Current() (model.CoachHint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return model.CoachHint{}, false
	}
	return *s.current, true
}

// Clear 立即清除当前提示
func (s *Scheduler) Clear() {
	s.mu.Lock()
	had := s.clearLocked()
	s.mu.Unlock()
	if had {
		s.notify(nil)
	}
}

// Stop 清除提示并拒绝后续提示，会话结束时调用
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.clearLocked()
	s.mu.Unlock()
}

func (s *Scheduler) clearLocked() bool {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	had := s.current != nil
	s.current = nil
	return had
}

// expire 只清除由同一代计时器创建的提示
func (s *Scheduler) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.current == nil {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.timer = nil
	s.mu.Unlock()
	s.notify(nil)
}

func (s *Scheduler) notify(hint *model.CoachHint) {
	if s.onChange != nil {
		s.onChange(hint)
	}
}
