package session

import (
	"context"
	"fmt"
	"time"

	"lingzhi-trainer/log"

	"github.com/robfig/cron/v3"
)

// cronParser 使用标准的5段cron表达式（分 时 日 月 周）
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Sweeper 按cron计划中止长时间没有活动的会话
type Sweeper struct {
	manager *Manager
	maxIdle time.Duration
	cron    *cron.Cron
}

// NewSweeper 创建空闲会话清理器
// 参数:
//   - m: 会话管理器
//   - schedule: 5段cron表达式
//   - maxIdle: 最长空闲时间
//
// 返回:
//   - *Sweeper: 清理器，需要调用Start启动
//   - error: 表达式无法解析时返回
func NewSweeper(m *Manager, schedule string, maxIdle time.Duration) (*Sweeper, error) {
	if maxIdle <= 0 {
		return nil, fmt.Errorf("session: 空闲时间必须大于0")
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("session: 解析清理计划 %q 失败: %w", schedule, err)
	}

	s := &Sweeper{
		manager: m,
		maxIdle: maxIdle,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
	s.cron.Schedule(sched, cron.FuncJob(s.sweep))
	return s, nil
}

// Start 启动计划任务
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop 停止计划任务，等待正在执行的清理结束
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.manager.SweepIdle(ctx, s.maxIdle)
	if err != nil {
		log.Errorf("清理空闲会话失败: %v", err)
		return
	}
	if n > 0 {
		log.Infof("已中止%d个空闲会话", n)
	}
}
