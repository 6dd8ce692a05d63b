// Package session 管理训练会话的生命周期：创建或恢复、开场、发送消息、结束。
//
// 每个会话同一时间只允许一个AI轮次在进行中。进行中的轮次由一把会话锁保护，
// 解码循环对账本的每次写入、打断和结束都在这把锁下完成，因此被取消的解码
// 不会再向账本写入任何增量。
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"lingzhi-trainer/assembler"
	"lingzhi-trainer/backend"
	"lingzhi-trainer/coach"
	"lingzhi-trainer/ledger"
	"lingzhi-trainer/log"
	"lingzhi-trainer/model"
	"lingzhi-trainer/stream"
)

// Backend 是生命周期管理器依赖的外部后端接口
type Backend interface {
	CreateSession(ctx context.Context, cred backend.Credential, req backend.CreateSessionRequest) (model.Session, error)
	GetSession(ctx context.Context, cred backend.Credential, id string) (model.Session, error)
	ListSessions(ctx context.Context, cred backend.Credential, status model.Status) ([]model.Session, error)
	StartSession(ctx context.Context, cred backend.Credential, id string) (*stream.Decoder, error)
	SendMessage(ctx context.Context, cred backend.Credential, id, content string) (*stream.Decoder, error)
	EndSession(ctx context.Context, cred backend.Credential, id string, status model.Status) error
	History(ctx context.Context, cred backend.Credential, id string) ([]model.Turn, error)
	RequestHint(ctx context.Context, cred backend.Credential, id string) (string, error)
}

// Repository 是本地会话索引
type Repository interface {
	Save(ctx context.Context, s model.Session) error
	Get(ctx context.Context, id string) (model.Session, error)
	FindOpen(ctx context.Context, userID, scenarioID string, mode model.Mode) ([]model.Session, error)
	ListIdle(ctx context.Context, before time.Time) ([]model.Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
}

// Sink 接收轮次更新。用户轮次以KindFinal推送，Role为user。
type Sink func(assembler.Update)

// Options 是管理器的可选配置
type Options struct {
	// HintLifetime 教练提示显示时长，默认model.HintLifetime
	HintLifetime time.Duration
	// TickInterval 会话计时器间隔，默认一秒
	TickInterval time.Duration
	// OnHint 提示变化时回调，hint为nil表示提示被清除
	OnHint func(sessionID string, hint *model.CoachHint)
	// Now 当前时间，测试时替换
	Now func() time.Time
}

// CreateRequest 是创建或恢复会话的参数
type CreateRequest struct {
	UserID     string
	ScenarioID string
	Mode       model.Mode
	Seed       *int64
}

// Snapshot 是恢复会话时界面需要的全部状态
type Snapshot struct {
	Session      model.Session    `json:"session"`
	Turns        []model.Turn     `json:"turns"`
	NeedsOpening bool             `json:"needs_opening"`
	InFlight     bool             `json:"in_flight"`
	Elapsed      time.Duration    `json:"elapsed"`
	TimerRunning bool             `json:"timer_running"`
	Hint         *model.CoachHint `json:"hint,omitempty"`
}

// inflight 是唯一一个进行中的AI轮次
type inflight struct {
	asm    *assembler.Assembler
	cancel context.CancelFunc
}

// live 是内存中的会话状态
type live struct {
	mu       sync.Mutex
	session  model.Session
	cred     backend.Credential
	inFlight *inflight
	timer    *Timer
	hints    *coach.Scheduler
	log      log.Entry
}

// Manager 是会话生命周期管理器
type Manager struct {
	backend Backend
	ledger  ledger.Ledger
	repo    Repository
	opts    Options

	mu       sync.Mutex
	sessions map[string]*live

	// createMu 串行化创建，保证同一三元组最多一个活跃会话
	createMu sync.Mutex
}

// NewManager 创建会话生命周期管理器
func NewManager(b Backend, l ledger.Ledger, repo Repository, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HintLifetime <= 0 {
		opts.HintLifetime = model.HintLifetime
	}
	return &Manager{
		backend:  b,
		ledger:   l,
		repo:     repo,
		opts:     opts,
		sessions: make(map[string]*live),
	}
}

// CreateOrResume 返回三元组下已有的未结束会话，没有时新建一个pending会话。
// 第二个返回值表示是否为恢复。此操作从不产生轮次。
func (m *Manager) CreateOrResume(ctx context.Context, cred backend.Credential, req CreateRequest) (model.Session, bool, error) {
	if !req.Mode.Valid() {
		return model.Session{}, false, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	candidates, err := m.repo.FindOpen(ctx, req.UserID, req.ScenarioID, req.Mode)
	if err != nil {
		return model.Session{}, false, err
	}

	remote, err := m.backend.ListSessions(ctx, cred, model.StatusActive)
	if err != nil {
		if len(candidates) == 0 {
			return model.Session{}, false, fmt.Errorf("session: 查询活跃会话失败: %w", err)
		}
		log.Warnf("查询后端活跃会话失败，使用本地记录: %v", err)
	}
	for _, s := range remote {
		if s.Matches(req.UserID, req.ScenarioID, req.Mode) && s.Status == model.StatusActive {
			candidates = append(candidates, s)
		}
	}

	if existing, ok := pickResumable(candidates); ok {
		l, err := m.attach(ctx, cred, existing)
		if err != nil {
			return model.Session{}, false, err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		l.log.Infof("恢复已有会话，状态: %s", l.session.Status)
		return l.session, true, nil
	}

	created, err := m.backend.CreateSession(ctx, cred, backend.CreateSessionRequest{
		ScenarioID: req.ScenarioID,
		Mode:       req.Mode,
		Seed:       req.Seed,
	})
	if err != nil {
		return model.Session{}, false, fmt.Errorf("session: 创建会话失败: %w", err)
	}
	if created.ID == "" {
		return model.Session{}, false, errors.New("session: 后端返回的会话缺少ID")
	}
	if created.UserID == "" {
		created.UserID = req.UserID
	}
	if created.ScenarioID == "" {
		created.ScenarioID = req.ScenarioID
	}
	if created.Mode == "" {
		created.Mode = req.Mode
	}
	if created.Seed == nil {
		created.Seed = req.Seed
	}
	if created.Status == "" {
		created.Status = model.StatusPending
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = m.opts.Now()
	}

	l, err := m.attach(ctx, cred, created)
	if err != nil {
		return model.Session{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Infof("已创建会话，模式: %s", created.Mode)
	return l.session, false, nil
}

// pickResumable 选出要恢复的会话。多个活跃会话违反单活跃约束，
// 按数据完整性故障处理：记录警告并选择最近开始的一个。
func pickResumable(candidates []model.Session) (model.Session, bool) {
	if len(candidates) == 0 {
		return model.Session{}, false
	}

	byID := make(map[string]model.Session, len(candidates))
	for _, s := range candidates {
		if prev, ok := byID[s.ID]; ok && prev.Status == model.StatusActive {
			continue
		}
		byID[s.ID] = s
	}
	unique := make([]model.Session, 0, len(byID))
	active := 0
	for _, s := range byID {
		unique = append(unique, s)
		if s.Status == model.StatusActive {
			active++
		}
	}
	sort.Slice(unique, func(i, j int) bool {
		a, b := unique[i], unique[j]
		if (a.Status == model.StatusActive) != (b.Status == model.StatusActive) {
			return a.Status == model.StatusActive
		}
		return a.LastStart().After(b.LastStart())
	})
	if active > 1 {
		ids := make([]string, 0, len(unique))
		for _, s := range unique {
			ids = append(ids, s.ID)
		}
		log.Warnf("同一用户场景下存在%d个活跃会话，选择最近开始的%s: %s", active, unique[0].ID, strings.Join(ids, ","))
	}
	return unique[0], true
}

// attach 把会话登记到内存，并保存到本地索引
func (m *Manager) attach(ctx context.Context, cred backend.Credential, s model.Session) (*live, error) {
	m.mu.Lock()
	l, ok := m.sessions[s.ID]
	if !ok {
		l = m.newLive(s)
		m.sessions[s.ID] = l
	}
	m.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if !cred.Empty() {
		l.cred = cred
	}
	if ok && l.session.Status != s.Status {
		// 内存中的状态比后端列表更新
		s = l.session
	}
	// 恢复会话也算一次活动
	s.UpdatedAt = m.opts.Now()
	l.session = s
	if err := m.repo.Save(ctx, s); err != nil {
		return nil, err
	}
	if !ok {
		m.recoverLocked(ctx, l)
	}
	if s.Status == model.StatusActive {
		l.timer.Start(m.elapsedSince(s))
	}
	return l, nil
}

// recoverLocked 处理进程在轮次进行中退出留下的未定稿轮次。
// 新载入的会话没有进行中的解码，这样的轮次以截断定稿，否则之后的发送会一直被拒绝。
func (m *Manager) recoverLocked(ctx context.Context, l *live) {
	turns, err := m.ledger.Load(ctx, l.session.ID)
	if err != nil {
		l.log.Warnf("读取账本失败: %v", err)
		return
	}
	if len(turns) == 0 {
		return
	}
	last := turns[len(turns)-1]
	if last.Final {
		return
	}
	last.Final = true
	last.Truncated = true
	if err := m.ledger.ReplaceOrAppend(ctx, last); err != nil {
		l.log.Errorf("截断遗留的第%d轮失败: %v", last.TurnNumber, err)
		return
	}
	l.log.Warnf("第%d轮在上次运行中未完成，已按截断定稿", last.TurnNumber)
}

func (m *Manager) newLive(s model.Session) *live {
	l := &live{
		session: s,
		timer:   NewTimer(m.opts.TickInterval),
		log:     log.WithSession(s.ID),
	}
	id := s.ID
	l.hints = coach.NewScheduler(s.Mode, m.opts.HintLifetime, func(h *model.CoachHint) {
		if m.opts.OnHint != nil {
			m.opts.OnHint(id, h)
		}
	})
	return l
}

func (m *Manager) elapsedSince(s model.Session) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	d := m.opts.Now().Sub(*s.StartedAt).Truncate(time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// lookup 返回内存中的会话，不存在时从本地索引或后端加载
func (m *Manager) lookup(ctx context.Context, cred backend.Credential, id string) (*live, error) {
	m.mu.Lock()
	l, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		if !cred.Empty() {
			l.mu.Lock()
			l.cred = cred
			l.mu.Unlock()
		}
		return l, nil
	}

	s, err := m.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s, err = m.backend.GetSession(ctx, cred, id)
		if backend.StatusCode(err) == 404 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	if err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.attach(ctx, cred, s)
}

// Resume 返回恢复界面所需的会话快照。
// 本地账本为空时用后端历史填充；账本非空时界面直接渲染，不重新请求开场轮次。
func (m *Manager) Resume(ctx context.Context, cred backend.Credential, id string) (Snapshot, error) {
	l, err := m.lookup(ctx, cred, id)
	if err != nil {
		return Snapshot{}, err
	}

	turns, err := m.ledger.Load(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	// 打开或刷新页面也算一次活动
	m.touch(ctx, l)

	l.mu.Lock()
	s := l.session
	inFlight := l.inFlight != nil
	l.mu.Unlock()

	if len(turns) == 0 && s.Status != model.StatusPending && !inFlight {
		turns = m.hydrate(ctx, cred, l)
	}

	snap := Snapshot{
		Session:      s,
		Turns:        turns,
		NeedsOpening: !s.Status.Terminal() && len(turns) == 0 && !inFlight,
		InFlight:     inFlight,
		Elapsed:      l.timer.Elapsed(),
		TimerRunning: l.timer.Running(),
	}
	if h, ok := l.hints.Current(); ok {
		snap.Hint = &h
	}
	return snap, nil
}

// hydrate 从后端历史填充空账本，失败时返回空并记录日志
func (m *Manager) hydrate(ctx context.Context, cred backend.Credential, l *live) []model.Turn {
	history, err := m.backend.History(ctx, cred, l.session.ID)
	if err != nil {
		l.log.Warnf("读取后端历史失败: %v", err)
		return nil
	}
	if len(history) == 0 {
		return nil
	}
	sort.Slice(history, func(i, j int) bool { return history[i].TurnNumber < history[j].TurnNumber })
	if err := m.ledger.Import(ctx, l.session.ID, history); err != nil && !errors.Is(err, ledger.ErrNotEmpty) {
		l.log.Warnf("导入后端历史失败: %v", err)
		return nil
	}
	turns, err := m.ledger.Load(ctx, l.session.ID)
	if err != nil {
		l.log.Warnf("读取账本失败: %v", err)
		return nil
	}
	return turns
}

// Start 请求开场AI轮次。账本非空时拒绝，保证开场轮次不会被请求两次。
func (m *Manager) Start(ctx context.Context, cred backend.Credential, id string, sink Sink) error {
	l, err := m.lookup(ctx, cred, id)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if err := m.checkIdleLocked(l); err != nil {
		l.mu.Unlock()
		return err
	}
	next, err := m.ledger.NextTurnNumber(ctx, id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if next != model.FirstTurnNumber {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, fl := m.beginLocked(ctx, l, next)
	l.mu.Unlock()

	dec, err := m.backend.StartSession(runCtx, cred, id)
	if err != nil {
		// 开场失败不写账本，恢复时仍会重新请求开场
		m.abandon(l, fl)
		l.log.Errorf("打开开场事件流失败: %v", err)
		return &TransportError{Err: err}
	}

	l.mu.Lock()
	if l.session.Status == model.StatusPending {
		if err := l.session.Transition(model.StatusActive, m.opts.Now()); err != nil {
			l.log.Errorf("会话状态迁移失败: %v", err)
		} else if err := m.repo.Save(ctx, l.session); err != nil {
			l.log.Errorf("保存会话失败: %v", err)
		}
	}
	l.timer.Start(m.elapsedSince(l.session))
	l.mu.Unlock()

	return m.run(runCtx, l, fl, dec, sink)
}

// Send 追加用户轮次并请求AI回复。
// 用户轮次在任何网络请求之前写入账本；事件流无法打开时，回复轮次以错误轮次记录。
func (m *Manager) Send(ctx context.Context, cred backend.Credential, id, content string, sink Sink) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	l, err := m.lookup(ctx, cred, id)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if err := m.checkIdleLocked(l); err != nil {
		l.mu.Unlock()
		return err
	}
	if l.session.Status != model.StatusActive {
		l.mu.Unlock()
		return ErrNotActive
	}
	next, err := m.ledger.NextTurnNumber(ctx, id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	userTurn := model.Turn{
		SessionID:  id,
		TurnNumber: next,
		Role:       model.RoleUser,
		Content:    content,
		Final:      true,
		CreatedAt:  m.opts.Now(),
	}
	if err := m.ledger.Append(ctx, userTurn); err != nil {
		l.mu.Unlock()
		return err
	}
	runCtx, fl := m.beginLocked(ctx, l, next+1)
	l.mu.Unlock()

	m.touch(ctx, l)
	if sink != nil {
		sink(assembler.Update{Kind: assembler.KindFinal, Turn: userTurn})
	}

	dec, err := m.backend.SendMessage(runCtx, cred, id, content)
	if err != nil {
		l.log.Errorf("打开回复事件流失败: %v", err)
		l.mu.Lock()
		var upd assembler.Update
		written := false
		if l.inFlight == fl {
			if runCtx.Err() != nil {
				upd = m.truncateLocked(l, fl)
			} else {
				upd = fl.asm.Fail(err.Error())
				written = m.writeLocked(l, upd)
				l.inFlight = nil
			}
		}
		l.mu.Unlock()
		fl.cancel()
		if written && sink != nil {
			sink(upd)
		}
		return &TransportError{Err: err}
	}

	return m.run(runCtx, l, fl, dec, sink)
}

// checkIdleLocked 检查会话可以开始一个新的AI轮次
func (m *Manager) checkIdleLocked(l *live) error {
	if l.session.Status.Terminal() {
		return ErrSessionEnded
	}
	if l.inFlight != nil {
		return ErrTurnInProgress
	}
	return nil
}

// beginLocked 占用进行中轮次的位置。
// 解码与请求方的上下文脱钩：页面刷新或断开只停止推送，轮次继续解码到done，
// 只有Interrupt、End和Close会取消它。
func (m *Manager) beginLocked(ctx context.Context, l *live, turnNumber int) (context.Context, *inflight) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	fl := &inflight{
		asm:    assembler.New(l.session.ID, turnNumber),
		cancel: cancel,
	}
	l.inFlight = fl
	return runCtx, fl
}

// abandon 释放没有产生任何内容的进行中轮次
func (m *Manager) abandon(l *live, fl *inflight) {
	l.mu.Lock()
	if l.inFlight == fl {
		l.inFlight = nil
	}
	l.mu.Unlock()
	fl.cancel()
}

// run 是解码循环：按到达顺序把事件归约为更新，写入账本后推送给sink
func (m *Manager) run(ctx context.Context, l *live, fl *inflight, dec *stream.Decoder, sink Sink) error {
	stop := context.AfterFunc(ctx, func() { dec.Close() })
	defer stop()
	defer dec.Close()
	defer fl.cancel()

	for {
		ev, readErr := dec.Next()

		l.mu.Lock()
		if l.inFlight != fl {
			// 已被打断或结束，截断由打断方完成
			l.mu.Unlock()
			return context.Canceled
		}
		if ctx.Err() != nil {
			started := fl.asm.Started()
			upd := m.truncateLocked(l, fl)
			l.mu.Unlock()
			// 没有任何增量时账本不记录这一轮，也不推送
			if started && sink != nil {
				sink(upd)
			}
			return ctx.Err()
		}

		var (
			upd     assembler.Update
			ok      bool
			result  error
			written = true
		)
		switch {
		case errors.Is(readErr, io.EOF):
			upd, ok = fl.asm.Done(), true
		case readErr != nil:
			l.log.Errorf("事件流中断: %v", readErr)
			upd, ok = fl.asm.Fail(readErr.Error()), true
			result = &TransportError{Err: readErr}
		default:
			upd, ok = fl.asm.Apply(ev)
		}
		if ok {
			written = m.writeLocked(l, upd)
			if written && upd.Kind == assembler.KindHint {
				if h, shown := l.hints.Current(); shown {
					upd.CoachHint = &h
				}
			}
		}
		terminal := ok && upd.Kind.Terminal()
		if terminal {
			l.inFlight = nil
		}
		l.mu.Unlock()

		if ok && written && sink != nil {
			sink(upd)
		}
		if terminal {
			m.touch(context.WithoutCancel(ctx), l)
			return result
		}
	}
}

// writeLocked 把更新写入账本或提示调度器，返回false表示更新被丢弃
func (m *Manager) writeLocked(l *live, upd assembler.Update) bool {
	ctx := context.Background()
	switch upd.Kind {
	case assembler.KindHint:
		return l.hints.OnHint(upd.Hint)
	case assembler.KindFinal:
		if upd.Turn.Content == "" && !l.inFlight.asm.Started() {
			// 没有任何内容的结束不产生轮次
			return true
		}
	case assembler.KindTruncated:
		if !l.inFlight.asm.Started() {
			return true
		}
	}
	if err := m.ledger.ReplaceOrAppend(ctx, upd.Turn); err != nil {
		l.log.Errorf("写入第%d轮失败: %v", upd.Turn.TurnNumber, err)
		return false
	}
	return true
}

// truncateLocked 截断进行中的轮次并释放位置
func (m *Manager) truncateLocked(l *live, fl *inflight) assembler.Update {
	upd := fl.asm.Truncate()
	m.writeLocked(l, upd)
	l.inFlight = nil
	fl.cancel()
	return upd
}

// Interrupt 打断进行中的AI轮次：停止解码，已写入的内容以截断轮次保留。
// 没有进行中的轮次时返回false。
func (m *Manager) Interrupt(id string) (model.Turn, bool) {
	m.mu.Lock()
	l, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return model.Turn{}, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fl := l.inFlight
	if fl == nil {
		return model.Turn{}, false
	}
	upd := m.truncateLocked(l, fl)
	l.log.Infof("第%d轮被打断，保留%d字", upd.Turn.TurnNumber, len([]rune(upd.Turn.Content)))
	return upd.Turn, true
}

// End 结束会话。本地状态总是迁移到终止状态，通知后端失败只记录日志。
func (m *Manager) End(ctx context.Context, cred backend.Credential, id string, abnormal bool) (model.Session, error) {
	l, err := m.lookup(ctx, cred, id)
	if err != nil {
		return model.Session{}, err
	}

	l.mu.Lock()
	if l.session.Status.Terminal() {
		s := l.session
		l.mu.Unlock()
		return s, nil
	}
	if fl := l.inFlight; fl != nil {
		m.truncateLocked(l, fl)
	}
	l.timer.Stop()
	l.hints.Stop()

	target := model.StatusCompleted
	if abnormal || l.session.Status == model.StatusPending {
		target = model.StatusAborted
	}
	if err := l.session.Transition(target, m.opts.Now()); err != nil {
		l.mu.Unlock()
		return model.Session{}, err
	}
	s := l.session
	if cred.Empty() {
		cred = l.cred
	}
	if err := m.repo.Save(ctx, s); err != nil {
		l.log.Errorf("保存结束状态失败: %v", err)
	}
	l.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	if err := m.backend.EndSession(ctx, cred, id, target); err != nil {
		l.log.Warnf("通知后端结束会话失败: %v", err)
	}
	l.log.Infof("会话已结束，状态: %s", target)
	return s, nil
}

// RequestHint 主动请求一条提示。它不经过轮次事件流，也不影响进行中轮次的占用。
func (m *Manager) RequestHint(ctx context.Context, cred backend.Credential, id string) (model.CoachHint, error) {
	l, err := m.lookup(ctx, cred, id)
	if err != nil {
		return model.CoachHint{}, err
	}
	l.mu.Lock()
	ended := l.session.Status.Terminal()
	l.mu.Unlock()
	if ended {
		return model.CoachHint{}, ErrSessionEnded
	}
	if l.hints.Suppressed() {
		return model.CoachHint{}, coach.ErrSuppressed
	}

	content, err := m.backend.RequestHint(ctx, cred, id)
	if err != nil {
		return model.CoachHint{}, err
	}
	if !l.hints.OnHint(content) {
		return model.CoachHint{}, fmt.Errorf("session: 提示内容为空")
	}
	h, _ := l.hints.Current()
	return h, nil
}

// Hint 返回当前显示的提示
func (m *Manager) Hint(id string) (model.CoachHint, bool) {
	m.mu.Lock()
	l, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return model.CoachHint{}, false
	}
	return l.hints.Current()
}

// Elapsed 返回会话计时器的读数
func (m *Manager) Elapsed(id string) time.Duration {
	m.mu.Lock()
	l, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return l.timer.Elapsed()
}

// InFlight 判断会话是否有进行中的AI轮次
func (m *Manager) InFlight(id string) bool {
	m.mu.Lock()
	l, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight != nil
}

// Turns 返回会话账本快照
func (m *Manager) Turns(ctx context.Context, id string) ([]model.Turn, error) {
	return m.ledger.Snapshot(ctx, id)
}

// SweepIdle 中止空闲超过maxIdle的活跃会话，返回中止的数量
func (m *Manager) SweepIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	idle, err := m.repo.ListIdle(ctx, m.opts.Now().Add(-maxIdle))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range idle {
		if m.InFlight(s.ID) {
			continue
		}
		if _, err := m.End(ctx, backend.Credential{}, s.ID, true); err != nil {
			log.WithSession(s.ID).Warnf("中止空闲会话失败: %v", err)
			continue
		}
		n++
	}
	return n, nil
}

// Close 停止所有会话的计时器和提示，进程退出时调用
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*live, 0, len(m.sessions))
	for _, l := range m.sessions {
		sessions = append(sessions, l)
	}
	m.mu.Unlock()

	for _, l := range sessions {
		l.mu.Lock()
		if fl := l.inFlight; fl != nil {
			m.truncateLocked(l, fl)
		}
		l.mu.Unlock()
		l.timer.Stop()
		l.hints.Stop()
	}
}

// touch 记录一次用户活动，内存中的会话和本地索引保持同一个更新时间，
// 之后任何一次Save都不会把旧的活动时间写回去
func (m *Manager) touch(ctx context.Context, l *live) {
	now := m.opts.Now()
	l.mu.Lock()
	l.session.UpdatedAt = now
	id := l.session.ID
	l.mu.Unlock()
	if err := m.repo.Touch(ctx, id, now); err != nil {
		l.log.Warnf("刷新会话活动时间失败: %v", err)
	}
}
