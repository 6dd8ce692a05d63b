package voice

import (
	"context"
	"errors"
	"strings"
	"sync"

	"lingzhi-trainer/assembler"
	"lingzhi-trainer/log"
	"lingzhi-trainer/model"
)

// ErrNotSpeaking 没有可以打断的AI回复
var ErrNotSpeaking = errors.New("voice: 当前没有AI回复")

// ErrDisconnected 连接在握手完成前被断开
var ErrDisconnected = errors.New("voice: 连接已断开")

// Replier 把一句识别出的话交给会话，回复更新通过onUpdate推回
type Replier interface {
	Reply(ctx context.Context, utterance string, onUpdate func(assembler.Update)) error
	Interrupt() (model.Turn, bool)
}

// Conn 是到语音后端的实时通道
type Conn interface {
	// SendAudio 发送一帧麦克风音频
	SendAudio(frame []byte) error
	// Listen 通知语音后端开始或停止收音
	Listen(state string) error
	// Speak 发送一段回复文本用于合成，last表示回复已经结束
	Speak(text string, last bool) error
	// Abort 让语音后端立即停止合成
	Abort() error
	Close() error
}

// Events 是语音后端推送的事件，由通道的读协程调用
type Events interface {
	SpeechDetected()
	UtteranceEnd(text string)
	Audio(frame []byte)
	PlaybackDone()
	TransportLost(err error)
}

// Dialer 建立到语音后端的通道并完成握手
type Dialer func(ctx context.Context, events Events) (Conn, error)

// AudioSink 播放AI语音。Play在状态锁内调用，不能阻塞，来不及发送的帧直接丢弃
type AudioSink interface {
	Play(frame []byte) error
	Stop()
}

// Detector 判断一帧音频里是否有人声
type Detector interface {
	Detect(frame []byte) (bool, error)
	// Reset 清除累计的检测状态，打断或一句话结束后调用
	Reset()
}

// StateChange 是一次状态迁移
type StateChange struct {
	From  State
	To    State
	Event Event
}

// Options 是状态机的依赖
type Options struct {
	Dial    Dialer
	Replier Replier
	Sink    AudioSink
	// Detector 本地人声检测，为nil时只依赖语音后端的检测
	Detector Detector
	// BargeIn 为true时，AI说话期间本地检测到人声会自动打断
	BargeIn bool
	// OnState 状态变化回调，在状态锁内调用，不能回调Machine
	OnState func(StateChange)
	// OnUpdate 回复更新回调，用于向界面推送文字
	OnUpdate func(assembler.Update)
}

// Machine 是语音模式的实时状态机。
//
// 采集、解码和播放在各自的协程里运行，但所有状态迁移都经过同一把锁下的fire，
// 状态只有一个写入者。
type Machine struct {
	opts Options
	log  log.Entry

	mu    sync.Mutex
	state State
	conn  Conn
	// connGen 每次连接递增，旧连接的事件被忽略
	connGen uint64
	// replyGen 每次回复或打断递增，旧回复的更新被忽略
	replyGen     uint64
	replyCancel  context.CancelFunc
	replyDone    bool
	playbackDone bool
}

// NewMachine 创建处于disconnected状态的状态机
func NewMachine(sessionID string, opts Options) *Machine {
	return &Machine{
		opts:  opts,
		log:   log.WithSession(sessionID).With("channel", "voice"),
		state: StateDisconnected,
	}
}

// State 返回当前状态
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// fireLocked 是唯一修改状态的地方
func (m *Machine) fireLocked(ev Event) error {
	next, err := Transition(m.state, ev)
	if err != nil {
		return err
	}
	if next == m.state {
		return nil
	}
	change := StateChange{From: m.state, To: next, Event: ev}
	m.state = next
	m.log.Debugf("状态 %s -> %s (%s)", change.From, change.To, ev)
	if m.opts.OnState != nil {
		m.opts.OnState(change)
	}
	return nil
}

// Connect 建立语音通道，阻塞到握手完成。只能从disconnected调用。
func (m *Machine) Connect(ctx context.Context) error {
	m.mu.Lock()
	if err := m.fireLocked(EventConnect); err != nil {
		m.mu.Unlock()
		return err
	}
	m.connGen++
	gen := m.connGen
	m.mu.Unlock()

	conn, err := m.opts.Dial(ctx, &connEvents{m: m, gen: gen})

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.connGen || m.state != StateConnecting {
		if conn != nil {
			conn.Close()
		}
		return ErrDisconnected
	}
	if err != nil {
		m.log.Warnf("语音通道握手失败: %v", err)
		m.fireLocked(EventTransportLost)
		return err
	}
	m.conn = conn
	m.replyDone, m.playbackDone = false, false
	return m.fireLocked(EventHandshakeOK)
}

// Disconnect 断开通道，立即停止AI语音并取消进行中的回复。任何状态下都可以调用。
func (m *Machine) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.fireLocked(EventDisconnect)
}

// TransportLost 通道意外断开
func (m *Machine) TransportLost(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transportLostLocked(err)
}

func (m *Machine) transportLostLocked(err error) {
	if m.state == StateDisconnected {
		return
	}
	m.log.Warnf("语音通道断开: %v", err)
	m.teardownLocked()
	m.fireLocked(EventTransportLost)
}

func (m *Machine) teardownLocked() {
	m.connGen++
	m.stopReplyLocked()
	if m.opts.Sink != nil {
		m.opts.Sink.Stop()
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.log.Debugf("关闭语音通道失败: %v", err)
		}
		m.conn = nil
	}
}

// stopReplyLocked 取消进行中的回复，已经写入的内容以截断轮次保留
func (m *Machine) stopReplyLocked() {
	m.replyGen++
	if m.replyCancel == nil {
		return
	}
	m.replyCancel()
	m.replyCancel = nil
	if turn, ok := m.opts.Replier.Interrupt(); ok {
		m.log.Infof("第%d轮回复被截断", turn.TurnNumber)
	}
}

// Capture 处理一帧麦克风音频。
// connected和listening下音频转发给语音后端；AI说话期间只用于本地打断检测。
func (m *Machine) Capture(frame []byte) error {
	speech := false
	if m.opts.Detector != nil {
		var err error
		speech, err = m.opts.Detector.Detect(frame)
		if err != nil {
			m.log.Debugf("人声检测失败: %v", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateSpeaking:
		if !speech || !m.opts.BargeIn {
			return nil
		}
		m.log.Infof("检测到插话，打断AI回复")
		m.interruptLocked()
		fallthrough
	case StateConnected:
		if speech {
			m.speechDetectedLocked()
		}
	case StateListening:
	default:
		return nil
	}

	if m.conn == nil {
		return nil
	}
	if err := m.conn.SendAudio(frame); err != nil {
		m.transportLostLocked(err)
		return err
	}
	return nil
}

// SpeechDetected 用户开始说话
func (m *Machine) SpeechDetected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateSpeaking && m.opts.BargeIn {
		m.interruptLocked()
	}
	m.speechDetectedLocked()
}

func (m *Machine) speechDetectedLocked() {
	if m.state != StateConnected {
		return
	}
	m.fireLocked(EventSpeechDetected)
	if m.conn != nil {
		if err := m.conn.Listen(model.StateStart); err != nil {
			m.transportLostLocked(err)
		}
	}
}

// StopListening 手动模式下用户松开按钮，由语音后端给出识别结果
func (m *Machine) StopListening() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening || m.conn == nil {
		return
	}
	if err := m.conn.Listen(model.StateStop); err != nil {
		m.transportLostLocked(err)
	}
}

// UtteranceEnd 一句话识别完成，开始请求AI回复
func (m *Machine) UtteranceEnd(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening {
		m.log.Debugf("%s 状态下忽略识别结果: %s", m.state, text)
		return
	}

	if m.opts.Detector != nil {
		m.opts.Detector.Reset()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		m.fireLocked(EventFinished)
		return
	}
	m.fireLocked(EventUtteranceEnd)

	m.replyGen++
	gen := m.replyGen
	ctx, cancel := context.WithCancel(context.Background())
	m.replyCancel = cancel
	m.replyDone, m.playbackDone = false, false

	go func() {
		defer cancel()
		err := m.opts.Replier.Reply(ctx, text, func(u assembler.Update) { m.onReplyUpdate(gen, u) })
		m.onReplyEnd(gen, err)
	}()
}

// onReplyUpdate 处理回复更新，打断之后的更新被丢弃
func (m *Machine) onReplyUpdate(gen uint64, u assembler.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.replyGen {
		return
	}

	// 用户轮次只转发给界面
	if u.Kind == assembler.KindFinal && u.Turn.Role == model.RoleUser {
		m.publish(u)
		return
	}

	switch u.Kind {
	case assembler.KindDelta:
		if m.state == StateProcessing {
			m.fireLocked(EventReplyReady)
		}
		if m.state == StateSpeaking && m.conn != nil {
			if err := m.conn.Speak(u.Delta, false); err != nil {
				m.transportLostLocked(err)
				return
			}
		}
	case assembler.KindFinal, assembler.KindError:
		m.replyDone = true
		m.replyCancel = nil
		switch m.state {
		case StateProcessing:
			m.fireLocked(EventFinished)
		case StateSpeaking:
			if m.conn != nil {
				if err := m.conn.Speak("", true); err != nil {
					m.transportLostLocked(err)
					return
				}
			}
			if m.playbackDone {
				m.fireLocked(EventFinished)
			}
		}
	}
	m.publish(u)
}

// onReplyEnd 回复调用返回，没有终止更新时在这里收尾
func (m *Machine) onReplyEnd(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.replyGen {
		return
	}
	m.replyCancel = nil
	if err != nil {
		m.log.Warnf("AI回复失败: %v", err)
	}
	if m.replyDone {
		return
	}
	m.replyDone = true
	switch m.state {
	case StateProcessing:
		m.fireLocked(EventFinished)
	case StateSpeaking:
		if m.playbackDone {
			m.fireLocked(EventFinished)
		}
	}
}

func (m *Machine) publish(u assembler.Update) {
	if m.opts.OnUpdate != nil {
		m.opts.OnUpdate(u)
	}
}

// Interrupt 打断AI回复：取消回复解码、通知语音后端中止合成、停止播放并回到connected。
// 已经说出的部分以截断轮次留在账本里。
func (m *Machine) Interrupt() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSpeaking && m.state != StateProcessing {
		return ErrNotSpeaking
	}
	m.interruptLocked()
	return nil
}

func (m *Machine) interruptLocked() {
	m.stopReplyLocked()
	if m.conn != nil {
		if err := m.conn.Abort(); err != nil {
			m.log.Warnf("发送中止命令失败: %v", err)
		}
	}
	if m.opts.Sink != nil {
		m.opts.Sink.Stop()
	}
	if m.opts.Detector != nil {
		m.opts.Detector.Reset()
	}
	m.fireLocked(EventInterrupted)
}

// Playback 播放语音后端合成的一帧音频，只在speaking状态下播放
func (m *Machine) Playback(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSpeaking || m.opts.Sink == nil {
		return
	}
	if err := m.opts.Sink.Play(frame); err != nil {
		m.log.Debugf("播放音频失败: %v", err)
	}
}

// PlaybackDone 语音后端合成完毕
func (m *Machine) PlaybackDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSpeaking {
		return
	}
	m.playbackDone = true
	if m.replyDone {
		m.fireLocked(EventFinished)
	}
}

// connEvents 把通道事件绑定到一次连接，断开之后的事件被丢弃
type connEvents struct {
	m   *Machine
	gen uint64
}

func (e *connEvents) current() bool {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return e.gen == e.m.connGen
}

func (e *connEvents) SpeechDetected() {
	if e.current() {
		e.m.SpeechDetected()
	}
}

func (e *connEvents) UtteranceEnd(text string) {
	if e.current() {
		e.m.UtteranceEnd(text)
	}
}

func (e *connEvents) Audio(frame []byte) {
	if e.current() {
		e.m.Playback(frame)
	}
}

func (e *connEvents) PlaybackDone() {
	if e.current() {
		e.m.PlaybackDone()
	}
}

func (e *connEvents) TransportLost(err error) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if e.gen == e.m.connGen {
		e.m.transportLostLocked(err)
	}
}
