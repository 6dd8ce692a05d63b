package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"lingzhi-trainer/assembler"
	"lingzhi-trainer/coach"
	"lingzhi-trainer/log"
	"lingzhi-trainer/model"
	"lingzhi-trainer/voice"

	"github.com/gorilla/websocket"
)

// ResponseMessage 表示要发送的响应消息
type ResponseMessage struct {
	MessageType int    // WebSocket消息类型
	Data        []byte // 消息数据
}

// Options 是一条浏览器语音连接的依赖
type Options struct {
	SessionID   string
	AudioParams model.CommandAudioParams
	Replier     voice.Replier
	Dial        voice.Dialer
	// Detector 本地人声检测，可为nil
	Detector voice.Detector
	BargeIn  bool
	// Hints 提示变化的分发器，用于把过期清除推给浏览器，可为nil
	Hints *coach.Hub
}

// errAudioDropped 发送队列已满，音频帧被丢弃
var errAudioDropped = errors.New("发送队列已满，丢弃音频帧")

// WebSocketConnection 表示浏览器到本服务的一条语音连接
type WebSocketConnection struct {
	conn         *websocket.Conn      // WebSocket连接对象
	opts         Options              // 连接依赖
	responseChan chan ResponseMessage // 响应消息通道
	ctx          context.Context      // 上下文，用于控制goroutine生命周期
	cancelFunc   context.CancelFunc   // 取消函数，用于关闭上下文
	machine      *voice.Machine       // 实时状态机
	log          log.Entry
	listenMode   string // auto 或 manual
	unsubscribe  func()
}

// NewWebSocketConnection 创建一个新的语音连接处理器
// 参数:
//   - conn: 已升级的WebSocket连接
//   - opts: 会话和语音后端依赖
//
// 返回:
//   - *WebSocketConnection: 新创建的连接处理器
func NewWebSocketConnection(conn *websocket.Conn, opts Options) *WebSocketConnection {
	ctx, cancel := context.WithCancel(context.Background())

	wsc := &WebSocketConnection{
		conn:         conn,
		opts:         opts,
		responseChan: make(chan ResponseMessage, 64),
		ctx:          ctx,
		cancelFunc:   cancel,
		log:          log.WithSession(opts.SessionID).With("channel", "browser"),
		listenMode:   "auto",
	}
	wsc.machine = voice.NewMachine(opts.SessionID, voice.Options{
		Dial:     opts.Dial,
		Replier:  opts.Replier,
		Sink:     wsc,
		Detector: opts.Detector,
		BargeIn:  opts.BargeIn,
		OnState:  wsc.onState,
		OnUpdate: wsc.onUpdate,
	})

	if opts.Hints != nil {
		wsc.unsubscribe = opts.Hints.Subscribe(opts.SessionID, wsc.onHint)
	}

	// 启动响应处理协程
	go wsc.handleResponses()

	return wsc
}

// Machine 返回连接的实时状态机
func (wsc *WebSocketConnection) Machine() *voice.Machine {
	return wsc.machine
}

// Play 把一帧AI语音发给浏览器，队列满时丢弃，不阻塞状态机
func (wsc *WebSocketConnection) Play(frame []byte) error {
	if wsc.ctx.Err() != nil {
		return wsc.ctx.Err()
	}
	select {
	case wsc.responseChan <- ResponseMessage{MessageType: websocket.BinaryMessage, Data: frame}:
		return nil
	default:
		return errAudioDropped
	}
}

// onHint 只转发提示清除，新提示随回复更新一起下发
func (wsc *WebSocketConnection) onHint(hint *model.CoachHint) {
	if hint != nil {
		return
	}
	wsc.sendCommand(model.VoiceCommand{Type: model.CommandHint, Session: wsc.opts.SessionID})
}

// Stop 让浏览器立即停止播放
func (wsc *WebSocketConnection) Stop() {
	wsc.sendCommand(model.VoiceCommand{Type: model.CommandTTS, State: model.StateStop, Session: wsc.opts.SessionID})
}

func (wsc *WebSocketConnection) onState(c voice.StateChange) {
	wsc.sendCommand(model.VoiceCommand{Type: model.CommandState, State: string(c.To), Session: wsc.opts.SessionID})
}

// onUpdate 把回复更新转换为浏览器消息
func (wsc *WebSocketConnection) onUpdate(u assembler.Update) {
	turn := u.Turn.TurnNumber
	cmd := model.VoiceCommand{Session: wsc.opts.SessionID, Turn: &turn}

	switch u.Kind {
	case assembler.KindDelta:
		cmd.Type = model.CommandNPCResponse
		cmd.State = model.StateSentence
		cmd.Text = u.Delta
	case assembler.KindFinal:
		if u.Turn.Role == model.RoleUser {
			cmd.Type = model.CommandSTT
		} else {
			cmd.Type = model.CommandNPCResponse
			cmd.State = model.StateStop
		}
		cmd.Text = u.Turn.Content
	case assembler.KindTruncated:
		cmd.Type = model.CommandNPCResponse
		cmd.State = model.StateStop
		cmd.Text = u.Turn.Content
		cmd.Reason = "interrupted"
	case assembler.KindError:
		cmd.Type = model.CommandError
		cmd.Reason = u.Turn.Content
	case assembler.KindHint:
		cmd.Type = model.CommandHint
		cmd.Text = u.Hint
		cmd.Hint = u.CoachHint
		cmd.Turn = nil
	default:
		return
	}
	wsc.sendCommand(cmd)
}

func (wsc *WebSocketConnection) sendCommand(cmd model.VoiceCommand) {
	res, err := json.Marshal(&cmd)
	if err != nil {
		wsc.log.Errorf("JSON编码错误: %v", err)
		return
	}
	wsc.sendResponse(websocket.TextMessage, res)
}

// handleResponses 回复响应消息的协程
// 从responseChan通道读取消息并发送到WebSocket连接
func (wsc *WebSocketConnection) handleResponses() {
	defer wsc.log.Debugf("响应处理协程已退出")

	for {
		select {
		case <-wsc.ctx.Done():
			return

		case response := <-wsc.responseChan:
			err := wsc.conn.WriteMessage(response.MessageType, response.Data)
			if err != nil {
				wsc.log.Errorf("写入消息错误: %v", err)
				// 发生错误时取消上下文，触发连接关闭
				wsc.cancelFunc()
				return
			}
		}
	}
}

// sendResponse 发送响应消息，连接关闭后直接丢弃
// 参数:
//   - messageType: WebSocket消息类型
//   - data: 消息数据
func (wsc *WebSocketConnection) sendResponse(messageType int, data []byte) {
	select {
	case <-wsc.ctx.Done():
		return
	case wsc.responseChan <- ResponseMessage{MessageType: messageType, Data: data}:
	}
}

// connect 在后台连接语音后端，完成后通知浏览器
func (wsc *WebSocketConnection) connect() {
	if err := wsc.machine.Connect(wsc.ctx); err != nil {
		wsc.log.Warnf("连接语音后端失败: %v", err)
		wsc.sendCommand(model.VoiceCommand{Type: model.CommandError, Reason: err.Error(), Session: wsc.opts.SessionID})
	}
}

// handleTextMessage 处理浏览器的JSON命令
func (wsc *WebSocketConnection) handleTextMessage(data []byte) error {
	var cmd model.VoiceCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}

	switch cmd.Type {
	case model.CommandHello:
		params := wsc.opts.AudioParams
		wsc.sendCommand(model.VoiceCommand{
			Type:        model.CommandHello,
			Transport:   "websocket",
			Session:     wsc.opts.SessionID,
			AudioParams: &params,
		})
		if wsc.machine.State() == voice.StateDisconnected {
			go wsc.connect()
		}
	case model.CommandAbort:
		wsc.log.Infof("浏览器请求打断: %s", cmd.Reason)
		if err := wsc.machine.Interrupt(); err != nil {
			wsc.log.Debugf("打断被忽略: %v", err)
		}
	case model.CommandListen:
		if cmd.Mode != "" {
			wsc.listenMode = cmd.Mode
		}
		switch cmd.State {
		case model.StateStart:
			wsc.machine.SpeechDetected()
		case model.StateStop:
			wsc.machine.StopListening()
		case model.StateDetect:
			wsc.log.Debugf("唤醒词: %s", cmd.Text)
		}
	default:
		return fmt.Errorf("未知消息类型:%s", cmd.Type)
	}
	return nil
}

// processMessage 根据消息类型处理WebSocket消息
func (wsc *WebSocketConnection) processMessage(messageType int, data []byte) error {
	switch messageType {
	case websocket.TextMessage:
		wsc.log.Debugf("处理文本消息: %s", string(data))
		return wsc.handleTextMessage(data)

	case websocket.BinaryMessage:
		// 手动模式下只有按住说话时才转发音频
		if wsc.listenMode == "manual" && wsc.machine.State() != voice.StateListening {
			return nil
		}
		return wsc.machine.Capture(data)

	default:
		return fmt.Errorf("未知的消息类型: %d", messageType)
	}
}

// HandleConnection 处理WebSocket连接的主循环，返回时断开语音通道
func (wsc *WebSocketConnection) HandleConnection() {
	defer func() {
		if wsc.unsubscribe != nil {
			wsc.unsubscribe()
		}
		wsc.cancelFunc()
		wsc.machine.Disconnect()
		wsc.conn.Close()
		wsc.log.Infof("浏览器语音连接已关闭")
	}()

	wsc.log.Debugf("浏览器语音连接已建立")

	for {
		messageType, message, err := wsc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				wsc.log.Warnf("读取消息错误: %v", err)
			}
			return
		}
		if wsc.ctx.Err() != nil {
			return
		}

		if err := wsc.processMessage(messageType, message); err != nil {
			wsc.log.Errorf("处理消息错误: %v", err)
		}
	}
}
