package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"lingzhi-trainer/config"
	"lingzhi-trainer/log"
	"lingzhi-trainer/model"

	"github.com/gorilla/websocket"
)

// Transport 是到语音后端的WebSocket客户端
type Transport struct {
	url              string
	sessionID        string
	handshakeTimeout time.Duration
	audio            model.CommandAudioParams
	dialer           *websocket.Dialer
}

// NewTransport 创建语音后端客户端
// 参数:
//   - cfg: 语音配置
//   - sessionID: 会话ID，握手时发送给语音后端
func NewTransport(cfg config.VoiceConfig, sessionID string) *Transport {
	return &Transport{
		url:              cfg.URL,
		sessionID:        sessionID,
		handshakeTimeout: cfg.HandshakeTimeoutDuration(),
		audio: model.CommandAudioParams{
			Format:        "opus",
			SampleRate:    cfg.SampleRate,
			Channels:      1,
			FrameDuration: cfg.FrameDuration,
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeoutDuration(),
		},
	}
}

// Dial 建立连接并完成hello握手，握手成功后启动读协程
func (t *Transport) Dial(ctx context.Context, events Events) (Conn, error) {
	header := http.Header{}
	header.Set("session-id", t.sessionID)

	conn, _, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		return nil, fmt.Errorf("连接语音后端失败: %w", err)
	}

	c := &wsConn{
		conn:      conn,
		events:    events,
		sessionID: t.sessionID,
		log:       log.WithSession(t.sessionID).With("channel", "voice-backend"),
	}
	if err := c.handshake(t.audio, t.handshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// wsConn 是一条已经握手的语音通道
type wsConn struct {
	conn      *websocket.Conn
	events    Events
	sessionID string
	log       log.Entry

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *wsConn) handshake(audio model.CommandAudioParams, timeout time.Duration) error {
	c.closed = make(chan struct{})
	hello := model.VoiceCommand{
		Type:        model.CommandHello,
		Version:     1,
		Session:     c.sessionID,
		Transport:   "websocket",
		AudioParams: &audio,
	}
	if err := c.writeJSON(hello); err != nil {
		return fmt.Errorf("发送hello失败: %w", err)
	}

	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("等待hello响应失败: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var cmd model.VoiceCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return fmt.Errorf("解析hello响应失败: %w", err)
		}
		if cmd.Type == model.CommandHello {
			c.log.Debugf("语音后端握手成功: %+v", cmd)
			return nil
		}
		c.log.Debugf("握手期间忽略消息: %s", cmd.Type)
	}
}

// readLoop 把语音后端的消息转换为事件，直到连接断开
func (c *wsConn) readLoop() {
	defer c.log.Debugf("语音后端读协程已退出")
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.events.TransportLost(err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.events.Audio(data)
		case websocket.TextMessage:
			c.handleCommand(data)
		}
	}
}

func (c *wsConn) handleCommand(data []byte) {
	var cmd model.VoiceCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.log.Debugf("丢弃无法解析的消息: %v", err)
		return
	}

	switch cmd.Type {
	case model.CommandListen:
		if cmd.State == model.StateDetect || cmd.State == model.StateStart {
			c.events.SpeechDetected()
		}
	case model.CommandSTT:
		c.events.UtteranceEnd(cmd.Text)
	case model.CommandTTS:
		if cmd.State == model.StateStop {
			c.events.PlaybackDone()
		}
	case model.CommandError:
		c.log.Warnf("语音后端错误: %s", cmd.Reason)
	default:
		c.log.Debugf("忽略消息类型: %s", cmd.Type)
	}
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) SendAudio(frame []byte) error {
	return c.write(websocket.BinaryMessage, frame)
}

func (c *wsConn) Listen(state string) error {
	return c.writeJSON(model.VoiceCommand{Type: model.CommandListen, State: state, Mode: "auto", Session: c.sessionID})
}

func (c *wsConn) Speak(text string, last bool) error {
	state := model.StateSentence
	if last {
		state = model.StateStop
	}
	return c.writeJSON(model.VoiceCommand{Type: model.CommandNPCResponse, State: state, Text: text, Session: c.sessionID})
}

func (c *wsConn) Abort() error {
	return c.writeJSON(model.VoiceCommand{Type: model.CommandAbort, Reason: "barge_in", Session: c.sessionID})
}

// Close 关闭连接，不等待读协程退出
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
