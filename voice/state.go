// Package voice 实现语音模式的实时状态机，以及到语音后端的实时通道。
package voice

import (
	"fmt"

	"lingzhi-trainer/model"
)

// State 是实时状态
type State = model.RealtimeState

const (
	StateDisconnected = model.RealtimeDisconnected
	StateConnecting   = model.RealtimeConnecting
	StateConnected    = model.RealtimeConnected
	StateListening    = model.RealtimeListening
	StateProcessing   = model.RealtimeProcessing
	StateSpeaking     = model.RealtimeSpeaking
)

// Event 是触发状态迁移的事件
type Event string

const (
	EventConnect        Event = "connect"
	EventHandshakeOK    Event = "handshake_ok"
	EventSpeechDetected Event = "speech_detected"
	EventUtteranceEnd   Event = "utterance_end"
	EventReplyReady     Event = "ai_reply_ready"
	EventFinished       Event = "finished"
	EventInterrupted    Event = "interrupted"
	EventTransportLost  Event = "transport_lost"
	EventDisconnect     Event = "disconnect"
)

// Transition 返回state收到event之后的状态，非法迁移返回错误且状态不变。
//
// 传输断开和主动断开在任何状态下都回到disconnected；connect是离开disconnected的唯一方式。
// finished在listening（没有识别出内容）和processing（回复没有产生语音）下也会回到connected。
func Transition(current State, event Event) (State, error) {
	if event == EventTransportLost || event == EventDisconnect {
		return StateDisconnected, nil
	}

	switch current {
	case StateDisconnected:
		switch event {
		case EventConnect:
			return StateConnecting, nil
		}
	case StateConnecting:
		switch event {
		case EventHandshakeOK:
			return StateConnected, nil
		}
	case StateConnected:
		switch event {
		case EventSpeechDetected:
			return StateListening, nil
		}
	case StateListening:
		switch event {
		case EventUtteranceEnd:
			return StateProcessing, nil
		case EventFinished:
			return StateConnected, nil
		}
	case StateProcessing:
		switch event {
		case EventReplyReady:
			return StateSpeaking, nil
		case EventFinished, EventInterrupted:
			return StateConnected, nil
		}
	case StateSpeaking:
		switch event {
		case EventFinished, EventInterrupted:
			return StateConnected, nil
		}
	default:
		return current, fmt.Errorf("未知状态 %q", current)
	}
	return current, invalidTransition(current, event)
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("非法状态迁移: %s --(%s)--> ?", state, event)
}
