package model

// RealtimeState 是语音模式下的实时状态，只由语音状态机写入
type RealtimeState string

const (
	RealtimeDisconnected RealtimeState = "disconnected"
	RealtimeConnecting   RealtimeState = "connecting"
	RealtimeConnected    RealtimeState = "connected"
	RealtimeListening    RealtimeState = "listening"
	RealtimeProcessing   RealtimeState = "processing"
	RealtimeSpeaking     RealtimeState = "speaking"
)
