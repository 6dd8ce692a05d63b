package model

// 语音通道上的命令类型
const (
	CommandHello       = "hello"
	CommandListen      = "listen"
	CommandSTT         = "stt"
	CommandTTS         = "tts"
	CommandAbort       = "abort"
	CommandState       = "state"
	CommandNPCResponse = "npc_response"
	CommandHint        = "coach_tip"
	CommandError       = "error"
)

// 命令中的 State 字段取值
const (
	StateStart         = "start"
	StateStop          = "stop"
	StateDetect        = "detect"
	StateSentence      = "sentence"
	StateSentenceStart = "sentence_start"
)

// CommandAudioParams 描述音频参数
type CommandAudioParams struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"`
}

// VoiceCommand 是语音通道上的 JSON 文本帧，浏览器和语音后端两侧通用
type VoiceCommand struct {
	Type    string `json:"type"`
	Version int    `json:"version,omitempty"`
	Session string `json:"session,omitempty"`

	Transport   string              `json:"transport,omitempty"`
	AudioParams *CommandAudioParams `json:"audio_params,omitempty"`

	State  string `json:"state,omitempty"`
	Mode   string `json:"mode,omitempty"` // auto/manual
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
	Turn   *int   `json:"turn,omitempty"`

	// Hint 随coach_tip下发，带id和过期时间；Text为空且没有Hint表示清除提示
	Hint *CoachHint `json:"hint,omitempty"`
}
