// Package vad 在本地判断麦克风音频里是否有人声，用于AI说话期间的插话检测。
package vad

import (
	"fmt"
	"math"
	"sync"

	"gopkg.in/hraban/opus.v2"
)

// Config 表示VAD配置参数
type Config struct {
	EnergyThreshold float64 // 能量阈值，超过此值认为有语音
	SampleRate      int     // 采样率
	// MinSpeechFrames 连续多少帧超过阈值才认为开始说话，用于过滤咳嗽、敲击等短促噪声
	MinSpeechFrames int
}

// DefaultConfig 返回默认VAD配置
func DefaultConfig() Config {
	return Config{
		EnergyThreshold: 0.01,
		SampleRate:      16000,
		MinSpeechFrames: 3,
	}
}

// maxFrameSamples 是单帧最多的采样点数（120ms @ 48kHz）
const maxFrameSamples = 5760

// Detector 解码opus帧并按能量判断是否有人声
type Detector struct {
	config Config

	mu      sync.Mutex
	decoder *opus.Decoder
	pcm     []int16
	voiced  int
}

// Init 验证Opus库是否可用
func Init() error {
	_, err := opus.NewDecoder(16000, 1)
	if err != nil {
		return fmt.Errorf("初始化 Opus 解码器失败: %v", err)
	}
	return nil
}

// New 创建人声检测器，每路音频使用一个检测器
// 参数:
//   - cfg: VAD配置，零值字段使用默认值
//
// 返回:
//   - *Detector: 检测器
//   - error: 创建opus解码器失败时返回
func New(cfg Config) (*Detector, error) {
	def := DefaultConfig()
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = def.EnergyThreshold
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.MinSpeechFrames <= 0 {
		cfg.MinSpeechFrames = def.MinSpeechFrames
	}

	decoder, err := opus.NewDecoder(cfg.SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("创建Opus解码器失败: %v", err)
	}
	return &Detector{
		config:  cfg,
		decoder: decoder,
		pcm:     make([]int16, maxFrameSamples),
	}, nil
}

// Detect 解码一帧opus音频，连续MinSpeechFrames帧能量超过阈值时返回true
func (d *Detector) Detect(frame []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.decoder.Decode(frame, d.pcm)
	if err != nil {
		d.voiced = 0
		return false, fmt.Errorf("Opus解码失败: %v", err)
	}
	return d.observe(Energy(d.pcm[:n])), nil
}

// observe 根据一帧的能量更新连续有声帧计数
func (d *Detector) observe(energy float64) bool {
	if energy < d.config.EnergyThreshold {
		d.voiced = 0
		return false
	}
	d.voiced++
	return d.voiced >= d.config.MinSpeechFrames
}

// Reset 清除连续有声帧计数
func (d *Detector) Reset() {
	d.mu.Lock()
	d.voiced = 0
	d.mu.Unlock()
}

// Energy 计算PCM采样的均方根能量，归一化到[0, 1]
func Energy(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
