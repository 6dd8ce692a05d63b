package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"lingzhi-trainer/log"

	"gopkg.in/yaml.v3"
)

// Config 表示服务的完整配置
type Config struct {
	HTTP       HTTPConfig     `yaml:"http"`     // HTTP服务配置
	Backend    BackendConfig  `yaml:"backend"`  // 外部业务后端配置
	Voice      VoiceConfig    `yaml:"voice"`    // 语音实时通道配置
	Database   DatabaseConfig `yaml:"database"` // 轮次账本和会话存储
	Session    SessionConfig  `yaml:"session"`  // 会话生命周期配置
	Log        log.LogConfig  `yaml:"log"`      // 日志配置
	ConfigPath string         `yaml:"-"`        // 配置文件路径，不存储在YAML中
}

// HTTPConfig 表示HTTP服务的配置
type HTTPConfig struct {
	Host string `yaml:"host"` // 监听地址，如"0.0.0.0"表示所有网络接口
	Port int    `yaml:"port"` // 监听端口
	// AllowedOrigins 语音WebSocket允许的来源，为空表示允许所有来源
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// BackendConfig 表示外部业务后端的配置
type BackendConfig struct {
	URL          string `yaml:"url"`           // 后端基础URL
	Timeout      int    `yaml:"timeout"`       // 普通请求超时时间（秒），流式请求不受此限制
	ReadyRetries int    `yaml:"ready_retries"` // 启动时等待后端就绪的最大次数
	// IdentityPaths 身份相关接口，401时强制退出登录
	IdentityPaths []string `yaml:"identity_paths,omitempty"`
}

// VoiceConfig 表示语音实时通道的配置
type VoiceConfig struct {
	URL              string  `yaml:"url"`               // 语音后端WebSocket地址
	HandshakeTimeout float64 `yaml:"handshake_timeout"` // 握手超时（秒）
	SampleRate       int     `yaml:"sample_rate"`       // 采样率
	FrameDuration    int     `yaml:"frame_duration"`    // 每帧时长（毫秒）
	BargeIn          bool    `yaml:"barge_in"`          // 播放中检测到说话时自动打断
	EnergyThreshold  float64 `yaml:"energy_threshold"`  // 本地VAD能量阈值
}

// DatabaseConfig 表示存储的配置
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite 或 mysql
	DSN    string `yaml:"dsn"`    // 数据源
}

// SessionConfig 表示会话生命周期的配置
type SessionConfig struct {
	IdleTimeout   float64 `yaml:"idle_timeout"`   // 空闲超时（秒），超过后会话被中止
	SweepSchedule string  `yaml:"sweep_schedule"` // 空闲清理的cron表达式
	HintLifetime  float64 `yaml:"hint_lifetime"`  // 教练提示显示时长（秒）
}

// IdleTimeoutDuration 返回空闲超时
func (s SessionConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout * float64(time.Second))
}

// HintLifetimeDuration 返回提示显示时长
func (s SessionConfig) HintLifetimeDuration() time.Duration {
	return time.Duration(s.HintLifetime * float64(time.Second))
}

// HandshakeTimeoutDuration 返回语音握手超时
func (v VoiceConfig) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(v.HandshakeTimeout * float64(time.Second))
}

// LoadConfig 从YAML文件加载配置
// 参数:
//   - configPath: 配置文件路径
//
// 返回:
//   - *Config: 加载的配置对象
//   - error: 如果加载失败，返回错误信息
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ConfigPath = configPath
	return cfg, nil
}

// Parse 解析YAML内容，补齐默认值并校验
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 10
	}
	if cfg.Backend.ReadyRetries == 0 {
		cfg.Backend.ReadyRetries = 30
	}
	if len(cfg.Backend.IdentityPaths) == 0 {
		cfg.Backend.IdentityPaths = []string{"/api/auth/login", "/api/auth/me"}
	}
	if cfg.Voice.HandshakeTimeout == 0 {
		cfg.Voice.HandshakeTimeout = 5
	}
	if cfg.Voice.SampleRate == 0 {
		cfg.Voice.SampleRate = 16000
	}
	if cfg.Voice.FrameDuration == 0 {
		cfg.Voice.FrameDuration = 60
	}
	if cfg.Voice.EnergyThreshold == 0 {
		cfg.Voice.EnergyThreshold = 0.01
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "data/trainer.db"
	}
	if cfg.Session.IdleTimeout == 0 {
		cfg.Session.IdleTimeout = 30 * 60
	}
	if cfg.Session.SweepSchedule == "" {
		cfg.Session.SweepSchedule = "*/1 * * * *"
	}
	if cfg.Session.HintLifetime == 0 {
		cfg.Session.HintLifetime = 8
	}

	// 设置日志配置的默认值（如果未指定）
	if cfg.Log.LogLevel == "" {
		cfg.Log.LogLevel = "info"
	}
	if cfg.Log.LogFile == "" {
		cfg.Log.LogFile = "logs/server.log"
	}
	if !cfg.Log.EnableConsole {
		cfg.Log.EnableConsole = true
	}
}

// Validate 校验配置的必填项
func (cfg *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(cfg.Backend.URL) == "" {
		errs = append(errs, errors.New("backend.url 不能为空"))
	}
	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port 非法: %d", cfg.HTTP.Port))
	}
	switch cfg.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Errorf("database.driver 不支持: %s", cfg.Database.Driver))
	}
	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn 不能为空"))
	}
	if cfg.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session.idle_timeout 不能为负数"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("配置校验失败: %w", errors.Join(errs...))
	}
	return nil
}
