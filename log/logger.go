package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// Debug 调试级别日志记录器
	Debug *log.Logger
	// Info 信息级别日志记录器
	Info *log.Logger
	// Warn 警告级别日志记录器
	Warn *log.Logger
	// Error 错误级别日志记录器
	Error *log.Logger
	// Fatal 致命错误级别日志记录器
	Fatal *log.Logger

	// 当前生效的日志级别
	current LogLevel
	mu      sync.RWMutex
	logFile *os.File
)

// LogConfig 包含日志系统的配置信息
type LogConfig struct {
	// LogLevel 是最低输出的日志级别
	LogLevel string `yaml:"log_level"`
	// LogFile 是日志文件的路径
	LogFile string `yaml:"log_file"`
	// EnableConsole 决定是否同时将日志输出到控制台
	EnableConsole bool `yaml:"enable_console"`
}

// LogLevel 表示日志级别
type LogLevel int

const (
	// DebugLevel 调试级别，最详细的日志信息
	DebugLevel LogLevel = iota
	// InfoLevel 信息级别，常规操作信息
	InfoLevel
	// WarnLevel 警告级别，需要注意但不是错误的情况
	WarnLevel
	// ErrorLevel 错误级别，操作失败但程序可以继续运行
	ErrorLevel
	// FatalLevel 致命错误级别，会导致程序退出的严重错误
	FatalLevel
)

// 日志级别名称映射表，用于将字符串日志级别转换为LogLevel枚举
var levelNames = map[string]LogLevel{
	"debug": DebugLevel,
	"info":  InfoLevel,
	"warn":  WarnLevel,
	"error": ErrorLevel,
	"fatal": FatalLevel,
}

// 未调用Init之前（例如单元测试中）只输出警告及以上级别到标准错误
func init() {
	setup(os.Stderr, WarnLevel)
}

// ParseLevel 将字符串解析为日志级别，无法识别时返回InfoLevel
func ParseLevel(name string) (LogLevel, bool) {
	level, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return InfoLevel, false
	}
	return level, true
}

// Level 返回当前生效的日志级别
func Level() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Init 根据给定的配置初始化日志系统
// 参数：
//   - config：日志配置信息，包含日志级别、文件路径等
//
// 返回：
//   - error：如果初始化失败，返回错误信息
func Init(config *LogConfig) error {
	level, _ := ParseLevel(config.LogLevel)

	var output io.Writer
	if config.LogFile != "" {
		// 创建日志目录（如果不存在）
		if err := os.MkdirAll(filepath.Dir(config.LogFile), 0755); err != nil {
			return fmt.Errorf("创建日志目录失败：%w", err)
		}

		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("打开日志文件失败：%w", err)
		}

		mu.Lock()
		if logFile != nil {
			logFile.Close()
		}
		logFile = file
		mu.Unlock()

		if config.EnableConsole {
			output = io.MultiWriter(file, os.Stdout)
		} else {
			output = file
		}
	} else if config.EnableConsole {
		output = os.Stdout
	} else {
		output = io.Discard
	}

	setup(output, level)

	Info.Printf("日志系统已初始化，级别：%s", config.LogLevel)
	return nil
}

// Close 关闭日志文件
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// setup 按级别创建各个日志记录器，低于级别的输出到io.Discard
func setup(output io.Writer, level LogLevel) {
	// 日志格式：日期 时间 微秒 文件名：行号
	flags := log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile

	build := func(l LogLevel, prefix string) *log.Logger {
		if level <= l {
			return log.New(output, prefix, flags)
		}
		return log.New(io.Discard, "", 0)
	}

	mu.Lock()
	defer mu.Unlock()
	current = level
	Debug = build(DebugLevel, "\033[36mDEBUG：\033[0m")
	Info = build(InfoLevel, "\033[32mINFO：\033[0m")
	Warn = build(WarnLevel, "\033[33mWARN：\033[0m")
	Error = build(ErrorLevel, "\033[31mERROR：\033[0m")
	Fatal = build(FatalLevel, "\033[35mFATAL：\033[0m")
}

// Debugf 以调试级别记录格式化的消息
func Debugf(format string, args ...interface{}) {
	// 2表示跳过两层调用栈：Debugf函数本身和Output函数
	Debug.Output(2, fmt.Sprintf(format, args...))
}

// Infof 以信息级别记录格式化的消息
func Infof(format string, args ...interface{}) {
	Info.Output(2, fmt.Sprintf(format, args...))
}

// Warnf 以警告级别记录格式化的消息
func Warnf(format string, args ...interface{}) {
	Warn.Output(2, fmt.Sprintf(format, args...))
}

// Errorf 以错误级别记录格式化的消息
func Errorf(format string, args ...interface{}) {
	Error.Output(2, fmt.Sprintf(format, args...))
}

// Fatalf 以致命错误级别记录格式化的消息，然后退出程序
func Fatalf(format string, args ...interface{}) {
	Fatal.Output(2, fmt.Sprintf(format, args...))
	os.Exit(1)
}
