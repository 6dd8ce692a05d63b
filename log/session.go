package log

import "fmt"

// Entry 为同一会话的日志加上统一前缀
type Entry struct {
	prefix string
}

// WithSession 返回带会话ID前缀的日志入口
func WithSession(sessionID string) Entry {
	return Entry{prefix: fmt.Sprintf("[session=%s] ", sessionID)}
}

// With 在已有前缀后追加键值
func (e Entry) With(key string, value interface{}) Entry {
	return Entry{prefix: fmt.Sprintf("%s[%s=%v] ", e.prefix, key, value)}
}

func (e Entry) Debugf(format string, args ...interface{}) {
	Debug.Output(2, e.prefix+fmt.Sprintf(format, args...))
}

func (e Entry) Infof(format string, args ...interface{}) {
	Info.Output(2, e.prefix+fmt.Sprintf(format, args...))
}

func (e Entry) Warnf(format string, args ...interface{}) {
	Warn.Output(2, e.prefix+fmt.Sprintf(format, args...))
}

func (e Entry) Errorf(format string, args ...interface{}) {
	Error.Output(2, e.prefix+fmt.Sprintf(format, args...))
}
