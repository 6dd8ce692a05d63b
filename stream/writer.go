package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Writer 以事件流格式写出事件并立即刷新
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewWriter 创建事件流写入器，并写入事件流响应头
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer 不支持 flush")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: f}, nil
}

// SendNamed 写出带事件名的任意数据
func (sw *Writer) SendNamed(event string, data any) error {
	return sw.write(event, data)
}

func (sw *Writer) write(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	if event != "" {
		if _, err := fmt.Fprintf(sw.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(sw.w, "%s %s\n\n", DataPrefix, b); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
