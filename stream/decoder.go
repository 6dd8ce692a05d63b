// Package stream 实现轮次事件流的编解码。
//
// 线路格式为按行分隔的文本事件流：每个事件是一行以 "data:" 开头的 JSON，
// 事件之间以空行分隔。
package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"

	"lingzhi-trainer/log"
	"lingzhi-trainer/model"
)

// DataPrefix 是事件行的固定前缀
const DataPrefix = "data:"

// Decoder 把字节流解码为有序的 StreamEvent 序列。
// 单遍、惰性，只能通过重新发起请求来重启。
type Decoder struct {
	body   io.ReadCloser
	reader *bufio.Reader

	finished  bool
	closeOnce sync.Once
	closeErr  error
}

// NewDecoder 创建事件流解码器，解码器负责关闭body
func NewDecoder(body io.ReadCloser) *Decoder {
	return &Decoder{
		body:   body,
		reader: bufio.NewReader(body),
	}
}

// Next 返回下一个事件。流结束时返回io.EOF。
// 读到done事件后立即释放底层流，之后的调用直接返回io.EOF。
func (d *Decoder) Next() (model.StreamEvent, error) {
	for {
		if d.finished {
			return model.StreamEvent{}, io.EOF
		}

		// ReadString 会缓冲不完整的行，直到读到换行符
		line, err := d.reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			d.finish()
			return model.StreamEvent{}, err
		}
		atEOF := err != nil

		if ev, ok := parseLine(line); ok {
			if atEOF || ev.Type == model.EventDone {
				d.finish()
			}
			return ev, nil
		}

		if atEOF {
			d.finish()
			return model.StreamEvent{}, io.EOF
		}
	}
}

// All 以迭代器的形式返回全部事件，遇到读取错误时产出错误并结束
func (d *Decoder) All() iter.Seq2[model.StreamEvent, error] {
	return func(yield func(model.StreamEvent, error) bool) {
		for {
			ev, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// Close 释放底层流，可重复调用，也可以在其他goroutine中调用以打断阻塞的读取
func (d *Decoder) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.body.Close()
	})
	return d.closeErr
}

func (d *Decoder) finish() {
	d.finished = true
	d.Close()
}

// parseLine 解析一行，非事件行和损坏的JSON都返回false
func parseLine(line string) (model.StreamEvent, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, DataPrefix) {
		// 空行、event:、id: 和注释行都不携带事件
		return model.StreamEvent{}, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, DataPrefix))
	if payload == "" {
		return model.StreamEvent{}, false
	}

	var ev model.StreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		log.Debugf("丢弃无法解析的事件: %v, 内容: %s", err, payload)
		return model.StreamEvent{}, false
	}
	if ev.Type == "" {
		log.Debugf("丢弃缺少类型的事件: %s", payload)
		return model.StreamEvent{}, false
	}
	return ev, true
}
