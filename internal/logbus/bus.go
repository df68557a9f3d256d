package logbus

import (
	"sync"
	"time"
)

// Bus 引擎的结构化日志 / 事件总线：保留最近 N 条，广播给所有订阅者。
// 订阅者消费不过来时直接丢（慢消费者不能拖住引擎）。
type Bus struct {
	mu     sync.RWMutex
	ring   []Message
	head   int
	count  int
	subs   map[chan Message]struct{}
	closed bool
}

type Message struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
	Data any    `json:"data"`
}

type LogData struct {
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	TaskID string         `json:"taskId,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		ring: make([]Message, capacity),
		subs: make(map[chan Message]struct{}),
	}
}

func (b *Bus) Publish(typ string, data any) {
	msg := Message{Type: typ, Time: time.Now().UnixMilli(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ring[(b.head+b.count)%len(b.ring)] = msg
	if b.count < len(b.ring) {
		b.count++
	} else {
		b.head = (b.head + 1) % len(b.ring)
	}
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (b *Bus) Log(level, msg string, fields map[string]any) {
	b.Publish("log", LogData{Level: level, Msg: msg, Fields: fields})
}

// TaskLog 带任务 ID 的日志，前端按任务过滤用。
func (b *Bus) TaskLog(taskID, level, msg string, fields map[string]any) {
	b.Publish("log", LogData{Level: level, Msg: msg, TaskID: taskID, Fields: fields})
}

// Snapshot 返回缓冲区里按时间顺序排列的历史消息。
func (b *Bus) Snapshot() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.ring[(b.head+i)%len(b.ring)])
	}
	return out
}

func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
