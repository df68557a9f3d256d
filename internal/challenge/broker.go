package challenge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout 截止时间内没有等到令牌。
var ErrTimeout = errors.New("challenge: resolution deadline elapsed")

// Record 一条挂起记录：哪个任务、挑战在哪、什么时候过期。
// 任务同一时刻最多一条，解决或超时后即销毁。
type Record struct {
	TaskID       string `json:"taskId"`
	Locator      string `json:"locator"`
	CreatedAtMs  int64  `json:"createdAtMs"`
	DeadlineAtMs int64  `json:"deadlineAtMs"`
}

type resolution struct {
	token string
}

type suspension struct {
	rec  Record
	done chan resolution
}

// Broker 挂起/恢复协议的中枢。引擎只会阻塞发起挑战的那一个任务，
// 解决方（浏览器求解器、HTTP 手工提交）通过 Resolve 异步送回令牌。
// Broker 自己从不去驱动求解方，只等。
type Broker struct {
	mu      sync.Mutex
	pending map[string]*suspension
	timeout time.Duration
	raised  []func(Record)
}

func NewBroker(timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Broker{
		pending: make(map[string]*suspension),
		timeout: timeout,
	}
}

// OnRaise 注册挑战事件的消费者（通知、求解器）。回调在独立 goroutine 执行，
// 不允许拖住发起挂起的任务。
func (b *Broker) OnRaise(fn func(Record)) {
	b.mu.Lock()
	b.raised = append(b.raised, fn)
	b.mu.Unlock()
}

// Raise 挂起一个任务直到拿到令牌、超出截止时间或 ctx 取消。
// 只阻塞调用方自己，不持有任何会影响其他任务的锁。
func (b *Broker) Raise(ctx context.Context, taskID, locator string) (string, error) {
	now := time.Now()
	s := &suspension{
		rec: Record{
			TaskID:       taskID,
			Locator:      locator,
			CreatedAtMs:  now.UnixMilli(),
			DeadlineAtMs: now.Add(b.timeout).UnixMilli(),
		},
		done: make(chan resolution, 1),
	}

	b.mu.Lock()
	if _, exists := b.pending[taskID]; exists {
		b.mu.Unlock()
		return "", fmt.Errorf("challenge: task %s already suspended", taskID)
	}
	b.pending[taskID] = s
	listeners := append([]func(Record){}, b.raised...)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, taskID)
		b.mu.Unlock()
	}()

	for _, fn := range listeners {
		go fn(s.rec)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case r := <-s.done:
		if r.token == "" {
			// 求解方明确放弃等价于超时。
			return "", ErrTimeout
		}
		return r.token, nil
	case <-timer.C:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve 送回 (taskID, token)。token 为空表示“没有结果”。
// 返回 false 表示该任务当前没有挂起记录（已超时或重复提交）。
func (b *Broker) Resolve(taskID, token string) bool {
	b.mu.Lock()
	s, ok := b.pending[taskID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case s.done <- resolution{token: token}:
		return true
	default:
		return false
	}
}

// Pending 当前所有挂起记录的快照，HTTP 接口用。
func (b *Broker) Pending() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, len(b.pending))
	for _, s := range b.pending {
		out = append(out, s.rec)
	}
	return out
}

// Timeout 配置的截止时长。
func (b *Broker) Timeout() time.Duration { return b.timeout }
