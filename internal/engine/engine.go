package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"porter/internal/challenge"
	"porter/internal/config"
	"porter/internal/logbus"
	"porter/internal/model"
	"porter/internal/notify"
	"porter/internal/pool"
	"porter/internal/provider"
	"porter/internal/retry"
)

// 资源池持续无可用条目多少步后升级为运维告警。
const exhaustedAlertAfter = 10

type Options struct {
	Provider   provider.Provider
	Pool       *pool.Pool
	Session    provider.SessionRefresher
	Challenges *challenge.Broker
	Bus        *logbus.Bus
	Notifier   notify.Notifier
	Limits     config.LimitsConfig
	Monitor    config.MonitorConfig
	Retry      config.RetryConfig
}

// Engine 调度器：每个任务一个独立执行单元，并发数天然受资源池容量约束。
// 任务之间除资源池外不共享任何可变状态，单个任务失败不影响整体。
type Engine struct {
	caps    *Capabilities
	limits  config.LimitsConfig
	limiter *rate.Limiter
	bus     *logbus.Bus

	mu      sync.Mutex
	running bool
	order   []string
	snaps   map[string]model.Task
}

type Summary struct {
	Total    int            `json:"total"`
	Success  int            `json:"success"`
	Failed   int            `json:"failed"`
	ByReason map[string]int `json:"byReason,omitempty"`
	Elapsed  time.Duration  `json:"-"`
	Tasks    []model.Task   `json:"tasks"`
}

func New(opts Options) *Engine {
	limiter := rate.NewLimiter(rate.Limit(opts.Limits.GlobalQPS), opts.Limits.GlobalBurst)
	if opts.Limits.GlobalQPS <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	e := &Engine{
		limits:  opts.Limits,
		limiter: limiter,
		bus:     opts.Bus,
		snaps:   make(map[string]model.Task),
	}
	e.caps = &Capabilities{
		Provider:   opts.Provider,
		Pool:       opts.Pool,
		Session:    opts.Session,
		Challenges: opts.Challenges,
		Policy:     retry.NewPolicy(opts.Retry),
		Monitor:    opts.Monitor,
		Bus:        opts.Bus,
		Notifier:   opts.Notifier,
		Gate:       limiter.Wait,
	}
	e.caps.Observe = e.record
	return e
}

// record 快照表的唯一写入口。状态变化由任务自己的执行单元在
// publish 里同步上报，读侧（State / 汇总）永远不碰在途任务。
// 宽限期兜底标成终态的任务，迟到的上报不再覆盖。
func (e *Engine) record(snap model.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.snaps[snap.ID]; ok && cur.Status.Terminal() {
		return
	}
	e.snaps[snap.ID] = snap
}

// Run 并发跑完整个任务集，所有任务到达终态后返回汇总。
// ctx 取消是协作式的：在途请求做完或超时，宽限期后兜底把
// 未终态任务标成 failed(cancelled)，绝不留中间态。
func (e *Engine) Run(ctx context.Context, tasks []*model.Task) (Summary, error) {
	start := time.Now()

	e.mu.Lock()
	e.running = true
	e.order = make([]string, 0, len(tasks))
	e.snaps = make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		e.order = append(e.order, t.ID)
		e.snaps[t.ID] = t.Snapshot()
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if e.bus != nil {
		e.bus.Log("info", "引擎启动", map[string]any{"tasks": len(tasks)})
	}

	// 高优先级先启动：资源紧张时它们先摸到池子。
	ordered := make([]*model.Task, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority.Rank() < ordered[j].Priority.Rank()
	})

	g := new(errgroup.Group)
	stagger := e.limits.LaunchStagger()
	for i, t := range ordered {
		t := t
		g.Go(func() error {
			e.runTask(ctx, t)
			return nil
		})
		if stagger > 0 && i < len(ordered)-1 {
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				stagger = 0 // 取消后剩余任务立即启动，让它们各自走取消路径
			}
		}
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	graceExpired := false
	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(e.limits.StopGrace()):
			graceExpired = true
			if e.bus != nil {
				e.bus.Log("warn", "宽限期已过，强制收尾", nil)
			}
		}
	}

	// 兜底：不允许任何任务停在非终态。
	if graceExpired {
		// 执行单元可能还在跑，只封快照，不碰在途任务本身；
		// 它们之后的上报会被 record 的终态保护挡掉。
		e.settleSnapshots(reasonCancelled)
		for _, t := range tasks {
			e.caps.Pool.ReleaseSticky(t.ID)
		}
	} else {
		for _, t := range tasks {
			if !t.Status.Terminal() {
				e.caps.failTask(t, reasonCancelled, ctx.Err())
			}
		}
	}

	s := e.summarize()
	s.Elapsed = time.Since(start)
	if e.bus != nil {
		e.bus.Log("info", "引擎结束", map[string]any{
			"success": s.Success, "failed": s.Failed, "elapsedMs": s.Elapsed.Milliseconds(),
		})
	}
	return s, ctx.Err()
}

// runTask 单个任务的执行单元：循环推进状态机直到终态。
// 阶段之间严格串行，同一任务不会有两个阶段并发。
func (e *Engine) runTask(ctx context.Context, t *model.Task) {
	exhausted := 0
	alerted := false

	for !t.Status.Terminal() {
		out := Advance(ctx, t, e.caps)

		if out.Exhausted {
			exhausted++
			if exhausted >= exhaustedAlertAfter && !alerted {
				alerted = true
				if e.bus != nil {
					e.bus.TaskLog(t.ID, "warn", "资源池持续无可用条目", map[string]any{
						"rounds": exhausted,
					})
				}
				if e.caps.Notifier != nil {
					e.caps.Notifier.Alert(context.Background(), notify.AlertEvent{
						At:  time.Now().UnixMilli(),
						Msg: "资源池持续耗尽，任务 " + t.ID + " 正在空转",
					})
				}
			}
		} else {
			exhausted = 0
			alerted = false
		}

		if out.Delay > 0 && !t.Status.Terminal() {
			// 轮询间隔也是取消观察点。
			if err := e.caps.sleep(ctx, out.Delay); err != nil {
				e.caps.failTask(t, reasonCancelled, err)
				return
			}
		}
	}
}

// State 当前所有任务的一致性快照，可与 Run 并发调用。
func (e *Engine) State() model.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := model.EngineState{Running: e.running}
	for _, id := range e.order {
		out.Tasks = append(out.Tasks, e.snaps[id])
	}
	return out
}

// settleSnapshots 把所有非终态快照标成 failed(reason)。
func (e *Engine) settleSnapshots(reason string) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.order {
		snap := e.snaps[id]
		if snap.Status.Terminal() {
			continue
		}
		snap.Status = model.StatusFailed
		snap.FailReason = reason
		snap.EndedAt = now
		e.snaps[id] = snap
	}
}

func (e *Engine) summarize() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Summary{Total: len(e.order), ByReason: make(map[string]int)}
	for _, id := range e.order {
		snap := e.snaps[id]
		s.Tasks = append(s.Tasks, snap)
		switch snap.Status {
		case model.StatusSuccess:
			s.Success++
		case model.StatusFailed:
			s.Failed++
			s.ByReason[snap.FailReason]++
		}
	}
	return s
}
