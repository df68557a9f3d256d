package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"porter/internal/challenge"
	"porter/internal/config"
	"porter/internal/logbus"
	"porter/internal/model"
	"porter/internal/notify"
	"porter/internal/pool"
	"porter/internal/provider"
	"porter/internal/retry"
)

const (
	reasonCancelled        = "cancelled"
	reasonChallengeTimeout = "challenge-timeout"
	reasonStickyUnhealthy  = "sticky-entry-unhealthy"
)

// Capabilities 状态机推进一步所需的全部协作方。
// 状态机自己不持有跨任务状态，共享可变状态只在 Pool / Broker 内部。
type Capabilities struct {
	Provider   provider.Provider
	Pool       *pool.Pool
	Session    provider.SessionRefresher
	Challenges *challenge.Broker
	Policy     retry.Policy
	Monitor    config.MonitorConfig
	Bus        *logbus.Bus
	Notifier   notify.Notifier

	// Observe 每次任务快照变化时由任务自己的执行单元同步调用，
	// 调度器用它维护只读快照，HTTP 侧不必碰在途任务。nil 表示不观察。
	Observe func(snap model.Task)
	// Gate 每次网络操作前调用（全局限速）。nil 表示不限速。
	Gate func(ctx context.Context) error
	// Sleep 可注入的延时，测试里换成假时钟。nil 用真实 sleep。
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand 抖动随机源，nil 用全局 math/rand。
	Rand func() float64
}

// Outcome Advance 一步的结果，调度器据此决定下一步。
type Outcome struct {
	Status model.TaskStatus
	// Delay 下一次推进前要等的时间（轮询间隔 / 资源退避）。
	Delay time.Duration
	// Exhausted 本步因为池里没有健康条目而空转，调度器累计它做运维告警。
	Exhausted bool
}

// Advance 任务状态机的唯一推进入口：向前走一个阶段。
// 对已终态的任务是幂等空操作。除任务自身字段和事件发布外无副作用。
func Advance(ctx context.Context, t *model.Task, caps *Capabilities) Outcome {
	if t.Status.Terminal() {
		return Outcome{Status: t.Status}
	}
	if ctx.Err() != nil {
		caps.failTask(t, reasonCancelled, ctx.Err())
		return Outcome{Status: t.Status}
	}

	switch t.Status {
	case model.StatusIdle:
		t.StartedAt = time.Now()
		caps.transition(t, model.StatusMonitoring)
		return Outcome{Status: t.Status}

	case model.StatusMonitoring:
		return caps.stepMonitor(ctx, t)

	case model.StatusReserved:
		// 正常流程里锁定在 stepMonitor 内同步完成；走到这里说明
		// 上一次推进在挂起恢复前被打断，重新发起锁定。
		return caps.stepReserve(ctx, t, pool.Lease{})

	case model.StatusCheckout:
		return caps.stepCheckout(ctx, t)

	default:
		// waiting_challenge 只在阶段内部短暂出现，不应该跨推进暴露。
		caps.failTask(t, "invalid-state", fmt.Errorf("advance from %s", t.Status))
		return Outcome{Status: t.Status}
	}
}

// stepMonitor 一次库存轮询。查到有货后在同一次调用里立刻锁定，
// 中间不让出执行权，把竞速窗口压到最小。
func (caps *Capabilities) stepMonitor(ctx context.Context, t *model.Task) Outcome {
	lease, err := caps.acquire(t)
	if err != nil {
		// 没有可用条目不是致命错误：记一次轮询，退避后再来。
		t.Polls++
		t.LastError = err.Error()
		caps.publish(t)
		return Outcome{Status: t.Status, Delay: caps.pollDelay(), Exhausted: true}
	}

	if err := caps.gate(ctx); err != nil {
		caps.failTask(t, reasonCancelled, err)
		return Outcome{Status: t.Status}
	}

	res, err := caps.Provider.CheckStock(ctx, t.ItemID, lease)
	if err != nil {
		if provider.KindOf(err) == provider.FaultPermanent {
			caps.Pool.ReportFailure(lease)
			caps.failTask(t, failReason(err), err)
			return Outcome{Status: t.Status}
		}
		if provider.KindOf(err) == provider.FaultCancelled {
			caps.failTask(t, reasonCancelled, err)
			return Outcome{Status: t.Status}
		}
		// 瞬时错误：这次轮询作废，下个间隔接着查。
		caps.Pool.ReportFailure(lease)
		t.Polls++
		t.LastError = err.Error()
		caps.publish(t)
		return Outcome{Status: t.Status, Delay: caps.pollDelay()}
	}

	caps.Pool.ReportSuccess(lease)
	t.Polls++
	t.LastError = ""

	if !res.Available {
		caps.publish(t)
		return Outcome{Status: t.Status, Delay: caps.pollDelay()}
	}

	caps.log(t, "info", "监控命中，立即锁定", map[string]any{
		"polls": t.Polls,
		"entry": lease.Masked(),
	})
	caps.transition(t, model.StatusReserved)
	if caps.Notifier != nil {
		caps.Notifier.StockFound(ctx, notify.StockFoundEvent{
			At: time.Now().UnixMilli(), TaskID: t.ID, ItemID: t.ItemID, Polls: t.Polls,
		})
	}
	return caps.stepReserve(ctx, t, lease)
}

// stepReserve 锁定阶段。复用发现库存的那个条目；锁定成功后把条目
// 粘在任务上，结算必须继续用它。
func (caps *Capabilities) stepReserve(ctx context.Context, t *model.Task, lease pool.Lease) Outcome {
	if lease.Direct() && !caps.Pool.Empty() {
		l, err := caps.Pool.Acquire(t.ProxyGroup)
		if err != nil {
			t.LastError = err.Error()
			caps.publish(t)
			return Outcome{Status: t.Status, Delay: caps.pollDelay(), Exhausted: true}
		}
		lease = l
	}

	err := caps.runPhase(ctx, t, model.StatusReserved, func(opCtx context.Context) error {
		if err := caps.gate(opCtx); err != nil {
			return &provider.Fault{Kind: provider.FaultCancelled, Err: err}
		}
		res, err := caps.Provider.Reserve(opCtx, t.ItemID, t.Variant, lease)
		if err != nil {
			caps.Pool.ReportFailure(lease)
			return err
		}
		caps.Pool.ReportSuccess(lease)
		t.ReservationRef = res.Ref
		return nil
	})
	if err != nil {
		caps.failTask(t, failReason(err), err)
		return Outcome{Status: t.Status}
	}

	caps.Pool.Bind(t.ID, lease)
	caps.log(t, "info", "锁定成功", map[string]any{"ref": t.ReservationRef, "entry": lease.Masked()})
	caps.transition(t, model.StatusCheckout)
	return Outcome{Status: t.Status}
}

// stepCheckout 结算阶段。每次尝试都重新校验粘性条目：
// 条目中途不健康就让任务失败，绝不偷偷换出口身份。
func (caps *Capabilities) stepCheckout(ctx context.Context, t *model.Task) Outcome {
	err := caps.runPhase(ctx, t, model.StatusCheckout, func(opCtx context.Context) error {
		lease, err := caps.stickyLease(t)
		if err != nil {
			return err
		}
		if err := caps.gate(opCtx); err != nil {
			return &provider.Fault{Kind: provider.FaultCancelled, Err: err}
		}
		res, err := caps.Provider.Submit(opCtx, t.Profile, t.ReservationRef, lease)
		if err != nil {
			caps.Pool.ReportFailure(lease)
			return err
		}
		caps.Pool.ReportSuccess(lease)
		t.OrderID = res.OrderID
		return nil
	})
	if err != nil {
		caps.failTask(t, failReason(err), err)
		return Outcome{Status: t.Status}
	}

	t.EndedAt = time.Now()
	t.LastError = ""
	caps.Pool.ReleaseSticky(t.ID)
	caps.transition(t, model.StatusSuccess)
	caps.log(t, "info", "下单成功", map[string]any{"orderId": t.OrderID, "polls": t.Polls})
	if caps.Notifier != nil {
		caps.Notifier.OrderPlaced(context.WithoutCancel(ctx), notify.OrderPlacedEvent{
			At: time.Now().UnixMilli(), TaskID: t.ID, ItemID: t.ItemID,
			Variant: t.Variant, OrderID: t.OrderID, Profile: profileName(t),
		})
	}
	return Outcome{Status: t.Status}
}

func (caps *Capabilities) stickyLease(t *model.Task) (pool.Lease, error) {
	if caps.Pool.Empty() {
		return pool.Lease{}, nil
	}
	lease, err := caps.Pool.Sticky(t.ID)
	if err != nil {
		if errors.Is(err, pool.ErrStickyUnhealthy) {
			return pool.Lease{}, &provider.Fault{
				Kind: provider.FaultPermanent, Msg: reasonStickyUnhealthy, Err: err,
			}
		}
		return pool.Lease{}, &provider.Fault{Kind: provider.FaultPermanent, Err: err}
	}
	return lease, nil
}

// phaseFailure 阶段内终局失败，reason 写进任务。
type phaseFailure struct {
	reason string
	err    error
}

func (e *phaseFailure) Error() string { return e.reason }
func (e *phaseFailure) Unwrap() error { return e.err }

func failReason(err error) string {
	var pf *phaseFailure
	if errors.As(err, &pf) {
		return pf.reason
	}
	if f, ok := provider.AsFault(err); ok && f.Msg != "" {
		return f.Msg
	}
	return err.Error()
}

// runPhase 带重试预算执行一个阶段操作。
// 瞬时错误按策略退避重试；凭据过期最多刷新一次会话；
// 挑战把任务挂起等令牌，令牌到手后同一操作只重试一次。
func (caps *Capabilities) runPhase(ctx context.Context, t *model.Task, phase model.TaskStatus, op func(context.Context) error) error {
	refreshed := false
	suspended := false

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		t.LastError = err.Error()
		caps.publish(t)

		d := caps.Policy.Decide(err, attempt)
		switch d.Action {
		case retry.Fail:
			return &phaseFailure{reason: d.Reason, err: err}

		case retry.Retry:
			caps.log(t, "debug", "阶段重试", map[string]any{
				"phase": string(phase), "attempt": attempt, "delayMs": d.Delay.Milliseconds(),
			})
			if err := caps.sleep(ctx, d.Delay); err != nil {
				// 取消后不再自动重试，尤其是可能已部分提交的结算请求。
				return &phaseFailure{reason: reasonCancelled, err: err}
			}

		case retry.RefreshSession:
			if refreshed || caps.Session == nil {
				return &phaseFailure{reason: "auth-expired", err: err}
			}
			refreshed = true
			caps.log(t, "warn", "凭据过期，刷新会话后重试", map[string]any{"phase": string(phase)})
			if rerr := caps.Session.Refresh(ctx); rerr != nil {
				return &phaseFailure{reason: "session-refresh-failed", err: rerr}
			}
			attempt-- // 刷新后的那次重试不占重试预算

		case retry.Suspend:
			if suspended {
				return &phaseFailure{reason: "challenge-unresolved", err: err}
			}
			suspended = true
			ch, _ := provider.AsChallenge(err)
			token, serr := caps.suspend(ctx, t, phase, ch.Locator)
			if serr != nil {
				if errors.Is(serr, challenge.ErrTimeout) {
					return &phaseFailure{reason: reasonChallengeTimeout, err: serr}
				}
				return &phaseFailure{reason: reasonCancelled, err: serr}
			}
			if caps.Session != nil {
				caps.Session.ApplyChallengeToken(token)
			}
			attempt-- // 令牌重试同样不占预算
		}
	}
}

// suspend 把任务挂到 waiting_challenge，只阻塞本任务，恢复后回到原阶段。
func (caps *Capabilities) suspend(ctx context.Context, t *model.Task, phase model.TaskStatus, locator string) (string, error) {
	caps.transition(t, model.StatusWaitingChallenge)
	caps.log(t, "warn", "检测到人机挑战，任务挂起", map[string]any{
		"phase": string(phase), "locator": locator,
	})
	if caps.Notifier != nil {
		caps.Notifier.ChallengeRaised(context.WithoutCancel(ctx), notify.ChallengeEvent{
			At: time.Now().UnixMilli(), TaskID: t.ID, ItemID: t.ItemID, Locator: locator,
		})
	}

	token, err := caps.Challenges.Raise(ctx, t.ID, locator)
	if err != nil {
		return "", err
	}

	caps.transition(t, phase)
	caps.log(t, "info", "拿到挑战令牌，恢复执行", map[string]any{"phase": string(phase)})
	return token, nil
}

func (caps *Capabilities) acquire(t *model.Task) (pool.Lease, error) {
	if caps.Pool.Empty() {
		return pool.Lease{}, nil
	}
	return caps.Pool.Acquire(t.ProxyGroup)
}

// pollDelay 轮询间隔加抖动，避免所有任务同相位打点。
func (caps *Capabilities) pollDelay() time.Duration {
	base := caps.Monitor.Interval()
	jit := caps.Monitor.Jitter()
	r := rand.Float64
	if caps.Rand != nil {
		r = caps.Rand
	}
	// interval * (1 ± jitterPct)
	f := 1 + jit*(2*r()-1)
	return time.Duration(float64(base) * f)
}

func (caps *Capabilities) gate(ctx context.Context) error {
	if caps.Gate == nil {
		return nil
	}
	return caps.Gate(ctx)
}

func (caps *Capabilities) sleep(ctx context.Context, d time.Duration) error {
	if caps.Sleep != nil {
		return caps.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (caps *Capabilities) transition(t *model.Task, next model.TaskStatus) {
	t.Status = next
	caps.publish(t)
}

func (caps *Capabilities) failTask(t *model.Task, reason string, err error) {
	if t.Status.Terminal() {
		return
	}
	t.Status = model.StatusFailed
	t.FailReason = reason
	if err != nil {
		t.LastError = err.Error()
	}
	t.EndedAt = time.Now()
	caps.Pool.ReleaseSticky(t.ID)
	caps.publish(t)
	caps.log(t, "warn", "任务失败", map[string]any{"reason": reason})
	if caps.Notifier != nil {
		caps.Notifier.TaskFailed(context.Background(), notify.TaskFailedEvent{
			At: time.Now().UnixMilli(), TaskID: t.ID, ItemID: t.ItemID, Reason: reason,
		})
	}
}

func (caps *Capabilities) publish(t *model.Task) {
	snap := t.Snapshot()
	if caps.Observe != nil {
		caps.Observe(snap)
	}
	if caps.Bus != nil {
		caps.Bus.Publish("task_state", snap)
	}
}

func (caps *Capabilities) log(t *model.Task, level, msg string, fields map[string]any) {
	if caps.Bus != nil {
		caps.Bus.TaskLog(t.ID, level, msg, fields)
	}
}

func profileName(t *model.Task) string {
	if t.Profile == nil {
		return ""
	}
	return t.Profile.Name
}
