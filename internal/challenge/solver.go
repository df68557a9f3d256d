package challenge

import (
	"context"
	"time"

	"porter/internal/logbus"
)

// PageSolver 打开挑战页并产出令牌。浏览器驱动实现它；
// 测试里用函数桩替。
type PageSolver interface {
	SolveChallenge(ctx context.Context, locator string) (string, error)
}

// AttachSolver 把浏览器求解器挂到 broker 上：每次挂起都开一个
// 求解协程，拿到令牌（或失败）后回填 Resolve。失败时回填空令牌，
// 让挂起的任务尽快按超时语义收场而不是干等。
func AttachSolver(b *Broker, solver PageSolver, bus *logbus.Bus) {
	b.OnRaise(func(rec Record) {
		deadline := time.UnixMilli(rec.DeadlineAtMs)
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()

		if bus != nil {
			bus.TaskLog(rec.TaskID, "info", "挑战求解开始", map[string]any{"locator": rec.Locator})
		}

		token, err := solver.SolveChallenge(ctx, rec.Locator)
		if err != nil {
			if bus != nil {
				bus.TaskLog(rec.TaskID, "warn", "挑战求解失败: "+err.Error(), nil)
			}
			b.Resolve(rec.TaskID, "")
			return
		}

		if b.Resolve(rec.TaskID, token) && bus != nil {
			bus.TaskLog(rec.TaskID, "info", "挑战求解完成", nil)
		}
	})
}
