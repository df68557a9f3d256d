package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"porter/internal/challenge"
	"porter/internal/config"
	"porter/internal/model"
	"porter/internal/pool"
	"porter/internal/provider"
	"porter/internal/retry"
)

// fakeShop 脚本化的阶段执行器：每个阶段按调用次数给出预设结果。
type fakeShop struct {
	mu           sync.Mutex
	stockCalls   int
	reserveCalls int
	submitCalls  int

	stock   func(call int) (provider.StockResult, error)
	reserve func(call int) (provider.ReserveResult, error)
	submit  func(call int) (provider.SubmitResult, error)
}

func (f *fakeShop) Name() string { return "fake" }

func (f *fakeShop) CheckStock(_ context.Context, _ string, _ pool.Lease) (provider.StockResult, error) {
	f.mu.Lock()
	f.stockCalls++
	call := f.stockCalls
	f.mu.Unlock()
	if f.stock == nil {
		return provider.StockResult{Available: true}, nil
	}
	return f.stock(call)
}

func (f *fakeShop) Reserve(_ context.Context, _, _ string, _ pool.Lease) (provider.ReserveResult, error) {
	f.mu.Lock()
	f.reserveCalls++
	call := f.reserveCalls
	f.mu.Unlock()
	if f.reserve == nil {
		return provider.ReserveResult{Ref: "ref-1"}, nil
	}
	return f.reserve(call)
}

func (f *fakeShop) Submit(_ context.Context, _ *model.Profile, _ string, _ pool.Lease) (provider.SubmitResult, error) {
	f.mu.Lock()
	f.submitCalls++
	call := f.submitCalls
	f.mu.Unlock()
	if f.submit == nil {
		return provider.SubmitResult{OrderID: "ORD-1"}, nil
	}
	return f.submit(call)
}

type fakeSession struct {
	mu           sync.Mutex
	refreshCalls int
	refreshErr   error
	tokens       []string
}

func (s *fakeSession) Refresh(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCalls++
	return s.refreshErr
}

func (s *fakeSession) ApplyChallengeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
}

func testCaps(shop *fakeShop, sess *fakeSession, broker *challenge.Broker) *Capabilities {
	if broker == nil {
		broker = challenge.NewBroker(time.Second)
	}
	caps := &Capabilities{
		Provider:   shop,
		Pool:       pool.New(config.PoolConfig{}, nil),
		Challenges: broker,
		Policy:     retry.Policy{MaxAttempts: 3, Base: time.Millisecond, Cap: 4 * time.Millisecond},
		Monitor:    config.MonitorConfig{IntervalMs: 1},
		Sleep:      func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
	if sess != nil {
		caps.Session = sess
	}
	return caps
}

func newTask() *model.Task {
	return &model.Task{
		ID:      "t1",
		ItemID:  "item-1",
		Profile: &model.Profile{Name: "main"},
		Status:  model.StatusIdle,
	}
}

func drive(t *testing.T, ctx context.Context, task *model.Task, caps *Capabilities) {
	t.Helper()
	for i := 0; i < 100 && !task.Status.Terminal(); i++ {
		Advance(ctx, task, caps)
	}
	if !task.Status.Terminal() {
		t.Fatalf("100 步后仍未到终态: %s", task.Status)
	}
}

func TestHappyPathCountsPolls(t *testing.T) {
	shop := &fakeShop{
		stock: func(call int) (provider.StockResult, error) {
			// 前 5 次无货，第 6 次命中。
			return provider.StockResult{Available: call > 5}, nil
		},
	}
	caps := testCaps(shop, &fakeSession{}, nil)
	task := newTask()

	drive(t, context.Background(), task, caps)

	if task.Status != model.StatusSuccess {
		t.Fatalf("status = %s, failReason = %s", task.Status, task.FailReason)
	}
	if task.Polls != 6 {
		t.Fatalf("polls = %d, 期望 6", task.Polls)
	}
	if task.OrderID == "" {
		t.Fatal("成功任务必须有订单号")
	}
	if task.ReservationRef != "ref-1" {
		t.Fatalf("reservationRef = %q", task.ReservationRef)
	}
	if task.EndedAt.IsZero() {
		t.Fatal("终态必须有结束时间")
	}
}

func TestTerminalIsIdempotent(t *testing.T) {
	caps := testCaps(&fakeShop{}, &fakeSession{}, nil)
	task := newTask()
	task.Status = model.StatusSuccess
	task.OrderID = "ORD-X"

	out := Advance(context.Background(), task, caps)
	if out.Status != model.StatusSuccess || task.OrderID != "ORD-X" {
		t.Fatalf("终态推进应是幂等空操作: %+v", out)
	}
}

func TestCancelledDuringMonitoring(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	shop := &fakeShop{
		stock: func(call int) (provider.StockResult, error) {
			if call == 3 {
				cancel()
				return provider.StockResult{}, ctx.Err()
			}
			return provider.StockResult{Available: false}, nil
		},
	}
	caps := testCaps(shop, &fakeSession{}, nil)
	task := newTask()

	drive(t, ctx, task, caps)

	if task.Status != model.StatusFailed || task.FailReason != "cancelled" {
		t.Fatalf("status=%s reason=%s", task.Status, task.FailReason)
	}
	if shop.reserveCalls != 0 || shop.submitCalls != 0 {
		t.Fatal("取消后不得发起锁定/结算")
	}
}

func TestPermanentRejectionFailsTask(t *testing.T) {
	shop := &fakeShop{
		stock: func(int) (provider.StockResult, error) {
			return provider.StockResult{}, &provider.Fault{Kind: provider.FaultPermanent, Status: 404, Msg: "Not Found"}
		},
	}
	caps := testCaps(shop, &fakeSession{}, nil)
	task := newTask()

	drive(t, context.Background(), task, caps)

	if task.Status != model.StatusFailed {
		t.Fatalf("status = %s", task.Status)
	}
	if shop.stockCalls != 1 {
		t.Fatalf("永久错误不应重试，stockCalls = %d", shop.stockCalls)
	}
}

func TestTransientReserveRetriesWithinBudget(t *testing.T) {
	shop := &fakeShop{
		reserve: func(call int) (provider.ReserveResult, error) {
			if call < 3 {
				return provider.ReserveResult{}, &provider.Fault{Kind: provider.FaultTransient, Msg: "reset"}
			}
			return provider.ReserveResult{Ref: "ref-ok"}, nil
		},
	}
	caps := testCaps(shop, &fakeSession{}, nil)
	task := newTask()

	drive(t, context.Background(), task, caps)

	if task.Status != model.StatusSuccess {
		t.Fatalf("status=%s reason=%s", task.Status, task.FailReason)
	}
	if shop.reserveCalls != 3 {
		t.Fatalf("reserveCalls = %d", shop.reserveCalls)
	}
}

func TestChallengeResolvedResumesPhase(t *testing.T) {
	shop := &fakeShop{
		reserve: func(call int) (provider.ReserveResult, error) {
			if call == 1 {
				return provider.ReserveResult{}, &provider.ChallengeError{Locator: "https://shop/ch"}
			}
			return provider.ReserveResult{Ref: "ref-after"}, nil
		},
	}
	sess := &fakeSession{}
	broker := challenge.NewBroker(time.Second)
	broker.OnRaise(func(rec challenge.Record) {
		broker.Resolve(rec.TaskID, "clearance-xyz")
	})
	caps := testCaps(shop, sess, broker)
	task := newTask()

	drive(t, context.Background(), task, caps)

	if task.Status != model.StatusSuccess {
		t.Fatalf("status=%s reason=%s", task.Status, task.FailReason)
	}
	if len(sess.tokens) != 1 || sess.tokens[0] != "clearance-xyz" {
		t.Fatalf("令牌应应用到会话: %v", sess.tokens)
	}
	if shop.reserveCalls != 2 {
		t.Fatalf("reserveCalls = %d", shop.reserveCalls)
	}
}

func TestChallengeResolvedWithoutSession(t *testing.T) {
	shop := &fakeShop{
		reserve: func(call int) (provider.ReserveResult, error) {
			if call == 1 {
				return provider.ReserveResult{}, &provider.ChallengeError{Locator: "loc"}
			}
			return provider.ReserveResult{Ref: "ref-2"}, nil
		},
	}
	broker := challenge.NewBroker(time.Second)
	broker.OnRaise(func(rec challenge.Record) {
		broker.Resolve(rec.TaskID, "tok")
	})
	// 没有会话协作方：令牌没处落，但任务照样恢复并继续。
	caps := testCaps(shop, nil, broker)
	task := newTask()

	drive(t, context.Background(), task, caps)

	if task.Status != model.StatusSuccess {
		t.Fatalf("status=%s reason=%s", task.Status, task.FailReason)
	}
	if shop.reserveCalls != 2 {
		t.Fatalf("reserveCalls = %d", shop.reserveCalls)
	}
}

func TestChallengeTimeoutFailsTask(t *testing.T) {
	shop := &fakeShop{
		reserve: func(int) (provider.ReserveResult, error) {
			return provider.ReserveResult{}, &provider.ChallengeError{Locator: "loc"}
		},
	}
	broker := challenge.NewBroker(20 * time.Millisecond)
	caps := testCaps(shop, &fakeSession{}, broker)
	task := newTask()

	drive(t, context.Background(), task, caps)

	if task.Status != model.StatusFailed || task.FailReason != "challenge-timeout" {
		t.Fatalf("status=%s reason=%s", task.Status, task.FailReason)
	}
}

func TestSecondChallengeInPhaseFails(t *testing.T) {
	shop := &fakeShop{
		reserve: func(int) (provider.ReserveResult, error) {
			// 令牌回来后还是挑战：视为解不开。
			return provider.ReserveResult{}, &provider.ChallengeError{Locator: "loc"}
		},
	}
	broker := challenge.NewBroker(time.Second)
	broker.OnRaise(func(rec challenge.Record) {
		broker.Resolve(rec.TaskID, "tok")
	})
	caps := testCaps(shop, &fakeSession{}, broker)
	task := newTask()

	drive(t, context.Background(), task, caps)

	if task.Status != model.StatusFailed || task.FailReason != "challenge-unresolved" {
		t.Fatalf("status=%s reason=%s", task.Status, task.FailReason)
	}
	if shop.reserveCalls != 2 {
		t.Fatalf("reserveCalls = %d", shop.reserveCalls)
	}
}

func TestAuthExpiredRefreshesOnce(t *testing.T) {
	shop := &fakeShop{
		submit: func(call int) (provider.SubmitResult, error) {
			if call == 1 {
				return provider.SubmitResult{}, &provider.Fault{Kind: provider.FaultAuthExpired, Status: 401}
			}
			return provider.SubmitResult{OrderID: "ORD-2"}, nil
		},
	}
	sess := &fakeSession{}
	caps := testCaps(shop, sess, nil)
	task := newTask()

	drive(t, context.Background(), task, caps)

	if task.Status != model.StatusSuccess {
		t.Fatalf("status=%s reason=%s", task.Status, task.FailReason)
	}
	if sess.refreshCalls != 1 {
		t.Fatalf("refreshCalls = %d", sess.refreshCalls)
	}
}

func TestSessionRefreshFailure(t *testing.T) {
	shop := &fakeShop{
		submit: func(int) (provider.SubmitResult, error) {
			return provider.SubmitResult{}, &provider.Fault{Kind: provider.FaultAuthExpired, Status: 401}
		},
	}
	sess := &fakeSession{refreshErr: errors.New("login page moved")}
	caps := testCaps(shop, sess, nil)
	task := newTask()

	drive(t, context.Background(), task, caps)

	if task.FailReason != "session-refresh-failed" {
		t.Fatalf("reason = %s", task.FailReason)
	}
}

func TestStickyUnhealthyFailsCheckout(t *testing.T) {
	shop := &fakeShop{}
	caps := testCaps(shop, &fakeSession{}, nil)
	caps.Pool = pool.New(config.PoolConfig{
		Groups:           map[string][]string{"default": {"http://p1:8080"}},
		FailureThreshold: 1,
	}, nil)
	task := newTask()
	task.ProxyGroup = "default"
	task.Status = model.StatusCheckout
	task.ReservationRef = "ref-1"

	// 绑定后把条目打下线，结算时粘性校验应失败。
	lease, err := caps.Pool.Acquire("default")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	caps.Pool.Bind(task.ID, lease)
	caps.Pool.ReportFailure(lease)

	drive(t, context.Background(), task, caps)

	if task.Status != model.StatusFailed || task.FailReason != "sticky-entry-unhealthy" {
		t.Fatalf("status=%s reason=%s", task.Status, task.FailReason)
	}
	if shop.submitCalls != 0 {
		t.Fatal("粘性条目不健康时不得发起提交")
	}
}

func TestPollDelayJitterWithinBounds(t *testing.T) {
	caps := &Capabilities{
		Monitor: config.MonitorConfig{IntervalMs: 100, JitterPct: 0.25},
	}

	caps.Rand = func() float64 { return 0 } // 最小值
	if d := caps.pollDelay(); d != 75*time.Millisecond {
		t.Fatalf("下界 = %v", d)
	}
	caps.Rand = func() float64 { return 1 } // 最大值
	if d := caps.pollDelay(); d != 125*time.Millisecond {
		t.Fatalf("上界 = %v", d)
	}
	caps.Rand = func() float64 { return 0.5 }
	if d := caps.pollDelay(); d != 100*time.Millisecond {
		t.Fatalf("中值 = %v", d)
	}
}
