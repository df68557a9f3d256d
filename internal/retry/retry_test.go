package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"porter/internal/provider"
)

func testPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: time.Second, Cap: 8 * time.Second}
}

func TestTransientRetriesThenFails(t *testing.T) {
	p := testPolicy()
	err := &provider.Fault{Kind: provider.FaultTransient, Msg: "connection reset"}

	// 第 1..MaxAttempts 次失败重试且延时严格递增，再失败一次才放弃。
	var last time.Duration
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		d := p.Decide(err, attempt)
		if d.Action != Retry {
			t.Fatalf("attempt %d: %+v", attempt, d)
		}
		if d.Delay <= last {
			t.Fatalf("attempt %d 延时应严格递增: %v <= %v", attempt, d.Delay, last)
		}
		last = d.Delay
	}
	if d := p.Decide(err, p.MaxAttempts+1); d.Action != Fail {
		t.Fatalf("attempt %d 应当放弃: %+v", p.MaxAttempts+1, d)
	}
}

func TestRateLimitedHonorsRetryAfter(t *testing.T) {
	p := testPolicy()
	err := &provider.Fault{Kind: provider.FaultRateLimited, RetryAfter: 5 * time.Second}

	d := p.Decide(err, 1)
	if d.Action != Retry || d.Delay != 5*time.Second {
		t.Fatalf("应采用服务端提示: %+v", d)
	}
}

func TestRateLimitedWithoutHintUsesBackoff(t *testing.T) {
	p := testPolicy()
	err := &provider.Fault{Kind: provider.FaultRateLimited}

	d := p.Decide(err, 2)
	if d.Action != Retry || d.Delay != 2*time.Second {
		t.Fatalf("没有提示应走退避: %+v", d)
	}
	if d := p.Decide(err, 3); d.Action != Retry {
		t.Fatalf("attempt 3 仍在预算内: %+v", d)
	}
	if d := p.Decide(err, 4); d.Action != Fail {
		t.Fatalf("attempt 4 应当放弃: %+v", d)
	}
}

func TestPermanentFailsImmediately(t *testing.T) {
	p := testPolicy()
	err := &provider.Fault{Kind: provider.FaultPermanent, Msg: "item rejected"}

	d := p.Decide(err, 1)
	if d.Action != Fail {
		t.Fatalf("永久错误第一次就该放弃: %+v", d)
	}
	if d.Reason == "" {
		t.Fatal("Reason 不能为空")
	}
}

func TestAuthExpiredRequestsRefresh(t *testing.T) {
	p := testPolicy()
	err := &provider.Fault{Kind: provider.FaultAuthExpired, Status: 401}

	if d := p.Decide(err, 1); d.Action != RefreshSession {
		t.Fatalf("凭据过期应请求刷新: %+v", d)
	}
}

func TestCancelledFails(t *testing.T) {
	p := testPolicy()
	d := p.Decide(context.Canceled, 1)
	if d.Action != Fail || d.Reason != "cancelled" {
		t.Fatalf("取消应当失败且 reason=cancelled: %+v", d)
	}
}

func TestChallengeSuspends(t *testing.T) {
	p := testPolicy()
	err := &provider.ChallengeError{Locator: "https://shop.example/challenge"}

	if d := p.Decide(err, 1); d.Action != Suspend {
		t.Fatalf("挑战应当挂起: %+v", d)
	}
}

func TestUnknownErrorTreatedAsTransient(t *testing.T) {
	p := testPolicy()
	d := p.Decide(errors.New("something odd"), 1)
	if d.Action != Retry {
		t.Fatalf("未分类错误应按瞬时处理: %+v", d)
	}
}

func TestBackoffCapped(t *testing.T) {
	p := Policy{MaxAttempts: 10, Base: time.Second, Cap: 8 * time.Second}
	if d := p.backoff(6); d != 8*time.Second {
		t.Fatalf("退避应封顶 8s，得到 %v", d)
	}
	if d := p.backoff(0); d != time.Second {
		t.Fatalf("attempt<1 应按 1 处理，得到 %v", d)
	}
}
