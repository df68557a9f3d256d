package retry

import (
	"time"

	"porter/internal/config"
	"porter/internal/provider"
)

type Action int

const (
	// Retry 等 Decision.Delay 后重试当前操作。
	Retry Action = iota
	// Fail 放弃当前任务，原因在 Decision.Reason。
	Fail
	// RefreshSession 先刷新会话再重试一次。每个阶段最多刷新一次，由调用方保证。
	RefreshSession
	// Suspend 挂起任务等待人工处理挑战。
	Suspend
)

type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

// Policy 无状态重试策略。Decide 对同样的 (err, attempt) 永远给出同样的结论。
// MaxAttempts 是允许重试的次数：第 1..MaxAttempts 次失败还会重试，
// 第 MaxAttempts+1 次失败才放弃。
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

func NewPolicy(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.Attempts(),
		Base:        cfg.BackoffBase(),
		Cap:         cfg.BackoffCap(),
	}
}

// Decide attempt 从 1 开始计，表示刚失败的是第几次尝试。
func (p Policy) Decide(err error, attempt int) Decision {
	if _, ok := provider.AsChallenge(err); ok {
		return Decision{Action: Suspend}
	}

	kind := provider.KindOf(err)
	switch kind {
	case provider.FaultCancelled:
		return Decision{Action: Fail, Reason: "cancelled"}

	case provider.FaultPermanent:
		return Decision{Action: Fail, Reason: reasonOf(err)}

	case provider.FaultAuthExpired:
		return Decision{Action: RefreshSession}

	case provider.FaultRateLimited:
		if attempt > p.MaxAttempts {
			return Decision{Action: Fail, Reason: reasonOf(err)}
		}
		delay := p.backoff(attempt)
		if f, ok := provider.AsFault(err); ok && f.RetryAfter > 0 {
			delay = f.RetryAfter
		}
		return Decision{Action: Retry, Delay: delay}

	default: // FaultTransient / FaultResourceExhausted
		if attempt > p.MaxAttempts {
			return Decision{Action: Fail, Reason: reasonOf(err)}
		}
		return Decision{Action: Retry, Delay: p.backoff(attempt)}
	}
}

// reasonOf 失败原因取简短的 Msg，没有 Msg 再退回完整错误串。
func reasonOf(err error) string {
	if f, ok := provider.AsFault(err); ok && f.Msg != "" {
		return f.Msg
	}
	return err.Error()
}

// backoff 指数退避：base, 2*base, 4*base... 封顶 Cap。
func (p Policy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}
