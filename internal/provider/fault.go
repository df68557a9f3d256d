package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type FaultKind string

const (
	FaultTransient         FaultKind = "transient-network"
	FaultRateLimited       FaultKind = "rate-limited"
	FaultAuthExpired       FaultKind = "auth-expired"
	FaultPermanent         FaultKind = "permanent-rejection"
	FaultResourceExhausted FaultKind = "resource-exhausted"
	FaultCancelled         FaultKind = "cancelled"
)

// Fault 阶段执行器返回的带分类错误。重试策略只看 Kind 和 RetryAfter。
type Fault struct {
	Kind       FaultKind
	Status     int           // 原始 HTTP 状态码，0 表示传输层错误
	RetryAfter time.Duration // 限流响应携带的等待提示，可为 0
	Msg        string
	Err        error
}

func (f *Fault) Error() string {
	if f.Msg != "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return string(f.Kind)
}

func (f *Fault) Unwrap() error { return f.Err }

// ChallengeError 响应被识别为人机挑战。Locator 必须足够让人工求解方打开处理。
// 挑战不是失败：状态机据此挂起任务等待令牌。
type ChallengeError struct {
	Locator string
}

func (e *ChallengeError) Error() string {
	return "challenge required: " + e.Locator
}

func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func AsChallenge(err error) (*ChallengeError, bool) {
	var c *ChallengeError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

// KindOf 尽力归类任意错误，给重试策略一个统一入口。
func KindOf(err error) FaultKind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FaultCancelled
	}
	if f, ok := AsFault(err); ok {
		return f.Kind
	}
	// 没有分类信息的错误按传输层抖动处理，交给重试预算兜底。
	return FaultTransient
}

// ClassifyStatus HTTP 状态码到错误类别的缺省映射。
func ClassifyStatus(status int) FaultKind {
	switch {
	case status == 429:
		return FaultRateLimited
	case status == 401 || status == 403:
		return FaultAuthExpired
	case status >= 500:
		return FaultTransient
	default:
		return FaultPermanent
	}
}
