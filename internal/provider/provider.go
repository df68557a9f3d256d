package provider

import (
	"context"

	"porter/internal/model"
	"porter/internal/pool"
)

type StockResult struct {
	Available bool   `json:"available"`
	Status    string `json:"status,omitempty"`
}

type ReserveResult struct {
	Ref string `json:"ref"`
}

type SubmitResult struct {
	OrderID string `json:"orderId"`
}

// Provider 三个阶段执行器：查库存、锁定（加购）、提交订单。
// 实现方负责把响应分类成 正常 / 可恢复错误(*Fault) / 挑战(*ChallengeError)。
type Provider interface {
	Name() string
	CheckStock(ctx context.Context, itemID string, lease pool.Lease) (StockResult, error)
	Reserve(ctx context.Context, itemID, variant string, lease pool.Lease) (ReserveResult, error)
	Submit(ctx context.Context, profile *model.Profile, reservationRef string, lease pool.Lease) (SubmitResult, error)
}

// SessionRefresher 会话协作方：凭据过期时由重试策略触发刷新。
// 刷新可能走浏览器重新登录，对引擎不透明。
type SessionRefresher interface {
	Refresh(ctx context.Context) error
	ApplyChallengeToken(token string)
}
