package notify

import "context"

type StockFoundEvent struct {
	At     int64  `json:"atMs"`
	TaskID string `json:"taskId"`
	ItemID string `json:"itemId"`
	Polls  int    `json:"polls"`
}

type ChallengeEvent struct {
	At      int64  `json:"atMs"`
	TaskID  string `json:"taskId"`
	ItemID  string `json:"itemId"`
	Locator string `json:"locator"`
}

type OrderPlacedEvent struct {
	At      int64  `json:"atMs"`
	TaskID  string `json:"taskId"`
	ItemID  string `json:"itemId"`
	Variant string `json:"variant,omitempty"`
	OrderID string `json:"orderId"`
	Profile string `json:"profile,omitempty"`
}

type TaskFailedEvent struct {
	At     int64  `json:"atMs"`
	TaskID string `json:"taskId"`
	ItemID string `json:"itemId"`
	Reason string `json:"reason"`
}

type AlertEvent struct {
	At  int64  `json:"atMs"`
	Msg string `json:"msg"`
}

// Notifier 外部通知协作方。实现方自己保证不阻塞调用方（排队或丢弃）。
type Notifier interface {
	StockFound(ctx context.Context, evt StockFoundEvent)
	ChallengeRaised(ctx context.Context, evt ChallengeEvent)
	OrderPlaced(ctx context.Context, evt OrderPlacedEvent)
	TaskFailed(ctx context.Context, evt TaskFailedEvent)
	Alert(ctx context.Context, evt AlertEvent)
}

// Multi 扇出到多个通知方。
type Multi []Notifier

func (m Multi) StockFound(ctx context.Context, evt StockFoundEvent) {
	for _, n := range m {
		n.StockFound(ctx, evt)
	}
}

func (m Multi) ChallengeRaised(ctx context.Context, evt ChallengeEvent) {
	for _, n := range m {
		n.ChallengeRaised(ctx, evt)
	}
}

func (m Multi) OrderPlaced(ctx context.Context, evt OrderPlacedEvent) {
	for _, n := range m {
		n.OrderPlaced(ctx, evt)
	}
}

func (m Multi) TaskFailed(ctx context.Context, evt TaskFailedEvent) {
	for _, n := range m {
		n.TaskFailed(ctx, evt)
	}
}

func (m Multi) Alert(ctx context.Context, evt AlertEvent) {
	for _, n := range m {
		n.Alert(ctx, evt)
	}
}
