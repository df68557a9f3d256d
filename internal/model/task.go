package model

import "time"

type TaskStatus string

const (
	StatusIdle             TaskStatus = "idle"
	StatusMonitoring       TaskStatus = "monitoring"
	StatusReserved         TaskStatus = "reserved"
	StatusCheckout         TaskStatus = "checkout"
	StatusWaitingChallenge TaskStatus = "waiting_challenge"
	StatusSuccess          TaskStatus = "success"
	StatusFailed           TaskStatus = "failed"
)

// Terminal 终态之后不会再有任何状态变化。
func (s TaskStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank 数值越小优先级越高，用于调度排序。
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Task 一次完整的抢购尝试：监控 → 锁定 → 结算。
// ID/ItemID/Variant/Profile/ProxyGroup/Priority 加载后不可变，
// 其余字段只允许状态机修改。
type Task struct {
	ID         string   `json:"id"`
	ItemID     string   `json:"itemId"`
	Variant    string   `json:"variant,omitempty"`
	Profile    *Profile `json:"-"`
	ProxyGroup string   `json:"proxyGroup,omitempty"`
	Priority   Priority `json:"priority"`

	Status         TaskStatus `json:"status"`
	Polls          int        `json:"polls"`
	ReservationRef string     `json:"reservationRef,omitempty"`
	OrderID        string     `json:"orderId,omitempty"`
	FailReason     string     `json:"failReason,omitempty"`
	LastError      string     `json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

// Snapshot 给前端 / 日志总线用的浅拷贝，不带 Profile。
func (t *Task) Snapshot() Task {
	out := *t
	out.Profile = nil
	return out
}

type EngineState struct {
	Running bool   `json:"running"`
	Tasks   []Task `json:"tasks"`
}
