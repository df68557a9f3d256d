package notify

import (
	"context"

	"porter/internal/logbus"
	"porter/internal/store/sqlite"
)

// Recorder 把成交记录落到 sqlite，进程重启后还能查历史。
type Recorder struct {
	store *sqlite.Store
	bus   *logbus.Bus
}

func NewRecorder(store *sqlite.Store, bus *logbus.Bus) *Recorder {
	return &Recorder{store: store, bus: bus}
}

func (r *Recorder) OrderPlaced(ctx context.Context, evt OrderPlacedEvent) {
	err := r.store.InsertOrder(ctx, sqlite.OrderRecord{
		TaskID:    evt.TaskID,
		ItemID:    evt.ItemID,
		Variant:   evt.Variant,
		OrderID:   evt.OrderID,
		Profile:   evt.Profile,
		CreatedAt: evt.At,
	})
	if err != nil && r.bus != nil {
		r.bus.Log("warn", "成交记录写入失败", map[string]any{
			"orderId": evt.OrderID, "error": err.Error(),
		})
	}
}

func (r *Recorder) StockFound(context.Context, StockFoundEvent)     {}
func (r *Recorder) ChallengeRaised(context.Context, ChallengeEvent) {}
func (r *Recorder) TaskFailed(context.Context, TaskFailedEvent)     {}
func (r *Recorder) Alert(context.Context, AlertEvent)               {}
