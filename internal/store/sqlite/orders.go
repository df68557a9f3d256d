package sqlite

import (
	"context"
	"time"
)

type OrderRecord struct {
	TaskID    string `json:"taskId"`
	ItemID    string `json:"itemId"`
	Variant   string `json:"variant,omitempty"`
	OrderID   string `json:"orderId"`
	Profile   string `json:"profile,omitempty"`
	Polls     int    `json:"polls"`
	CreatedAt int64  `json:"createdAt"`
}

func (s *Store) InsertOrder(ctx context.Context, rec OrderRecord) error {
	if rec.CreatedAt <= 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (task_id, item_id, variant, order_id, profile, polls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.TaskID, rec.ItemID, rec.Variant, rec.OrderID, rec.Profile, rec.Polls, rec.CreatedAt)
	return err
}

func (s *Store) ListOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, item_id, variant, order_id, profile, polls, created_at
		FROM orders ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var rec OrderRecord
		if err := rows.Scan(&rec.TaskID, &rec.ItemID, &rec.Variant, &rec.OrderID, &rec.Profile, &rec.Polls, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
