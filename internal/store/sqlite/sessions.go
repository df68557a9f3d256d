package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"porter/internal/model"
)

const defaultSessionName = "default"

// SaveCookies 整份覆盖保存会话 cookie。
func (s *Store) SaveCookies(ctx context.Context, cookies []model.Cookie) error {
	b, err := json.Marshal(cookies)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (name, cookies_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET cookies_json = excluded.cookies_json, updated_at = excluded.updated_at
	`, defaultSessionName, string(b), time.Now().UnixMilli())
	return err
}

// LoadCookies 没有会话时返回空切片，不是错误。
func (s *Store) LoadCookies(ctx context.Context) ([]model.Cookie, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT cookies_json FROM sessions WHERE name = ?`, defaultSessionName,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cookies []model.Cookie
	if err := json.Unmarshal([]byte(raw), &cookies); err != nil {
		return nil, err
	}
	return cookies, nil
}
