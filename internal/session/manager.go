package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"porter/internal/config"
	"porter/internal/logbus"
	"porter/internal/model"
	"porter/internal/store/sqlite"
)

// ErrNotLoggedIn 本地没有任何会话 cookie，需要先跑 login。
var ErrNotLoggedIn = errors.New("session: not logged in")

// clearanceCookieName 挑战令牌落到会话上的 cookie 名。
const clearanceCookieName = "cf_clearance"

// Manager 会话协作方：持有 cookie / 鉴权令牌 / 挑战令牌，
// 负责刷新与持久化。引擎只通过 Refresh 和 ApplyChallengeToken 碰它。
type Manager struct {
	cfg  config.SessionConfig
	shop config.ShopConfig

	store *sqlite.Store
	bus   *logbus.Bus

	mu             sync.Mutex
	cookies        []model.Cookie
	authToken      string
	authExpiresAt  time.Time
	challengeToken string
}

func NewManager(cfg config.SessionConfig, shop config.ShopConfig, store *sqlite.Store, bus *logbus.Bus) *Manager {
	return &Manager{cfg: cfg, shop: shop, store: store, bus: bus}
}

// Load 优先读 sqlite，兜底读 JSON 导出文件（浏览器插件导出的格式）。
func (m *Manager) Load(ctx context.Context) error {
	var cookies []model.Cookie
	if m.store != nil {
		cs, err := m.store.LoadCookies(ctx)
		if err != nil {
			return err
		}
		cookies = cs
	}
	if len(cookies) == 0 && m.cfg.CookiesPath != "" {
		cs, err := loadCookiesFile(m.cfg.CookiesPath)
		if err == nil {
			cookies = cs
		}
	}
	if len(cookies) == 0 {
		return ErrNotLoggedIn
	}
	m.setCookies(cookies)
	if m.bus != nil {
		m.bus.Log("info", "会话已加载", map[string]any{"cookies": len(cookies)})
	}
	return nil
}

// SetCookies 替换整份会话（登录 / 刷新之后），并落盘。
func (m *Manager) SetCookies(ctx context.Context, cookies []model.Cookie) error {
	m.setCookies(cookies)
	if m.store != nil {
		return m.store.SaveCookies(ctx, cookies)
	}
	return nil
}

func (m *Manager) setCookies(cookies []model.Cookie) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cookies = cookies
	m.authToken, m.authExpiresAt = extractAuth(cookies)
}

// Cookies 当前会话 cookie 的拷贝，外加挑战令牌（如果有）。
func (m *Manager) Cookies() []model.Cookie {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Cookie, len(m.cookies), len(m.cookies)+1)
	copy(out, m.cookies)
	if m.challengeToken != "" {
		out = append(out, model.Cookie{Name: clearanceCookieName, Value: m.challengeToken})
	}
	return out
}

func (m *Manager) AuthToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authToken
}

// Valid 令牌还没过期（留 60 秒余量）。
func (m *Manager) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authToken == "" {
		return false
	}
	return m.authExpiresAt.IsZero() || time.Until(m.authExpiresAt) > time.Minute
}

// ApplyChallengeToken 人工求解拿到的令牌，后续请求都会带上。
func (m *Manager) ApplyChallengeToken(token string) {
	m.mu.Lock()
	m.challengeToken = token
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Log("info", "挑战令牌已应用到会话", nil)
	}
}

// Refresh 用现有 cookie 换新令牌。失败不破坏当前会话。
func (m *Manager) Refresh(ctx context.Context) error {
	client := resty.New().
		SetBaseURL(m.shop.BaseURL).
		SetTimeout(m.shop.Timeout()).
		SetHeader("User-Agent", m.shop.UserAgent)
	client.SetCookies(model.CookiesToHTTP(m.Cookies()))

	resp, err := client.R().SetContext(ctx).Post(m.cfg.RefreshPath)
	if err != nil {
		return fmt.Errorf("session refresh: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("session refresh: status %d", resp.StatusCode())
	}

	merged := mergeCookies(m.Cookies(), model.CookiesFromHTTP(resp.Cookies()))
	if err := m.SetCookies(ctx, merged); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.Log("info", "会话已刷新", map[string]any{"valid": m.Valid()})
	}
	return nil
}

// mergeCookies 新值覆盖同名旧值，其余保留。
func mergeCookies(old, fresh []model.Cookie) []model.Cookie {
	byName := make(map[string]int, len(old))
	out := make([]model.Cookie, len(old))
	copy(out, old)
	for i, c := range out {
		byName[c.Name] = i
	}
	for _, c := range fresh {
		if i, ok := byName[c.Name]; ok {
			out[i] = c
		} else {
			out = append(out, c)
		}
	}
	return out
}

func loadCookiesFile(path string) ([]model.Cookie, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cookies []model.Cookie
	if err := json.Unmarshal(b, &cookies); err != nil {
		return nil, err
	}
	return cookies, nil
}

// extractAuth 从 auth cookie 里抠出 JWT。cookie 值是 URL 编码过的 JSON：
// {"access_token":"...","token_type":"bearer","expires_in":604799,...}
func extractAuth(cookies []model.Cookie) (string, time.Time) {
	for _, c := range cookies {
		if c.Name != "auth" {
			continue
		}
		raw, err := url.QueryUnescape(c.Value)
		if err != nil {
			raw = c.Value
		}
		var payload struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int64  `json:"expires_in"`
		}
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			continue
		}
		var expiry time.Time
		if payload.ExpiresIn > 0 {
			expiry = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
		}
		return payload.AccessToken, expiry
	}
	return "", time.Time{}
}
