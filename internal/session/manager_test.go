package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"porter/internal/config"
	"porter/internal/model"
)

func authCookie(t *testing.T, token string, expiresIn int64) model.Cookie {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   expiresIn,
	})
	if err != nil {
		t.Fatal(err)
	}
	return model.Cookie{Name: "auth", Value: url.QueryEscape(string(payload))}
}

func TestExtractAuth(t *testing.T) {
	token, expiry := extractAuth([]model.Cookie{
		{Name: "dwsid", Value: "abc"},
		authCookie(t, "jwt-123", 604799),
	})
	if token != "jwt-123" {
		t.Fatalf("token = %q", token)
	}
	if expiry.IsZero() || time.Until(expiry) < 604000*time.Second {
		t.Fatalf("expiry = %v", expiry)
	}
}

func TestExtractAuthMissingCookie(t *testing.T) {
	token, expiry := extractAuth([]model.Cookie{{Name: "dwsid", Value: "abc"}})
	if token != "" || !expiry.IsZero() {
		t.Fatalf("token=%q expiry=%v", token, expiry)
	}
}

func TestExtractAuthGarbageValue(t *testing.T) {
	token, _ := extractAuth([]model.Cookie{{Name: "auth", Value: "not json at all"}})
	if token != "" {
		t.Fatalf("token = %q", token)
	}
}

func TestMergeCookiesNewOverridesOld(t *testing.T) {
	old := []model.Cookie{
		{Name: "dwsid", Value: "old"},
		{Name: "auth", Value: "keep"},
	}
	fresh := []model.Cookie{
		{Name: "dwsid", Value: "new"},
		{Name: "extra", Value: "x"},
	}
	out := mergeCookies(old, fresh)
	if len(out) != 3 {
		t.Fatalf("merged = %+v", out)
	}
	if out[0].Value != "new" || out[1].Value != "keep" || out[2].Name != "extra" {
		t.Fatalf("merged = %+v", out)
	}
}

func TestCookiesIncludeChallengeToken(t *testing.T) {
	m := NewManager(config.SessionConfig{}, config.ShopConfig{}, nil, nil)
	if err := m.SetCookies(context.Background(), []model.Cookie{{Name: "dwsid", Value: "abc"}}); err != nil {
		t.Fatal(err)
	}

	if n := len(m.Cookies()); n != 1 {
		t.Fatalf("cookies = %d", n)
	}
	m.ApplyChallengeToken("clr-1")
	cookies := m.Cookies()
	if len(cookies) != 2 {
		t.Fatalf("cookies = %+v", cookies)
	}
	last := cookies[len(cookies)-1]
	if last.Name != "cf_clearance" || last.Value != "clr-1" {
		t.Fatalf("clearance = %+v", last)
	}
}

func TestValid(t *testing.T) {
	m := NewManager(config.SessionConfig{}, config.ShopConfig{}, nil, nil)
	if m.Valid() {
		t.Fatal("空会话不应有效")
	}
	if err := m.SetCookies(context.Background(), []model.Cookie{authCookie(t, "jwt", 3600)}); err != nil {
		t.Fatal(err)
	}
	if !m.Valid() {
		t.Fatal("一小时有效期的令牌应当有效")
	}
	// 余量内的令牌按过期算。
	if err := m.SetCookies(context.Background(), []model.Cookie{authCookie(t, "jwt", 30)}); err != nil {
		t.Fatal(err)
	}
	if m.Valid() {
		t.Fatal("30 秒后过期的令牌不应有效")
	}
}

func TestLoadFromJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	data, _ := json.Marshal([]model.Cookie{{Name: "dwsid", Value: "abc"}})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(config.SessionConfig{CookiesPath: path}, config.ShopConfig{}, nil, nil)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Cookies()) != 1 {
		t.Fatal("cookie 文件没有装载")
	}
}

func TestLoadWithoutAnySource(t *testing.T) {
	m := NewManager(config.SessionConfig{}, config.ShopConfig{}, nil, nil)
	if err := m.Load(context.Background()); err != ErrNotLoggedIn {
		t.Fatalf("err = %v", err)
	}
}

func TestRefreshMergesResponseCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/refresh" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if _, err := r.Cookie("dwsid"); err != nil {
			t.Error("刷新请求必须带现有 cookie")
		}
		http.SetCookie(w, &http.Cookie{Name: "auth", Value: authCookie(t, "jwt-new", 3600).Value})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(
		config.SessionConfig{RefreshPath: "/api/auth/refresh"},
		config.ShopConfig{BaseURL: srv.URL, TimeoutMs: 2000},
		nil, nil,
	)
	if err := m.SetCookies(context.Background(), []model.Cookie{{Name: "dwsid", Value: "abc"}}); err != nil {
		t.Fatal(err)
	}

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if m.AuthToken() != "jwt-new" {
		t.Fatalf("authToken = %q", m.AuthToken())
	}
	if !m.Valid() {
		t.Fatal("刷新后的会话应当有效")
	}
}

func TestRefreshFailureKeepsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := NewManager(
		config.SessionConfig{RefreshPath: "/api/auth/refresh"},
		config.ShopConfig{BaseURL: srv.URL, TimeoutMs: 2000},
		nil, nil,
	)
	if err := m.SetCookies(context.Background(), []model.Cookie{authCookie(t, "jwt-old", 3600)}); err != nil {
		t.Fatal(err)
	}

	if err := m.Refresh(context.Background()); err == nil {
		t.Fatal("502 必须报错")
	}
	if m.AuthToken() != "jwt-old" {
		t.Fatal("刷新失败不得破坏现有会话")
	}
}
