package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"porter/internal/model"
)

// 无头模式开关：挑战求解默认带窗口（人要看得见才能滑），
// 设置 PORTER_BROWSER_HEADLESS=1 可强制无头（CI 里跑冒烟用）。
var headlessMode = func() bool {
	v := strings.TrimSpace(os.Getenv("PORTER_BROWSER_HEADLESS"))
	return v == "1" || strings.EqualFold(v, "true")
}()

const clearanceCookieName = "cf_clearance"

// Driver 持有一个全局浏览器实例，登录捕获和挑战求解共用。
// 首次使用时懒启动，进程退出前 Close。
type Driver struct {
	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

func NewDriver() *Driver { return &Driver{} }

func (d *Driver) get() (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		return d.browser, nil
	}

	l := launcher.New().Headless(headlessMode)
	u, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, err
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, err
	}

	d.browser = b
	d.launcher = l
	return d.browser, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			firstErr = err
		}
		d.browser = nil
	}
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher = nil
	}
	return firstErr
}

func (d *Driver) page(ctx context.Context) (*rod.Page, func(), error) {
	b, err := d.get()
	if err != nil {
		return nil, nil, err
	}
	var page *rod.Page
	if err := rod.Try(func() {
		page = stealth.MustPage(b)
	}); err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = page.Close() }
	return page.Context(ctx), cleanup, nil
}

// CaptureLogin 打开登录页等用户手工登录，轮询到 auth cookie 出现后
// 把整份 cookie 带回来。超时由 ctx 控制。
func (d *Driver) CaptureLogin(ctx context.Context, loginURL string) ([]model.Cookie, error) {
	page, cleanup, err := d.page(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := navigate(page, loginURL); err != nil {
		return nil, fmt.Errorf("打开登录页失败: %w", err)
	}

	cookies, err := waitForCookie(ctx, page, "auth")
	if err != nil {
		return nil, err
	}
	return cookies, nil
}

// SolveChallenge 打开挑战页等用户手工完成验证，拿到 clearance cookie
// 后返回它的值。空返回值表示超时或取消。
func (d *Driver) SolveChallenge(ctx context.Context, locator string) (string, error) {
	page, cleanup, err := d.page(ctx)
	if err != nil {
		return "", err
	}
	defer cleanup()

	if err := navigate(page, locator); err != nil {
		return "", fmt.Errorf("打开挑战页失败: %w", err)
	}

	cookies, err := waitForCookie(ctx, page, clearanceCookieName)
	if err != nil {
		return "", err
	}
	for _, c := range cookies {
		if c.Name == clearanceCookieName {
			return c.Value, nil
		}
	}
	return "", errors.New("挑战页关闭但未拿到令牌")
}

func navigate(page *rod.Page, targetURL string) error {
	waitDom := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Navigate(targetURL); err != nil {
		return err
	}
	waitDom()
	return nil
}

// waitForCookie 轮询页面 cookie 直到目标 cookie 出现，返回当时的全量 cookie。
func waitForCookie(ctx context.Context, page *rod.Page, name string) ([]model.Cookie, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		cookies, err := page.Cookies(nil)
		if err == nil {
			for _, c := range cookies {
				if c.Name == name {
					return fromNetworkCookies(cookies), nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func fromNetworkCookies(cookies []*proto.NetworkCookie) []model.Cookie {
	out := make([]model.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, model.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return out
}
