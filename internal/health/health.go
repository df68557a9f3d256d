// Package health 启动前的体检：会话、代理、商城端点、webhook。
// 任何一项挂掉都先暴露出来，不把问题留到开抢。
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"porter/internal/config"
	"porter/internal/model"
	"porter/internal/pool"
)

const checkTimeout = 10 * time.Second

type Result struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// SessionSource 体检只需要会话的 cookie，不碰其它状态。
type SessionSource interface {
	Cookies() []model.Cookie
}

type Checker struct {
	cfg     config.Config
	session SessionSource
	pool    *pool.Pool
}

func NewChecker(cfg config.Config, session SessionSource, p *pool.Pool) *Checker {
	return &Checker{cfg: cfg, session: session, pool: p}
}

// RunAll 并发跑所有检查，结果顺序固定。
func (c *Checker) RunAll(ctx context.Context) []Result {
	results := make([]Result, 4)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { results[0] = c.checkSession(ctx); return nil })
	g.Go(func() error { results[1] = c.checkProxy(ctx); return nil })
	g.Go(func() error { results[2] = c.checkEndpoint(ctx); return nil })
	g.Go(func() error { results[3] = c.checkWebhook(ctx); return nil })

	_ = g.Wait()
	return results
}

// AllPassed 有一项失败就是 false。
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func (c *Checker) checkSession(ctx context.Context) Result {
	if c.session == nil {
		return Result{Name: "会话", Passed: false, Message: "没有加载会话"}
	}
	cookies := c.session.Cookies()
	if len(cookies) == 0 {
		return Result{Name: "会话", Passed: false, Message: "会话为空，请先登录"}
	}

	client := resty.New().
		SetBaseURL(c.cfg.Shop.BaseURL).
		SetTimeout(checkTimeout).
		SetHeader("User-Agent", c.cfg.Shop.UserAgent)
	client.SetCookies(model.CookiesToHTTP(cookies))

	resp, err := client.R().SetContext(ctx).Get("/")
	if err != nil {
		return Result{Name: "会话", Passed: false, Message: err.Error()}
	}
	if resp.StatusCode() != 200 {
		return Result{Name: "会话", Passed: false, Message: fmt.Sprintf("状态码 %d", resp.StatusCode())}
	}
	return Result{Name: "会话", Passed: true, Message: "有效"}
}

func (c *Checker) checkProxy(ctx context.Context) Result {
	if c.pool == nil || c.pool.Empty() {
		return Result{Name: "代理", Passed: true, Message: "未配置代理"}
	}
	lease, err := c.pool.Acquire("")
	if err != nil {
		return Result{Name: "代理", Passed: false, Message: "池里没有健康条目"}
	}

	client := resty.New().SetTimeout(checkTimeout).SetProxy(lease.URL)
	resp, err := client.R().SetContext(ctx).Get("https://httpbin.org/ip")
	if err != nil {
		return Result{Name: "代理", Passed: false, Message: lease.Masked() + ": " + err.Error()}
	}
	if resp.StatusCode() != 200 {
		return Result{Name: "代理", Passed: false, Message: fmt.Sprintf("%s: 状态码 %d", lease.Masked(), resp.StatusCode())}
	}
	return Result{Name: "代理", Passed: true, Message: lease.Masked() + " 可用"}
}

func (c *Checker) checkEndpoint(ctx context.Context) Result {
	client := resty.New().
		SetTimeout(checkTimeout).
		SetHeader("User-Agent", c.cfg.Shop.UserAgent)

	resp, err := client.R().SetContext(ctx).Get(c.cfg.Shop.BaseURL)
	if err != nil {
		return Result{Name: "端点", Passed: false, Message: err.Error()}
	}
	if resp.StatusCode() >= 400 {
		return Result{Name: "端点", Passed: false, Message: fmt.Sprintf("状态码 %d", resp.StatusCode())}
	}
	return Result{Name: "端点", Passed: true, Message: c.cfg.Shop.BaseURL + " 可达"}
}

// checkWebhook GET webhook 返回它自己的元数据，不会真的发消息。
func (c *Checker) checkWebhook(ctx context.Context) Result {
	url := c.cfg.Notify.WebhookURL
	if url == "" {
		return Result{Name: "Webhook", Passed: true, Message: "未配置"}
	}
	if !strings.HasPrefix(url, "https://discord.com/api/webhooks/") {
		return Result{Name: "Webhook", Passed: false, Message: "URL 格式不对"}
	}

	client := resty.New().SetTimeout(checkTimeout)
	resp, err := client.R().SetContext(ctx).Get(url)
	if err != nil {
		return Result{Name: "Webhook", Passed: false, Message: err.Error()}
	}
	if resp.StatusCode() != 200 {
		return Result{Name: "Webhook", Passed: false, Message: fmt.Sprintf("状态码 %d", resp.StatusCode())}
	}
	var info struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(resp.Body(), &info); err == nil && info.Name != "" {
		return Result{Name: "Webhook", Passed: true, Message: info.Name}
	}
	return Result{Name: "Webhook", Passed: true, Message: "可用"}
}
