// Package sfcc 面向 Salesforce Commerce Cloud 风格商城的阶段执行器。
// 查库存 / 加购锁定 / 提交订单都走同一套 resty 客户端，
// 代理按租约切换，会话 cookie 和挑战令牌由会话方提供。
package sfcc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"porter/internal/config"
	"porter/internal/model"
	"porter/internal/pool"
	"porter/internal/provider"
)

const (
	stockPath    = "/api/product/%s/availability"
	cartAddPath  = "/api/cart/add"
	shippingPath = "/api/checkout/shipping"
	paymentPath  = "/api/checkout/payment"
	submitPath   = "/api/checkout/submit"
)

// SessionSource 每次请求前取当前会话状态。挑战令牌解决后
// 会出现在 Cookies() 里，这里不用单独处理。
type SessionSource interface {
	Cookies() []model.Cookie
	AuthToken() string
}

type Client struct {
	cfg     config.ShopConfig
	session SessionSource

	mu      sync.Mutex
	clients map[string]*resty.Client // 按租约复用连接池
}

func New(cfg config.ShopConfig, session SessionSource) *Client {
	return &Client{
		cfg:     cfg,
		session: session,
		clients: make(map[string]*resty.Client),
	}
}

func (c *Client) Name() string { return "sfcc" }

func (c *Client) client(lease pool.Lease) *resty.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rc, ok := c.clients[lease.EntryID]; ok {
		return rc
	}

	rc := resty.New().
		SetBaseURL(c.cfg.BaseURL).
		SetTimeout(c.cfg.Timeout()).
		SetHeader("User-Agent", c.cfg.UserAgent).
		SetHeader("Accept", "application/json")
	if lease.URL != "" {
		rc.SetProxy(lease.URL)
	}
	c.clients[lease.EntryID] = rc
	return rc
}

func (c *Client) request(ctx context.Context, lease pool.Lease) *resty.Request {
	req := c.client(lease).R().SetContext(ctx)
	if c.session != nil {
		req.SetCookies(model.CookiesToHTTP(c.session.Cookies()))
		if token := c.session.AuthToken(); token != "" {
			req.SetAuthToken(token)
		}
	}
	return req
}

func (c *Client) CheckStock(ctx context.Context, itemID string, lease pool.Lease) (provider.StockResult, error) {
	resp, err := c.request(ctx, lease).Get(fmt.Sprintf(stockPath, itemID))
	if err != nil {
		return provider.StockResult{}, transportFault(err)
	}
	if err := classify(resp); err != nil {
		return provider.StockResult{}, err
	}

	var data map[string]any
	if err := json.Unmarshal(resp.Body(), &data); err != nil {
		// 返回了非 JSON（通常是 WAF 页面），按一次网络抖动处理。
		return provider.StockResult{}, &provider.Fault{
			Kind:   provider.FaultTransient,
			Status: resp.StatusCode(),
			Msg:    "库存响应不是 JSON",
			Err:    err,
		}
	}

	return provider.StockResult{
		Available: parseAvailability(data, 0),
		Status:    statusText(data),
	}, nil
}

func (c *Client) Reserve(ctx context.Context, itemID, variant string, lease pool.Lease) (provider.ReserveResult, error) {
	payload := map[string]any{
		"productId": itemID,
		"quantity":  1,
	}
	if variant != "" {
		payload["size"] = variant
	}

	resp, err := c.request(ctx, lease).SetBody(payload).Post(cartAddPath)
	if err != nil {
		return provider.ReserveResult{}, transportFault(err)
	}
	if err := classify(resp); err != nil {
		return provider.ReserveResult{}, err
	}

	var data struct {
		BasketID string `json:"basketId"`
		CartID   string `json:"cartId"`
		Error    bool   `json:"error"`
		Message  string `json:"message"`
	}
	// 201 Created 可能不带 body，空 ref 兜底用 itemID。
	_ = json.Unmarshal(resp.Body(), &data)
	if data.Error {
		return provider.ReserveResult{}, &provider.Fault{
			Kind:   provider.FaultPermanent,
			Status: resp.StatusCode(),
			Msg:    "加购被拒: " + data.Message,
		}
	}

	ref := data.BasketID
	if ref == "" {
		ref = data.CartID
	}
	if ref == "" {
		ref = "cart:" + itemID
	}
	return provider.ReserveResult{Ref: ref}, nil
}

func (c *Client) Submit(ctx context.Context, profile *model.Profile, reservationRef string, lease pool.Lease) (provider.SubmitResult, error) {
	steps := []struct {
		name string
		path string
		body any
	}{
		{"shipping", shippingPath, shippingPayload(profile)},
		{"payment", paymentPath, paymentPayload(profile)},
		{"submit", submitPath, map[string]any{"basketId": reservationRef}},
	}

	var last *resty.Response
	for _, step := range steps {
		resp, err := c.request(ctx, lease).SetBody(step.body).Post(step.path)
		if err != nil {
			return provider.SubmitResult{}, transportFault(err)
		}
		if err := classify(resp); err != nil {
			return provider.SubmitResult{}, err
		}
		if err := stepError(step.name, resp); err != nil {
			return provider.SubmitResult{}, err
		}
		last = resp
	}

	var data struct {
		OrderID            string `json:"orderId"`
		OrderNumber        string `json:"orderNumber"`
		ConfirmationNumber string `json:"confirmationNumber"`
	}
	_ = json.Unmarshal(last.Body(), &data)

	orderID := data.OrderID
	if orderID == "" {
		orderID = data.OrderNumber
	}
	if orderID == "" {
		orderID = data.ConfirmationNumber
	}
	if orderID == "" {
		return provider.SubmitResult{}, &provider.Fault{
			Kind:   provider.FaultPermanent,
			Status: last.StatusCode(),
			Msg:    "下单响应里没有订单号",
		}
	}
	return provider.SubmitResult{OrderID: orderID}, nil
}

// stepError 结算步骤业务级失败（HTTP 2xx 但 body 带 error）。
// 校验类错误不可重试。
func stepError(step string, resp *resty.Response) error {
	var data struct {
		Error   any    `json:"error"`
		Errors  []any  `json:"errors"`
		Message string `json:"message"`
	}
	if json.Unmarshal(resp.Body(), &data) != nil {
		return nil
	}
	failed := len(data.Errors) > 0
	switch v := data.Error.(type) {
	case bool:
		failed = failed || v
	case string:
		failed = failed || v != ""
	case nil:
	default:
		failed = true
	}
	if !failed {
		return nil
	}
	msg := data.Message
	if msg == "" {
		msg = fmt.Sprintf("%v", data.Error)
	}
	return &provider.Fault{
		Kind:   provider.FaultPermanent,
		Status: resp.StatusCode(),
		Msg:    step + " 步骤被拒: " + msg,
	}
}

// classify 把 HTTP 响应归类：挑战优先于状态码映射。
func classify(resp *resty.Response) error {
	if locator, ok := detectChallenge(resp); ok {
		return &provider.ChallengeError{Locator: locator}
	}

	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		return nil
	}

	f := &provider.Fault{
		Kind:   provider.ClassifyStatus(status),
		Status: status,
		Msg:    http.StatusText(status),
	}
	if f.Kind == provider.FaultRateLimited {
		f.RetryAfter = retryAfter(resp)
	}
	return f
}

// detectChallenge 识别人机挑战：
//   - 429 且 body 带 captcha/challenge 标记
//   - 任何响应 body 的 JSON 带 captcha/challenge 字段
//   - Cloudflare（cf-ray 头）且正文提到 challenge
//
// 定位符优先用响应里的 challengeUrl，否则回退到本次请求的 URL。
func detectChallenge(resp *resty.Response) (string, bool) {
	body := resp.Body()

	var data struct {
		Captcha      any    `json:"captcha"`
		Challenge    any    `json:"challenge"`
		ChallengeURL string `json:"challengeUrl"`
	}
	if json.Unmarshal(body, &data) == nil {
		if truthy(data.Captcha) || truthy(data.Challenge) || data.ChallengeURL != "" {
			if data.ChallengeURL != "" {
				return data.ChallengeURL, true
			}
			return resp.Request.URL, true
		}
	}

	if resp.Header().Get("cf-ray") != "" &&
		strings.Contains(strings.ToLower(string(body)), "challenge") {
		return resp.Request.URL, true
	}

	return "", false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case nil:
		return false
	default:
		return true
	}
}

func retryAfter(resp *resty.Response) time.Duration {
	v := resp.Header().Get("Retry-After")
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func transportFault(err error) error {
	return &provider.Fault{Kind: provider.FaultTransient, Err: err}
}

// parseAvailability 库存判定按多种 SFCC 响应形态依次匹配：
// availability.orderable / inventoryStatus / 布尔字段 / 嵌套 product / 数量字段。
func parseAvailability(data map[string]any, depth int) bool {
	if depth > 3 {
		return false
	}

	if avail, ok := data["availability"]; ok {
		switch a := avail.(type) {
		case map[string]any:
			if isTrue(a["orderable"]) || isTrue(a["available"]) || isTrue(a["inStock"]) {
				return true
			}
		case bool:
			if a {
				return true
			}
		}
	}

	if s, ok := data["inventoryStatus"].(string); ok && s == "IN_STOCK" {
		return true
	}
	if isTrue(data["available"]) || isTrue(data["inStock"]) || isTrue(data["orderable"]) {
		return true
	}

	if product, ok := data["product"].(map[string]any); ok {
		if parseAvailability(product, depth+1) {
			return true
		}
	}

	for _, key := range []string{"quantity", "inventoryQuantity", "ats"} {
		if n, ok := data[key].(float64); ok && n > 0 {
			return true
		}
	}
	return false
}

func isTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func statusText(data map[string]any) string {
	if s, ok := data["inventoryStatus"].(string); ok && s != "" {
		return s
	}
	if s, ok := data["status"].(string); ok && s != "" {
		return s
	}
	if avail, ok := data["availability"].(map[string]any); ok {
		if s, ok := avail["status"].(string); ok && s != "" {
			return s
		}
	}
	return "UNKNOWN"
}

func shippingPayload(p *model.Profile) map[string]any {
	return map[string]any{
		"email": p.Email,
		"address": map[string]any{
			"firstName":  p.FirstName,
			"lastName":   p.LastName,
			"line1":      p.Address1,
			"line2":      p.Address2,
			"city":       p.City,
			"state":      p.State,
			"postalCode": p.ZipCode,
			"country":    p.Country,
			"phone":      p.Phone,
		},
	}
}

func paymentPayload(p *model.Profile) map[string]any {
	return map[string]any{
		"payment": map[string]any{
			"cardNumber":     p.CardNumber,
			"expirationDate": p.CardExp,
			"cvv":            p.CardCVV,
		},
		"billingAddress": map[string]any{
			"firstName":  p.FirstName,
			"lastName":   p.LastName,
			"line1":      p.Address1,
			"city":       p.City,
			"state":      p.State,
			"postalCode": p.ZipCode,
			"country":    p.Country,
		},
	}
}
