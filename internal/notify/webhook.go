package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"porter/internal/logbus"
)

const (
	colorSuccess = 0x00FF00
	colorWarning = 0xFFAA00
	colorError   = 0xFF0000
	colorInfo    = 0x0099FF
)

type webhookEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type webhookPayload struct {
	Embeds []webhookEmbed `json:"embeds"`
}

// WebhookNotifier Discord 兼容的 webhook 通知。发送在后台 goroutine 做，
// 失败只记日志，不影响任务执行。
type WebhookNotifier struct {
	url    string
	client *resty.Client
	bus    *logbus.Bus
}

func NewWebhookNotifier(url string, bus *logbus.Bus) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
		bus: bus,
	}
}

func (n *WebhookNotifier) send(title, desc string, color int) {
	if n.url == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_, err := n.client.R().
			SetContext(ctx).
			SetBody(webhookPayload{Embeds: []webhookEmbed{{
				Title: title, Description: desc, Color: color,
			}}}).
			Post(n.url)
		if err != nil && n.bus != nil {
			n.bus.Log("warn", "webhook 发送失败", map[string]any{"error": err.Error()})
		}
	}()
}

func (n *WebhookNotifier) StockFound(_ context.Context, evt StockFoundEvent) {
	n.send("STOCK", fmt.Sprintf("`%s`\n有货（第 %d 次轮询）", evt.ItemID, evt.Polls), colorSuccess)
}

func (n *WebhookNotifier) ChallengeRaised(_ context.Context, evt ChallengeEvent) {
	n.send("CHALLENGE", fmt.Sprintf("任务 `%s` 挂起\n%s", evt.TaskID, evt.Locator), colorWarning)
}

func (n *WebhookNotifier) OrderPlaced(_ context.Context, evt OrderPlacedEvent) {
	n.send("ORDER", fmt.Sprintf("确认号 `%s`\n商品 `%s`", evt.OrderID, evt.ItemID), colorSuccess)
}

func (n *WebhookNotifier) TaskFailed(_ context.Context, evt TaskFailedEvent) {
	n.send("FAILED", fmt.Sprintf("任务 `%s`\n原因: %s", evt.TaskID, evt.Reason), colorError)
}

func (n *WebhookNotifier) Alert(_ context.Context, evt AlertEvent) {
	n.send("ALERT", evt.Msg, colorWarning)
}
