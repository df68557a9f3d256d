package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"porter/internal/config"
	"porter/internal/logbus"
)

const (
	emailQueueSize = 200
	emailMaxBatch  = 50
)

// EmailNotifier 订单邮件通知。成功订单先进队列，按时间窗合并成一封汇总，
// 避免连续命中时刷爆邮箱。只关心下单成功，其余事件忽略。
type EmailNotifier struct {
	cfg config.EmailConfig
	bus *logbus.Bus

	queue  chan OrderPlacedEvent
	cancel func()
	wg     sync.WaitGroup

	window time.Duration

	mu     sync.Mutex
	dialer *gomail.Dialer
}

func NewEmailNotifier(cfg config.EmailConfig, bus *logbus.Bus) *EmailNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &EmailNotifier{
		cfg:    cfg,
		bus:    bus,
		queue:  make(chan OrderPlacedEvent, emailQueueSize),
		cancel: cancel,
		window: 30 * time.Second,
	}
	n.wg.Add(1)
	go n.loop(ctx)
	return n
}

func (n *EmailNotifier) Close(ctx context.Context) error {
	n.cancel()
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) OrderPlaced(_ context.Context, evt OrderPlacedEvent) {
	if !n.cfg.Enabled {
		return
	}
	select {
	case n.queue <- evt:
	default:
		if n.bus != nil {
			n.bus.Log("warn", "邮件通知丢弃：队列已满", map[string]any{
				"taskId": evt.TaskID, "orderId": evt.OrderID,
			})
		}
	}
}

func (n *EmailNotifier) StockFound(context.Context, StockFoundEvent)     {}
func (n *EmailNotifier) ChallengeRaised(context.Context, ChallengeEvent) {}
func (n *EmailNotifier) TaskFailed(context.Context, TaskFailedEvent)     {}
func (n *EmailNotifier) Alert(context.Context, AlertEvent)               {}

func (n *EmailNotifier) loop(ctx context.Context) {
	defer n.wg.Done()

	var pending []OrderPlacedEvent
	var timerCh <-chan time.Time
	var timer *time.Timer

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		if timer != nil {
			timer.Stop()
			timer = nil
			timerCh = nil
		}
		if err := n.sendSummary(batch); err != nil && n.bus != nil {
			n.bus.Log("warn", "订单汇总邮件发送失败", map[string]any{
				"count": len(batch), "error": err.Error(),
			})
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case evt := <-n.queue:
			pending = append(pending, evt)
			if len(pending) >= emailMaxBatch {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(n.window)
				timerCh = timer.C
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			flush()
		}
	}
}

func (n *EmailNotifier) sendSummary(batch []OrderPlacedEvent) error {
	if n.cfg.Address == "" || n.cfg.SMTPHost == "" {
		return fmt.Errorf("email notify not configured")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d 笔订单已提交：\r\n\r\n", len(batch))
	for _, evt := range batch {
		fmt.Fprintf(&b, "  [%s] 商品 %s  确认号 %s  (%s)\r\n",
			time.UnixMilli(evt.At).Format("15:04:05"), evt.ItemID, evt.OrderID,
			evt.Profile)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.Address)
	m.SetHeader("To", n.cfg.Address)
	m.SetHeader("Subject", fmt.Sprintf("porter: %d 笔订单提交成功", len(batch)))
	m.SetBody("text/plain", b.String())

	n.mu.Lock()
	if n.dialer == nil {
		port := n.cfg.SMTPPort
		if port <= 0 {
			port = 465
		}
		n.dialer = gomail.NewDialer(n.cfg.SMTPHost, port, n.cfg.Address, n.cfg.AuthCode)
	}
	d := n.dialer
	n.mu.Unlock()

	return d.DialAndSend(m)
}
