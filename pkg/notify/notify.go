// Package notify 提供 fire-and-forget 的运维事件通知。
// 通知只用于监控可见性，发送失败不影响主流程。
package notify

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/knowbot/pkg/utils/json"
)

// 事件类型。
const (
	KindIndexBuildFailed      = "index_build_failed"
	KindCallbackDeliverFailed = "callback_deliver_failed"
	KindPoolSaturated         = "pool_saturated"
	KindEscalationDetected    = "escalation_detected"
)

// Event 一条监控事件。
type Event struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier 接收监控事件。实现必须是非阻塞且不返回错误的。
type Notifier interface {
	Notify(event Event)
}

// Webhook 将事件 POST 到固定地址的 Notifier。
type Webhook struct {
	endpoint string
	client   *http.Client
}

// NewWebhook 创建 webhook 通知器。
func NewWebhook(endpoint string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Notify 异步发送事件，失败只记录日志。
func (w *Webhook) Notify(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	go func() {
		body, err := json.Marshal(event)
		if err != nil {
			logger.Warnw("failed to marshal notify event", "error", err.Error())
			return
		}

		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.endpoint, bytes.NewReader(body))
		if err != nil {
			logger.Warnw("failed to build notify request", "error", err.Error())
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			logger.Debugw("notify delivery failed", "kind", event.Kind, "error", err.Error())
			return
		}
		_ = resp.Body.Close()
	}()
}

// Nop 丢弃所有事件的 Notifier，用于未配置通知端点的场景和测试。
type Nop struct{}

// NewNop 创建空通知器。
func NewNop() *Nop {
	return &Nop{}
}

// Notify 丢弃事件。
func (*Nop) Notify(Event) {}

var (
	_ Notifier = (*Webhook)(nil)
	_ Notifier = (*Nop)(nil)
)
