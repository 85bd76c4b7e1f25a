package biz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kart-io/logger"
	"github.com/oklog/ulid/v2"

	"github.com/kart-io/knowbot/internal/knowbot/store"
	"github.com/kart-io/knowbot/pkg/notify"
	"github.com/kart-io/knowbot/pkg/pool"
	"github.com/kart-io/knowbot/pkg/utils/httpclient"
	"github.com/kart-io/knowbot/pkg/utils/json"
)

// DeliveryMode 回复投递模式。
type DeliveryMode string

const (
	// DeliveryImmediate 在请求响应中直接返回回复文本。
	DeliveryImmediate DeliveryMode = "immediate"
	// DeliveryDeferred 先确认受理，处理完成后回调投递。
	DeliveryDeferred DeliveryMode = "deferred"
)

// Request 一次问答请求。ID 在受理时生成，贯穿日志与回调。
type Request struct {
	ID             string
	UserID         string
	Query          string
	CallbackTarget string
	ReceivedAt     time.Time
}

// NewRequest 受理一次问答请求并分配请求 ID。
func NewRequest(userID, query, callbackTarget string) *Request {
	return &Request{
		ID:             ulid.Make().String(),
		UserID:         userID,
		Query:          query,
		CallbackTarget: callbackTarget,
		ReceivedAt:     time.Now(),
	}
}

// Mode 由是否携带回调地址决定投递模式。
func (r *Request) Mode() DeliveryMode {
	if r.CallbackTarget != "" {
		return DeliveryDeferred
	}
	return DeliveryImmediate
}

// CoordinatorConfig 回调协调配置。
type CoordinatorConfig struct {
	// CallbackTimeout 回调 POST 的总超时。
	CallbackTimeout time.Duration
	// HistoryLimit 组装提示词时携带的历史轮次上限。
	HistoryLimit int
}

// DefaultCoordinatorConfig 返回默认协调配置。
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		CallbackTimeout: 10 * time.Second,
		HistoryLimit:    10,
	}
}

// Coordinator 驱动单次问答的完整管线：检索、取历史、合成、
// 落库，以及延迟模式下的回调投递。
type Coordinator struct {
	retriever *Retriever
	composer  *Composer
	turns     store.ConversationStore
	workers   *pool.Pool
	client    *httpclient.Client
	notifier  notify.Notifier
	config    *CoordinatorConfig
}

// NewCoordinator 创建回调协调器。workers 仅延迟模式使用，
// 立即模式在请求 goroutine 内同步处理。
func NewCoordinator(retriever *Retriever, composer *Composer, turns store.ConversationStore, workers *pool.Pool, notifier notify.Notifier, cfg *CoordinatorConfig) *Coordinator {
	if cfg == nil {
		cfg = DefaultCoordinatorConfig()
	}
	if notifier == nil {
		notifier = notify.NewNop()
	}
	return &Coordinator{
		retriever: retriever,
		composer:  composer,
		turns:     turns,
		workers:   workers,
		// 回调失败不重试，只投递一次。
		client:   httpclient.NewClient(cfg.CallbackTimeout, 0),
		notifier: notifier,
		config:   cfg,
	}
}

// Answer 立即模式：同步执行管线并返回可下发的回复文本。
func (c *Coordinator) Answer(ctx context.Context, req *Request) string {
	logger.Infow("受理问答请求", "request_id", req.ID, "user_id", req.UserID, "mode", DeliveryImmediate)
	return c.process(ctx, req)
}

// Defer 延迟模式：把管线提交到工作池后即返回，调用方据此下发受理确认。
// 池饱和时返回 pool.ErrPoolOverload，请求不被受理。
func (c *Coordinator) Defer(req *Request) error {
	logger.Infow("受理问答请求", "request_id", req.ID, "user_id", req.UserID, "mode", DeliveryDeferred)

	err := c.workers.Submit(func() {
		c.runDeferred(req)
	})
	if err != nil {
		if errors.Is(err, pool.ErrPoolOverload) {
			logger.Warnw("工作池饱和，拒绝延迟请求", "request_id", req.ID)
			c.notifier.Notify(notify.Event{
				Kind:      notify.KindPoolSaturated,
				Message:   "deferred request rejected",
				RequestID: req.ID,
			})
		}
		return err
	}
	return nil
}

// runDeferred 在工作 goroutine 内执行管线并投递回调。
// 终态回调恰好发出一次：正常完成投递回复文本，管线 panic
// 投递固定致歉文案，两者由 sync.Once 互斥。
func (c *Coordinator) runDeferred(req *Request) {
	var once sync.Once
	send := func(text string) {
		once.Do(func() { c.deliver(req, text) })
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("延迟管线 panic", "request_id", req.ID, "panic", fmt.Sprintf("%v", r))
			send(c.composer.Config().ServiceFailureText)
		}
	}()

	// 管线生命周期独立于已结束的 HTTP 请求，使用后台 context，
	// 外部调用各自带超时。
	send(c.process(context.Background(), req))
}

// process 执行检索、合成与落库，总是返回可下发的文本。
func (c *Coordinator) process(ctx context.Context, req *Request) string {
	history := c.fetchHistory(ctx, req)

	contexts, err := c.retriever.Search(ctx, req.Query)
	if err != nil {
		switch {
		case errors.Is(err, ErrIndexUnavailable):
			logger.Errorw("索引不可用，返回固定文案", "request_id", req.ID, "error", err)
			return c.composer.Config().IndexUnavailableText
		default:
			logger.Errorw("检索失败，返回固定文案", "request_id", req.ID, "error", err)
			return c.composer.Config().ServiceFailureText
		}
	}

	text, kind := c.composer.Compose(ctx, req.ID, req.Query, contexts, history)
	logger.Infow("回复合成完成", "request_id", req.ID, "kind", kind, "contexts", len(contexts))

	c.appendTurns(ctx, req, text)
	return text
}

func (c *Coordinator) fetchHistory(ctx context.Context, req *Request) []store.Turn {
	if c.turns == nil || req.UserID == "" || c.config.HistoryLimit <= 0 {
		return nil
	}
	history, err := c.turns.Fetch(ctx, req.UserID, c.config.HistoryLimit)
	if err != nil {
		// 历史不可用时退化为单轮问答。
		logger.Warnw("读取对话历史失败", "request_id", req.ID, "user_id", req.UserID, "error", err)
		return nil
	}
	return history
}

func (c *Coordinator) appendTurns(ctx context.Context, req *Request, answer string) {
	if c.turns == nil || req.UserID == "" {
		return
	}
	if err := c.turns.Append(ctx, req.UserID, store.RoleUser, req.Query); err != nil {
		logger.Warnw("写入用户轮次失败", "request_id", req.ID, "error", err)
	}
	if err := c.turns.Append(ctx, req.UserID, store.RoleAssistant, answer); err != nil {
		logger.Warnw("写入回复轮次失败", "request_id", req.ID, "error", err)
	}
}

// callbackPayload 回调投递的请求体。
type callbackPayload struct {
	Text string `json:"text"`
}

// deliver 向回调地址投递终态回复。失败只记录与通知，不重试。
func (c *Coordinator) deliver(req *Request, text string) {
	body, err := json.Marshal(callbackPayload{Text: text})
	if err != nil {
		logger.Errorw("回调请求体序列化失败", "request_id", req.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.CallbackTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.CallbackTarget, bytes.NewReader(body))
	if err != nil {
		logger.Errorw("构造回调请求失败", "request_id", req.ID, "target", req.CallbackTarget, "error", err)
		c.notifyDeliverFailed(req, err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.DoRequest(httpReq)
	if err != nil {
		logger.Errorw("回调投递失败", "request_id", req.ID, "target", req.CallbackTarget, "error", err)
		c.notifyDeliverFailed(req, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("callback returned status %d", resp.StatusCode)
		logger.Errorw("回调被对端拒绝", "request_id", req.ID, "target", req.CallbackTarget, "status", resp.StatusCode)
		c.notifyDeliverFailed(req, err)
		return
	}

	logger.Infow("回调投递成功", "request_id", req.ID, "elapsed", time.Since(req.ReceivedAt).String())
}

func (c *Coordinator) notifyDeliverFailed(req *Request, err error) {
	c.notifier.Notify(notify.Event{
		Kind:      notify.KindCallbackDeliverFailed,
		Message:   err.Error(),
		RequestID: req.ID,
	})
}
