// Package handler 提供问答服务的 HTTP 处理器。
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/knowbot/internal/knowbot/biz"
	"github.com/kart-io/knowbot/internal/knowbot/corpus"
	"github.com/kart-io/knowbot/pkg/pool"
)

// AskRequest 问答请求体。
type AskRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	QueryText      string `json:"query_text" binding:"required"`
	CallbackTarget string `json:"callback_target"`
}

// AskResponse 立即模式的问答响应体。
type AskResponse struct {
	Text string `json:"text"`
}

// DeferredResponse 延迟模式的受理确认响应体。
type DeferredResponse struct {
	Deferred bool `json:"deferred"`
}

// ErrorResponse 错误响应体。
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler 持有问答管线各组件的 HTTP 处理器集合。
type Handler struct {
	coordinator *biz.Coordinator
	index       *biz.Index
	workers     *pool.Pool
	records     []corpus.Record
	startedAt   time.Time
}

// New 创建处理器集合。
func New(coordinator *biz.Coordinator, index *biz.Index, workers *pool.Pool, records []corpus.Record) *Handler {
	return &Handler{
		coordinator: coordinator,
		index:       index,
		workers:     workers,
		records:     records,
		startedAt:   time.Now(),
	}
}

// Ask 受理一次问答。携带 callback_target 时走延迟投递，
// 先返回受理确认；否则同步返回回复文本。
func (h *Handler) Ask(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    http.StatusBadRequest,
			Message: "user_id and query_text are required",
		})
		return
	}

	r := biz.NewRequest(req.UserID, req.QueryText, req.CallbackTarget)

	if r.Mode() == biz.DeliveryDeferred {
		if err := h.coordinator.Defer(r); err != nil {
			if errors.Is(err, pool.ErrPoolOverload) {
				c.JSON(http.StatusServiceUnavailable, ErrorResponse{
					Code:    http.StatusServiceUnavailable,
					Message: "service is busy, please retry later",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Code:    http.StatusInternalServerError,
				Message: "failed to accept request",
			})
			return
		}
		c.JSON(http.StatusOK, DeferredResponse{Deferred: true})
		return
	}

	text := h.coordinator.Answer(c.Request.Context(), r)
	c.JSON(http.StatusOK, AskResponse{Text: text})
}

// Health 健康检查。索引哨兵态不影响存活判定，服务仍可返回降级回复。
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Stats 返回索引与工作池的运行指标。
func (h *Handler) Stats(c *gin.Context) {
	indexStatus := "ready"
	if err := h.index.Err(); err != nil {
		indexStatus = "failed"
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime": time.Since(h.startedAt).String(),
		"index": gin.H{
			"status":   indexStatus,
			"mode":     string(h.index.Mode()),
			"records":  h.index.Len(),
			"built_at": h.index.BuiltAt(),
		},
		"pool": h.workers.Stats(),
	})
}

// Corpus 以按分类分组的单一文本块返回全部语料。
func (h *Handler) Corpus(c *gin.Context) {
	c.String(http.StatusOK, corpus.RenderGrouped(h.records))
}
