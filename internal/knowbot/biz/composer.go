package biz

import (
	"context"
	"strings"

	"github.com/kart-io/logger"

	"github.com/kart-io/knowbot/internal/knowbot/store"
	"github.com/kart-io/knowbot/pkg/llm"
	"github.com/kart-io/knowbot/pkg/notify"
)

// ResultKind 回复合成的结果类别。
type ResultKind string

const (
	// KindAnswer 模型生成了有效回答。
	KindAnswer ResultKind = "answer"
	// KindNoContext 检索无命中，未调用模型，返回固定文案。
	KindNoContext ResultKind = "no_context"
	// KindServiceFailure 模型服务调用失败，返回固定致歉文案。
	KindServiceFailure ResultKind = "service_failure"
	// KindEmptyGeneration 模型返回空白内容，返回固定文案。
	KindEmptyGeneration ResultKind = "empty_generation"
)

// 默认回复文案。面向韩语用户的纪念公园咨询场景。
const (
	defaultNoInfoText = "죄송하지만 문의하신 내용과 관련된 정보를 찾지 못했습니다. " +
		"조금 더 구체적으로 질문해주시거나, 고객센터로 문의해주시면 감사하겠습니다."
	defaultServiceFailureText = "죄송합니다. AI 답변을 생성하는 중 시스템 오류가 발생했습니다. " +
		"잠시 후 다시 시도해주세요."
	defaultEmptyGenerationText = "죄송합니다. 답변을 생성하지 못했습니다. 잠시 후 다시 질문해주세요."
	defaultIndexUnavailableText = "죄송합니다. 현재 안내 시스템 점검 중입니다. " +
		"고객센터로 문의해주시면 감사하겠습니다."

	defaultSystemPrompt = `당신은 추모공원 고객 상담 도우미입니다. 아래 참고 자료에 근거해서만 답변하세요.

참고 자료:
{{context}}

규칙:
- 참고 자료에 있는 내용만 사용하고, 추측하지 마세요.
- 정중하고 간결한 한국어로 답하세요.
- 참고 자료로 답할 수 없는 질문이면 상담원 연결을 안내하세요.`

	defaultContextSeparator = "\n\n---\n\n"
)

// ComposerConfig 回复合成配置。
type ComposerConfig struct {
	// SystemPrompt 系统提示词模板，{{context}} 占位符被上下文块替换。
	SystemPrompt string
	// ContextSeparator 多条上下文之间的分隔符。
	ContextSeparator string
	// NoInfoText 无检索命中时的固定回复。
	NoInfoText string
	// ServiceFailureText 模型服务失败时的固定致歉回复。
	ServiceFailureText string
	// EmptyGenerationText 模型输出为空时的固定回复。
	EmptyGenerationText string
	// IndexUnavailableText 索引哨兵态时的固定致歉回复。
	IndexUnavailableText string
	// EscalationMarkers 判定转人工意向的标记语句，命中仅记录不改写。
	EscalationMarkers []string
}

// DefaultComposerConfig 返回默认合成配置。
func DefaultComposerConfig() *ComposerConfig {
	return &ComposerConfig{
		SystemPrompt:         defaultSystemPrompt,
		ContextSeparator:     defaultContextSeparator,
		NoInfoText:           defaultNoInfoText,
		ServiceFailureText:   defaultServiceFailureText,
		EmptyGenerationText:  defaultEmptyGenerationText,
		IndexUnavailableText: defaultIndexUnavailableText,
		EscalationMarkers:    []string{"상담원 연결", "상담원에게 연결"},
	}
}

// Composer 组装提示词并调用聊天模型生成回复。
type Composer struct {
	chat     llm.ChatProvider
	notifier notify.Notifier
	config   *ComposerConfig
}

// NewComposer 创建回复合成器。
func NewComposer(chat llm.ChatProvider, notifier notify.Notifier, cfg *ComposerConfig) *Composer {
	if cfg == nil {
		cfg = DefaultComposerConfig()
	}
	if notifier == nil {
		notifier = notify.NewNop()
	}
	return &Composer{
		chat:     chat,
		notifier: notifier,
		config:   cfg,
	}
}

// Config 返回合成配置。
func (c *Composer) Config() *ComposerConfig { return c.config }

// Compose 基于检索结果与对话历史生成回复文本，并报告结果类别。
// 任何类别都返回可直接下发的文本，调用方无需再做降级判断。
// 无上下文时短路返回固定文案，不调用模型。
func (c *Composer) Compose(ctx context.Context, requestID, query string, contexts []Result, history []store.Turn) (string, ResultKind) {
	if len(contexts) == 0 {
		return c.config.NoInfoText, KindNoContext
	}

	blocks := make([]string, len(contexts))
	for i, res := range contexts {
		blocks[i] = res.Content
	}
	contextBlock := strings.Join(blocks, c.config.ContextSeparator)
	systemPrompt := strings.ReplaceAll(c.config.SystemPrompt, "{{context}}", contextBlock)

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	for _, turn := range history {
		role := llm.RoleUser
		if turn.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: query})

	answer, err := c.chat.Chat(ctx, messages)
	if err != nil {
		logger.Errorw("聊天模型调用失败", "request_id", requestID, "provider", c.chat.Name(), "error", err)
		return c.config.ServiceFailureText, KindServiceFailure
	}

	if strings.TrimSpace(answer) == "" {
		logger.Warnw("聊天模型返回空内容", "request_id", requestID, "provider", c.chat.Name())
		return c.config.EmptyGenerationText, KindEmptyGeneration
	}

	text := Sanitize(answer)
	c.detectEscalation(requestID, text)
	return text, KindAnswer
}

// detectEscalation 检查回复是否包含转人工标记。
// 仅记录与通知，不改变回复内容与流程。
func (c *Composer) detectEscalation(requestID, text string) {
	for _, marker := range c.config.EscalationMarkers {
		if marker != "" && strings.Contains(text, marker) {
			logger.Infow("回复命中转人工标记", "request_id", requestID, "marker", marker)
			c.notifier.Notify(notify.Event{
				Kind:      notify.KindEscalationDetected,
				Message:   marker,
				RequestID: requestID,
			})
			return
		}
	}
}
