package knowbot

import (
	"github.com/kart-io/knowbot/pkg/app"

	// 供应商通过 init 注册到工厂。
	_ "github.com/kart-io/knowbot/pkg/llm/ollama"
	_ "github.com/kart-io/knowbot/pkg/llm/openai"
)

// Name 服务名，同时是配置文件名与环境变量前缀。
const Name = "knowbot"

const description = `Knowbot knowledge Q&A service

A question answering service over a fixed knowledge corpus.

This server provides:
  - Lexical and semantic retrieval over a CSV knowledge base
  - LLM-composed answers grounded on retrieved context
  - Immediate and deferred (callback) answer delivery`

// NewApp creates a new application instance.
func NewApp() *app.App {
	opts := NewOptions()

	return app.NewApp(
		app.WithName(Name),
		app.WithDescription(description),
		app.WithOptions(opts),
		app.WithRunFunc(func() error {
			return Run(opts)
		}),
	)
}
