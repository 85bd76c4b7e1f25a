// Package knowbot provides the knowledge Q&A service application.
package knowbot

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/knowbot/internal/knowbot/biz"
	logopts "github.com/kart-io/knowbot/pkg/options/logger"
)

// Options contains all knowbot service options.
type Options struct {
	// HTTP contains HTTP server configuration.
	HTTP *HTTPOptions `json:"http" mapstructure:"http"`

	// Log contains logger configuration.
	Log *logopts.Options `json:"log" mapstructure:"log"`

	// Corpus contains knowledge corpus configuration.
	Corpus *CorpusOptions `json:"corpus" mapstructure:"corpus"`

	// Retrieval contains retrieval configuration.
	Retrieval *RetrievalOptions `json:"retrieval" mapstructure:"retrieval"`

	// Embedding contains embedding provider configuration.
	Embedding *LLMProviderOptions `json:"embedding" mapstructure:"embedding"`

	// Chat contains chat provider configuration.
	Chat *LLMProviderOptions `json:"chat" mapstructure:"chat"`

	// Prompt contains prompt and fallback text configuration.
	Prompt *PromptOptions `json:"prompt" mapstructure:"prompt"`

	// Store contains conversation store configuration.
	Store *StoreOptions `json:"store" mapstructure:"store"`

	// Callback contains deferred delivery configuration.
	Callback *CallbackOptions `json:"callback" mapstructure:"callback"`

	// Pool contains worker pool configuration.
	Pool *PoolOptions `json:"pool" mapstructure:"pool"`

	// Cache contains embedding cache configuration.
	Cache *CacheOptions `json:"cache" mapstructure:"cache"`

	// Notify contains operator notification configuration.
	Notify *NotifyOptions `json:"notify" mapstructure:"notify"`
}

// HTTPOptions HTTP 服务配置。
type HTTPOptions struct {
	// Addr 监听地址。
	Addr string `json:"addr" mapstructure:"addr"`

	// Mode gin 运行模式（debug|release|test）。
	Mode string `json:"mode" mapstructure:"mode"`

	// ReadTimeout 读超时。
	ReadTimeout time.Duration `json:"read-timeout" mapstructure:"read-timeout"`

	// WriteTimeout 写超时。立即模式的同步管线受此约束。
	WriteTimeout time.Duration `json:"write-timeout" mapstructure:"write-timeout"`

	// ShutdownTimeout 优雅停机等待时长。
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`
}

// NewHTTPOptions 创建默认 HTTP 配置。
func NewHTTPOptions() *HTTPOptions {
	return &HTTPOptions{
		Addr:            ":8080",
		Mode:            "release",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// CorpusOptions 知识语料配置。
type CorpusOptions struct {
	// Path CSV 语料文件路径。
	Path string `json:"path" mapstructure:"path"`

	// Mode 检索模式（lexical|semantic）。
	Mode string `json:"mode" mapstructure:"mode"`

	// VectorCachePath 语义模式下的向量缓存文件路径。
	VectorCachePath string `json:"vector-cache-path" mapstructure:"vector-cache-path"`
}

// NewCorpusOptions 创建默认语料配置。
func NewCorpusOptions() *CorpusOptions {
	return &CorpusOptions{
		Path:            "configs/knowledge.csv",
		Mode:            string(biz.RetrievalLexical),
		VectorCachePath: "_output/vectors.json",
	}
}

// RetrievalOptions 检索参数配置。
type RetrievalOptions struct {
	// TopK 检索结果条数上限。
	TopK int `json:"top-k" mapstructure:"top-k"`

	// Threshold 结果入选的最低得分。
	Threshold float64 `json:"threshold" mapstructure:"threshold"`
}

// NewRetrievalOptions 创建默认检索配置。
func NewRetrievalOptions() *RetrievalOptions {
	return &RetrievalOptions{
		TopK:      3,
		Threshold: 1,
	}
}

// LLMProviderOptions 定义 LLM 供应商配置。
type LLMProviderOptions struct {
	// Provider 供应商名称（ollama, openai 等）。
	Provider string `json:"provider" mapstructure:"provider"`

	// BaseURL API 基础地址。
	BaseURL string `json:"base-url" mapstructure:"base-url"`

	// APIKey API 密钥（OpenAI 等需要）。
	APIKey string `json:"api-key" mapstructure:"api-key"`

	// Model 使用的模型名称。
	Model string `json:"model" mapstructure:"model"`

	// Timeout 请求超时时间。
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// MaxRetries 最大重试次数。
	MaxRetries int `json:"max-retries" mapstructure:"max-retries"`

	// Organization 组织 ID（OpenAI 可选）。
	Organization string `json:"organization" mapstructure:"organization"`
}

// NewLLMProviderOptions 创建默认 LLM 供应商配置。
func NewLLMProviderOptions() *LLMProviderOptions {
	return &LLMProviderOptions{
		Provider:   "ollama",
		BaseURL:    "http://localhost:11434",
		Timeout:    120 * time.Second,
		MaxRetries: 3,
	}
}

// ToConfigMap 转换为配置 map，用于供应商工厂。
func (o *LLMProviderOptions) ToConfigMap() map[string]any {
	return map[string]any{
		"base_url":     o.BaseURL,
		"api_key":      o.APIKey,
		"embed_model":  o.Model,
		"chat_model":   o.Model,
		"timeout":      o.Timeout,
		"max_retries":  o.MaxRetries,
		"organization": o.Organization,
	}
}

// PromptOptions 提示词与固定文案配置。留空的字段使用内置默认值。
type PromptOptions struct {
	// System 系统提示词模板，{{context}} 为上下文占位符。
	System string `json:"system" mapstructure:"system"`

	// NoInfoText 无检索命中时的固定回复。
	NoInfoText string `json:"no-info-text" mapstructure:"no-info-text"`

	// ServiceFailureText 模型服务失败时的固定回复。
	ServiceFailureText string `json:"service-failure-text" mapstructure:"service-failure-text"`

	// EmptyGenerationText 模型输出为空时的固定回复。
	EmptyGenerationText string `json:"empty-generation-text" mapstructure:"empty-generation-text"`

	// HistoryLimit 携带的历史轮次上限。
	HistoryLimit int `json:"history-limit" mapstructure:"history-limit"`
}

// NewPromptOptions 创建默认提示词配置。
func NewPromptOptions() *PromptOptions {
	return &PromptOptions{
		HistoryLimit: 10,
	}
}

// ComposerConfig 将提示词配置合并进默认合成配置。
func (o *PromptOptions) ComposerConfig() *biz.ComposerConfig {
	cfg := biz.DefaultComposerConfig()
	if o.System != "" {
		cfg.SystemPrompt = o.System
	}
	if o.NoInfoText != "" {
		cfg.NoInfoText = o.NoInfoText
	}
	if o.ServiceFailureText != "" {
		cfg.ServiceFailureText = o.ServiceFailureText
	}
	if o.EmptyGenerationText != "" {
		cfg.EmptyGenerationText = o.EmptyGenerationText
	}
	return cfg
}

// StoreOptions 对话存储配置。
type StoreOptions struct {
	// Path SQLite 数据库文件路径。
	Path string `json:"path" mapstructure:"path"`
}

// NewStoreOptions 创建默认存储配置。
func NewStoreOptions() *StoreOptions {
	return &StoreOptions{
		Path: "_output/conversations.db",
	}
}

// CallbackOptions 延迟投递配置。
type CallbackOptions struct {
	// Timeout 回调 POST 的总超时。
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// NewCallbackOptions 创建默认回调配置。
func NewCallbackOptions() *CallbackOptions {
	return &CallbackOptions{
		Timeout: 10 * time.Second,
	}
}

// PoolOptions 工作池配置。
type PoolOptions struct {
	// Capacity 并发处理的延迟请求上限，超出即拒绝受理。
	Capacity int `json:"capacity" mapstructure:"capacity"`
}

// NewPoolOptions 创建默认工作池配置。
func NewPoolOptions() *PoolOptions {
	return &PoolOptions{
		Capacity: 64,
	}
}

// CacheOptions embedding 缓存配置。
type CacheOptions struct {
	// Enabled 是否启用缓存。
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// TTL 缓存过期时间。
	TTL time.Duration `json:"ttl" mapstructure:"ttl"`

	// KeyPrefix 缓存键前缀。
	KeyPrefix string `json:"key-prefix" mapstructure:"key-prefix"`

	// Redis Redis 连接配置。
	Redis *RedisOptions `json:"redis" mapstructure:"redis"`
}

// RedisOptions Redis 配置。
type RedisOptions struct {
	// Host Redis 主机地址。
	Host string `json:"host" mapstructure:"host"`

	// Port Redis 端口。
	Port int `json:"port" mapstructure:"port"`

	// Password Redis 密码。
	Password string `json:"password" mapstructure:"password"`

	// Database Redis 数据库编号。
	Database int `json:"database" mapstructure:"database"`
}

// NewCacheOptions 创建默认缓存配置。
func NewCacheOptions() *CacheOptions {
	return &CacheOptions{
		Enabled:   false,
		TTL:       24 * time.Hour,
		KeyPrefix: "knowbot:emb:",
		Redis: &RedisOptions{
			Host:     "localhost",
			Port:     6379,
			Database: 0,
		},
	}
}

// NotifyOptions 运维通知配置。
type NotifyOptions struct {
	// Endpoint Webhook 地址，为空则不通知。
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`

	// Timeout 通知请求超时。
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// NewNotifyOptions 创建默认通知配置。
func NewNotifyOptions() *NotifyOptions {
	return &NotifyOptions{
		Timeout: 5 * time.Second,
	}
}

// NewOptions creates new Options with defaults.
func NewOptions() *Options {
	embeddingOpts := NewLLMProviderOptions()
	embeddingOpts.Model = "nomic-embed-text"

	chatOpts := NewLLMProviderOptions()
	chatOpts.Model = "qwen2.5:7b"

	return &Options{
		HTTP:      NewHTTPOptions(),
		Log:       logopts.NewOptions(),
		Corpus:    NewCorpusOptions(),
		Retrieval: NewRetrievalOptions(),
		Embedding: embeddingOpts,
		Chat:      chatOpts,
		Prompt:    NewPromptOptions(),
		Store:     NewStoreOptions(),
		Callback:  NewCallbackOptions(),
		Pool:      NewPoolOptions(),
		Cache:     NewCacheOptions(),
		Notify:    NewNotifyOptions(),
	}
}

// AddFlags adds flags to the flagset.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.Log.AddFlags(fs)
	o.addHTTPFlags(fs)
	o.addCorpusFlags(fs)
	o.addRetrievalFlags(fs)
	o.addProviderFlags(fs, "embedding", o.Embedding)
	o.addProviderFlags(fs, "chat", o.Chat)
	o.addPromptFlags(fs)
	o.addStoreFlags(fs)
	o.addCallbackFlags(fs)
	o.addPoolFlags(fs)
	o.addCacheFlags(fs)
	o.addNotifyFlags(fs)
}

func (o *Options) addHTTPFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.HTTP.Addr, "http.addr", o.HTTP.Addr, "HTTP listen address")
	fs.StringVar(&o.HTTP.Mode, "http.mode", o.HTTP.Mode, "HTTP server mode (debug|release|test)")
	fs.DurationVar(&o.HTTP.ReadTimeout, "http.read-timeout", o.HTTP.ReadTimeout, "HTTP read timeout")
	fs.DurationVar(&o.HTTP.WriteTimeout, "http.write-timeout", o.HTTP.WriteTimeout, "HTTP write timeout")
	fs.DurationVar(&o.HTTP.ShutdownTimeout, "http.shutdown-timeout", o.HTTP.ShutdownTimeout, "Graceful shutdown timeout")
}

func (o *Options) addCorpusFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Corpus.Path, "corpus.path", o.Corpus.Path, "Knowledge corpus CSV file path")
	fs.StringVar(&o.Corpus.Mode, "corpus.mode", o.Corpus.Mode, "Retrieval mode (lexical|semantic)")
	fs.StringVar(&o.Corpus.VectorCachePath, "corpus.vector-cache-path", o.Corpus.VectorCachePath, "Vector cache file path for semantic mode")
}

func (o *Options) addRetrievalFlags(fs *pflag.FlagSet) {
	fs.IntVar(&o.Retrieval.TopK, "retrieval.top-k", o.Retrieval.TopK, "Maximum number of retrieval results")
	fs.Float64Var(&o.Retrieval.Threshold, "retrieval.threshold", o.Retrieval.Threshold, "Minimum score for retrieval results")
}

func (o *Options) addProviderFlags(fs *pflag.FlagSet, prefix string, opts *LLMProviderOptions) {
	fs.StringVar(&opts.Provider, prefix+".provider", opts.Provider, "Provider name (ollama, openai)")
	fs.StringVar(&opts.BaseURL, prefix+".base-url", opts.BaseURL, "Provider API base URL")
	fs.StringVar(&opts.APIKey, prefix+".api-key", opts.APIKey, "Provider API key (for OpenAI)")
	fs.StringVar(&opts.Model, prefix+".model", opts.Model, "Model name")
	fs.DurationVar(&opts.Timeout, prefix+".timeout", opts.Timeout, "Request timeout")
	fs.IntVar(&opts.MaxRetries, prefix+".max-retries", opts.MaxRetries, "Max retries")
}

func (o *Options) addPromptFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Prompt.System, "prompt.system", o.Prompt.System, "System prompt template ({{context}} placeholder)")
	fs.IntVar(&o.Prompt.HistoryLimit, "prompt.history-limit", o.Prompt.HistoryLimit, "Maximum history turns included in the prompt")
}

func (o *Options) addStoreFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Store.Path, "store.path", o.Store.Path, "Conversation store SQLite file path")
}

func (o *Options) addCallbackFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&o.Callback.Timeout, "callback.timeout", o.Callback.Timeout, "Callback delivery timeout")
}

func (o *Options) addPoolFlags(fs *pflag.FlagSet) {
	fs.IntVar(&o.Pool.Capacity, "pool.capacity", o.Pool.Capacity, "Deferred worker pool capacity")
}

func (o *Options) addCacheFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&o.Cache.Enabled, "cache.enabled", o.Cache.Enabled, "Enable embedding cache")
	fs.DurationVar(&o.Cache.TTL, "cache.ttl", o.Cache.TTL, "Cache TTL duration")
	fs.StringVar(&o.Cache.KeyPrefix, "cache.key-prefix", o.Cache.KeyPrefix, "Cache key prefix")
	fs.StringVar(&o.Cache.Redis.Host, "cache.redis.host", o.Cache.Redis.Host, "Redis host")
	fs.IntVar(&o.Cache.Redis.Port, "cache.redis.port", o.Cache.Redis.Port, "Redis port")
	fs.StringVar(&o.Cache.Redis.Password, "cache.redis.password", o.Cache.Redis.Password, "Redis password")
	fs.IntVar(&o.Cache.Redis.Database, "cache.redis.database", o.Cache.Redis.Database, "Redis database number")
}

func (o *Options) addNotifyFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Notify.Endpoint, "notify.endpoint", o.Notify.Endpoint, "Operator notification webhook endpoint")
	fs.DurationVar(&o.Notify.Timeout, "notify.timeout", o.Notify.Timeout, "Notification request timeout")
}

// Validate validates the options.
func (o *Options) Validate() error {
	if err := o.Log.Validate(); err != nil {
		return err
	}
	if o.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if o.Corpus.Path == "" {
		return fmt.Errorf("corpus.path is required")
	}
	mode := biz.RetrievalMode(o.Corpus.Mode)
	if mode != biz.RetrievalLexical && mode != biz.RetrievalSemantic {
		return fmt.Errorf("corpus.mode must be lexical or semantic, got %q", o.Corpus.Mode)
	}
	if o.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top-k must be positive")
	}
	if err := o.validateLLMProvider(o.Chat, "chat"); err != nil {
		return err
	}
	// lexical 模式不触达 embedding 服务，其配置不参与校验。
	if mode == biz.RetrievalSemantic {
		if err := o.validateLLMProvider(o.Embedding, "embedding"); err != nil {
			return err
		}
	}
	if o.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if o.Callback.Timeout <= 0 {
		return fmt.Errorf("callback.timeout must be positive")
	}
	if o.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be positive")
	}
	return nil
}

func (o *Options) validateLLMProvider(opts *LLMProviderOptions, prefix string) error {
	if opts.Provider == "" {
		return fmt.Errorf("%s.provider is required", prefix)
	}
	if opts.BaseURL == "" {
		return fmt.Errorf("%s.base-url is required", prefix)
	}
	if opts.Model == "" {
		return fmt.Errorf("%s.model is required", prefix)
	}
	// OpenAI 供应商需要 API key
	if opts.Provider == "openai" && opts.APIKey == "" {
		return fmt.Errorf("%s.api-key is required for openai provider", prefix)
	}
	if opts.Timeout <= 0 {
		return fmt.Errorf("%s.timeout must be positive", prefix)
	}
	return nil
}

// Complete completes the options.
func (o *Options) Complete() error {
	return nil
}
