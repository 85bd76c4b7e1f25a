package knowbot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/knowbot/internal/knowbot/biz"
	"github.com/kart-io/knowbot/internal/knowbot/corpus"
	"github.com/kart-io/knowbot/internal/knowbot/handler"
	"github.com/kart-io/knowbot/internal/knowbot/router"
	"github.com/kart-io/knowbot/internal/knowbot/store"
	"github.com/kart-io/knowbot/pkg/app"
	"github.com/kart-io/knowbot/pkg/llm"
	"github.com/kart-io/knowbot/pkg/notify"
	"github.com/kart-io/knowbot/pkg/pool"
)

// Run runs the knowbot service with the given options.
func Run(opts *Options) error {
	// 1. 初始化日志
	opts.Log.AddInitialField("service.name", Name)
	opts.Log.AddInitialField("service.version", app.GetVersion())
	if err := opts.Log.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info("Starting knowbot service...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 运维通知
	notifier := buildNotifier(opts.Notify)

	// 3. 模型供应商
	chatProvider, err := llm.NewProvider(opts.Chat.Provider, opts.Chat.ToConfigMap())
	if err != nil {
		return fmt.Errorf("failed to create chat provider: %w", err)
	}
	logger.Infow("聊天供应商就绪", "provider", chatProvider.Name(), "model", opts.Chat.Model)

	mode := biz.RetrievalMode(opts.Corpus.Mode)
	var embedder llm.EmbeddingProvider
	if mode == biz.RetrievalSemantic {
		embedder, err = buildEmbedder(ctx, opts)
		if err != nil {
			return fmt.Errorf("failed to create embedding provider: %w", err)
		}
	}

	// 4. 语料加载与索引构建。语料或索引失败不终止进程，
	// 服务以哨兵态索引继续运行，返回固定降级回复。
	records, index := buildIndex(ctx, opts, embedder, notifier)

	// 5. 对话存储
	turns, err := store.NewSQLite(opts.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	defer func() { _ = turns.Close() }()
	logger.Infow("对话存储就绪", "path", opts.Store.Path)

	// 6. 工作池与问答管线
	workers, err := pool.New("deferred", pool.DeferredConfig(opts.Pool.Capacity))
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	retriever := biz.NewRetriever(index, embedder, &biz.RetrieverConfig{
		TopK:      opts.Retrieval.TopK,
		Threshold: opts.Retrieval.Threshold,
	})
	composer := biz.NewComposer(chatProvider, notifier, opts.Prompt.ComposerConfig())
	coordinator := biz.NewCoordinator(retriever, composer, turns, workers, notifier, &biz.CoordinatorConfig{
		CallbackTimeout: opts.Callback.Timeout,
		HistoryLimit:    opts.Prompt.HistoryLimit,
	})

	// 7. HTTP 服务
	gin.SetMode(opts.HTTP.Mode)
	engine := gin.New()
	router.Register(engine, handler.New(coordinator, index, workers, records))

	srv := &http.Server{
		Addr:         opts.HTTP.Addr,
		Handler:      engine,
		ReadTimeout:  opts.HTTP.ReadTimeout,
		WriteTimeout: opts.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("HTTP 服务启动", "addr", opts.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	// 8. 优雅停机：先停新请求，再等在途的延迟管线完成回调。
	logger.Info("Shutting down knowbot service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("HTTP 服务停机失败", "error", err)
	}
	if err := workers.ReleaseTimeout(opts.HTTP.ShutdownTimeout); err != nil {
		logger.Warnw("工作池未能在时限内排空", "error", err)
	}

	logger.Info("knowbot service stopped")
	return nil
}

func buildNotifier(opts *NotifyOptions) notify.Notifier {
	if opts == nil || opts.Endpoint == "" {
		return notify.NewNop()
	}
	return notify.NewWebhook(opts.Endpoint, opts.Timeout)
}

// buildEmbedder 创建 embedding 供应商，按配置包装 Redis 缓存。
// Redis 不可达时退化为直连供应商。
func buildEmbedder(ctx context.Context, opts *Options) (llm.EmbeddingProvider, error) {
	provider, err := llm.NewProvider(opts.Embedding.Provider, opts.Embedding.ToConfigMap())
	if err != nil {
		return nil, err
	}
	logger.Infow("Embedding 供应商就绪", "provider", provider.Name(), "model", opts.Embedding.Model)

	if !opts.Cache.Enabled {
		return provider, nil
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%d", opts.Cache.Redis.Host, opts.Cache.Redis.Port),
		Password: opts.Cache.Redis.Password,
		DB:       opts.Cache.Redis.Database,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warnw("Redis 不可达，embedding 缓存关闭", "error", err)
		_ = rdb.Close()
		return provider, nil
	}

	logger.Infow("Embedding 缓存就绪", "key_prefix", opts.Cache.KeyPrefix, "ttl", opts.Cache.TTL.String())
	return llm.NewCachedEmbeddingProvider(provider, rdb, &llm.EmbeddingCacheConfig{
		Enabled:   true,
		TTL:       opts.Cache.TTL,
		KeyPrefix: opts.Cache.KeyPrefix,
	}), nil
}

func buildIndex(ctx context.Context, opts *Options, embedder llm.EmbeddingProvider, notifier notify.Notifier) ([]corpus.Record, *biz.Index) {
	records, err := corpus.Load(opts.Corpus.Path)
	if err != nil {
		logger.Errorw("语料加载失败，索引进入哨兵态", "path", opts.Corpus.Path, "error", err)
		notifier.Notify(notify.Event{
			Kind:    notify.KindIndexBuildFailed,
			Message: err.Error(),
		})
		return nil, biz.NewFailedIndex(err)
	}
	logger.Infow("语料加载完成", "path", opts.Corpus.Path, "records", len(records), "categories", corpus.Categories(records))

	index := biz.BuildIndex(ctx, records, biz.IndexConfig{
		Mode:            biz.RetrievalMode(opts.Corpus.Mode),
		VectorCachePath: opts.Corpus.VectorCachePath,
	}, embedder)
	if err := index.Err(); err != nil {
		notifier.Notify(notify.Event{
			Kind:    notify.KindIndexBuildFailed,
			Message: err.Error(),
		})
	}
	return records, index
}
