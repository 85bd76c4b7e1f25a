package handler_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/kart-io/knowbot/internal/knowbot/biz"
	"github.com/kart-io/knowbot/internal/knowbot/corpus"
	"github.com/kart-io/knowbot/internal/knowbot/handler"
	"github.com/kart-io/knowbot/internal/knowbot/router"
	"github.com/kart-io/knowbot/pkg/llm"
	"github.com/kart-io/knowbot/pkg/pool"
	"github.com/kart-io/knowbot/pkg/utils/json"
)

type fixedChat struct {
	mu    sync.Mutex
	reply string
	block chan struct{}
}

func (f *fixedChat) Chat(ctx context.Context, _ []llm.Message) (string, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, nil
}

func (f *fixedChat) Name() string { return "fixed" }

func newTestEngine(t *testing.T, chat llm.ChatProvider, capacity int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	records := []corpus.Record{
		{Category: "봉안 안내", Question: "봉안 비용", Answer: "비용은 A입니다"},
	}
	idx := biz.BuildIndex(context.Background(), records, biz.IndexConfig{Mode: biz.RetrievalLexical}, nil)
	assert.NoError(t, idx.Err())

	workers, err := pool.New("test", pool.DeferredConfig(capacity))
	assert.NoError(t, err)
	t.Cleanup(workers.Release)

	retriever := biz.NewRetriever(idx, nil, &biz.RetrieverConfig{TopK: 3, Threshold: 1})
	composer := biz.NewComposer(chat, nil, nil)
	coordinator := biz.NewCoordinator(retriever, composer, nil, workers, nil, nil)

	engine := gin.New()
	router.Register(engine, handler.New(coordinator, idx, workers, records))
	return engine
}

func doJSON(engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestAskImmediate(t *testing.T) {
	engine := newTestEngine(t, &fixedChat{reply: "비용 안내입니다."}, 2)

	w := doJSON(engine, http.MethodPost, "/v1/ask", `{"user_id":"u1","query_text":"봉안 비용이 얼마인가요?"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp handler.AskResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "비용 안내입니다.", resp.Text)
}

func TestAskValidation(t *testing.T) {
	engine := newTestEngine(t, &fixedChat{reply: "unused"}, 2)

	for _, body := range []string{
		`{}`,
		`{"user_id":"u1"}`,
		`{"query_text":"질문"}`,
		`not json`,
	} {
		w := doJSON(engine, http.MethodPost, "/v1/ask", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body: %s", body)
	}
}

func TestAskDeferred(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(sink.Close)

	engine := newTestEngine(t, &fixedChat{reply: "답변"}, 2)

	w := doJSON(engine, http.MethodPost, "/v1/ask",
		`{"user_id":"u1","query_text":"봉안 비용","callback_target":"`+sink.URL+`"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp handler.DeferredResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Deferred)
}

func TestAskDeferredSaturated(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	chat := &fixedChat{reply: "답변", block: block}
	engine := newTestEngine(t, chat, 1)

	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(sink.Close)

	body := `{"user_id":"u1","query_text":"봉안 비용","callback_target":"` + sink.URL + `"}`
	w := doJSON(engine, http.MethodPost, "/v1/ask", body)
	assert.Equal(t, http.StatusOK, w.Code)

	// 等首个请求占满工作池后，新的延迟请求被拒绝。
	assert.Eventually(t, func() bool {
		w := doJSON(engine, http.MethodPost, "/v1/ask", body)
		return w.Code == http.StatusServiceUnavailable
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHealth(t *testing.T) {
	engine := newTestEngine(t, &fixedChat{reply: "unused"}, 2)

	w := doJSON(engine, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStats(t *testing.T) {
	engine := newTestEngine(t, &fixedChat{reply: "unused"}, 2)

	w := doJSON(engine, http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	index := resp["index"].(map[string]any)
	assert.Equal(t, "ready", index["status"])
	assert.Equal(t, "lexical", index["mode"])
	assert.Equal(t, float64(1), index["records"])
	assert.Contains(t, resp, "pool")
}

func TestCorpusEndpoint(t *testing.T) {
	engine := newTestEngine(t, &fixedChat{reply: "unused"}, 2)

	w := doJSON(engine, http.MethodGet, "/v1/corpus", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "[봉안 안내]")
	assert.Contains(t, w.Body.String(), "Q: 봉안 비용")
}

func TestRequestIDHeader(t *testing.T) {
	engine := newTestEngine(t, &fixedChat{reply: "unused"}, 2)

	w := doJSON(engine, http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, w.Header().Get(router.RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(router.RequestIDHeader, "given-id")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, "given-id", rec.Header().Get(router.RequestIDHeader))
}
