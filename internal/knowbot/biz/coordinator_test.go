package biz_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kart-io/knowbot/internal/knowbot/biz"
	"github.com/kart-io/knowbot/internal/knowbot/corpus"
	"github.com/kart-io/knowbot/internal/knowbot/store"
	"github.com/kart-io/knowbot/pkg/pool"
	"github.com/kart-io/knowbot/pkg/utils/json"
)

type callbackSink struct {
	server *httptest.Server
	bodies chan string
	count  atomic.Int64
	status int
}

func newCallbackSink(t *testing.T, status int) *callbackSink {
	t.Helper()
	sink := &callbackSink{
		bodies: make(chan string, 8),
		status: status,
	}
	sink.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sink.count.Add(1)
		body, _ := io.ReadAll(r.Body)
		sink.bodies <- string(body)
		w.WriteHeader(sink.status)
	}))
	t.Cleanup(sink.server.Close)
	return sink
}

func (s *callbackSink) wait(t *testing.T) string {
	t.Helper()
	select {
	case body := <-s.bodies:
		return body
	case <-time.After(5 * time.Second):
		t.Fatal("callback was not delivered")
		return ""
	}
}

func newTestCoordinator(t *testing.T, chat *stubChat, turns store.ConversationStore, capacity int) *biz.Coordinator {
	t.Helper()

	idx := biz.BuildIndex(context.Background(), []corpus.Record{
		{Question: "봉안 비용", Answer: "비용은 A입니다"},
	}, biz.IndexConfig{Mode: biz.RetrievalLexical}, nil)
	assert.NoError(t, idx.Err())

	retriever := biz.NewRetriever(idx, nil, &biz.RetrieverConfig{TopK: 3, Threshold: 1})
	composer := biz.NewComposer(chat, nil, nil)

	workers, err := pool.New("test", pool.DeferredConfig(capacity))
	assert.NoError(t, err)
	t.Cleanup(workers.Release)

	return biz.NewCoordinator(retriever, composer, turns, workers, nil, &biz.CoordinatorConfig{
		CallbackTimeout: 5 * time.Second,
		HistoryLimit:    10,
	})
}

func TestRequestMode(t *testing.T) {
	assert.Equal(t, biz.DeliveryImmediate, biz.NewRequest("u1", "q", "").Mode())
	assert.Equal(t, biz.DeliveryDeferred, biz.NewRequest("u1", "q", "http://cb").Mode())
	assert.NotEmpty(t, biz.NewRequest("u1", "q", "").ID)
}

func TestAnswerImmediate(t *testing.T) {
	chat := &stubChat{reply: "비용 안내입니다."}
	turns := newMemStore()
	c := newTestCoordinator(t, chat, turns, 2)

	req := biz.NewRequest("user-1", "봉안 비용이 얼마인가요?", "")
	text := c.Answer(context.Background(), req)

	assert.Equal(t, "비용 안내입니다.", text)

	// 一次问答落两条轮次。
	saved := turns.all("user-1")
	assert.Len(t, saved, 2)
	assert.Equal(t, store.RoleUser, saved[0].Role)
	assert.Equal(t, "봉안 비용이 얼마인가요?", saved[0].Content)
	assert.Equal(t, store.RoleAssistant, saved[1].Role)
	assert.Equal(t, "비용 안내입니다.", saved[1].Content)
}

func TestAnswerIndexUnavailable(t *testing.T) {
	chat := &stubChat{reply: "unused"}
	retriever := biz.NewRetriever(biz.NewFailedIndex(errors.New("corpus missing")), nil, nil)
	composer := biz.NewComposer(chat, nil, nil)

	workers, err := pool.New("test", pool.DeferredConfig(1))
	assert.NoError(t, err)
	t.Cleanup(workers.Release)

	c := biz.NewCoordinator(retriever, composer, nil, workers, nil, nil)
	text := c.Answer(context.Background(), biz.NewRequest("u", "질문", ""))

	assert.Equal(t, composer.Config().IndexUnavailableText, text)
	assert.Equal(t, 0, chat.callCount())
}

func TestDeferAcksBeforeCompletion(t *testing.T) {
	block := make(chan struct{})
	chat := &stubChat{reply: "답변입니다.", block: block}
	sink := newCallbackSink(t, http.StatusOK)
	c := newTestCoordinator(t, chat, newMemStore(), 2)

	req := biz.NewRequest("user-1", "봉안 비용", sink.server.URL)
	err := c.Defer(req)
	assert.NoError(t, err)

	// Defer 已返回而管线仍阻塞，回调尚未投递。
	assert.Equal(t, int64(0), sink.count.Load())

	close(block)
	body := sink.wait(t)

	var payload struct {
		Text string `json:"text"`
	}
	assert.NoError(t, json.Unmarshal([]byte(body), &payload))
	assert.Equal(t, "답변입니다.", payload.Text)
}

func TestDeferExactlyOnceOnPanic(t *testing.T) {
	chat := &stubChat{panicMsg: "boom"}
	sink := newCallbackSink(t, http.StatusOK)
	c := newTestCoordinator(t, chat, newMemStore(), 2)

	req := biz.NewRequest("user-1", "봉안 비용", sink.server.URL)
	assert.NoError(t, c.Defer(req))

	body := sink.wait(t)
	var payload struct {
		Text string `json:"text"`
	}
	assert.NoError(t, json.Unmarshal([]byte(body), &payload))
	assert.Equal(t, biz.DefaultComposerConfig().ServiceFailureText, payload.Text)

	// 终态回调只发一次。
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), sink.count.Load())
}

func TestDeferPoolOverload(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	chat := &stubChat{reply: "답변", block: block}
	sink := newCallbackSink(t, http.StatusOK)
	c := newTestCoordinator(t, chat, newMemStore(), 1)

	assert.NoError(t, c.Defer(biz.NewRequest("u1", "봉안 비용", sink.server.URL)))

	// 等第一个任务占满工作池。
	assert.Eventually(t, func() bool {
		return chat.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	err := c.Defer(biz.NewRequest("u2", "봉안 비용", sink.server.URL))
	assert.True(t, errors.Is(err, pool.ErrPoolOverload))
}

func TestDeliverFailureNotRetried(t *testing.T) {
	chat := &stubChat{reply: "답변"}
	sink := newCallbackSink(t, http.StatusBadRequest)
	c := newTestCoordinator(t, chat, newMemStore(), 2)

	assert.NoError(t, c.Defer(biz.NewRequest("u1", "봉안 비용", sink.server.URL)))
	sink.wait(t)

	// 对端拒绝不触发重试。
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), sink.count.Load())
}
