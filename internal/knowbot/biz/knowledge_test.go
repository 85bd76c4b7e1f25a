package biz_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kart-io/knowbot/internal/knowbot/biz"
	"github.com/kart-io/knowbot/internal/knowbot/corpus"
)

func TestTokenize(t *testing.T) {
	terms := biz.Tokenize("봉안 비용이 얼마인가요?")
	assert.Len(t, terms, 3)
	assert.Contains(t, terms, "봉안")
	assert.Contains(t, terms, "비용이")

	assert.Empty(t, biz.Tokenize("   "))

	// 大小写归一
	terms = biz.Tokenize("Hello HELLO hello")
	assert.Len(t, terms, 1)
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 2, 3}
	assert.InDelta(t, 1.0, biz.CosineSimilarity(a, a), 1e-9)

	b := []float32{3, 2, 1}
	assert.InDelta(t, biz.CosineSimilarity(a, b), biz.CosineSimilarity(b, a), 1e-12)

	assert.Equal(t, 0.0, biz.CosineSimilarity(a, []float32{0, 0, 0}))
	assert.Equal(t, 0.0, biz.CosineSimilarity(a, []float32{1, 2}))
	assert.Equal(t, 0.0, biz.CosineSimilarity(nil, nil))

	// 正交向量
	assert.InDelta(t, 0.0, biz.CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
}

func TestBuildIndexLexical(t *testing.T) {
	records := []corpus.Record{
		{Question: "운영 시간 안내", Answer: "오전 9시부터 오후 6시까지입니다."},
		{Question: "주차장 이용 안내", Answer: "무료 주차장이 있습니다."},
	}

	idx := biz.BuildIndex(context.Background(), records, biz.IndexConfig{Mode: biz.RetrievalLexical}, nil)
	assert.NoError(t, idx.Err())
	assert.Equal(t, 2, idx.Len())
	assert.Equal(t, biz.RetrievalLexical, idx.Mode())
	assert.Equal(t, records[1], idx.Record(1))
}

func TestBuildIndexEmptyCorpus(t *testing.T) {
	// 空语料不是构建失败，索引合法但任何查询零命中。
	idx := biz.BuildIndex(context.Background(), nil, biz.IndexConfig{Mode: biz.RetrievalLexical}, nil)
	assert.NoError(t, idx.Err())
	assert.Equal(t, 0, idx.Len())
}

func TestBuildIndexUnknownMode(t *testing.T) {
	records := []corpus.Record{{Question: "q", Answer: "a"}}
	idx := biz.BuildIndex(context.Background(), records, biz.IndexConfig{Mode: "fuzzy"}, nil)
	assert.True(t, errors.Is(idx.Err(), biz.ErrIndexUnavailable))
}

func TestBuildIndexSemantic(t *testing.T) {
	records := []corpus.Record{
		{Question: "q1", Answer: "a1"},
		{Question: "q2", Answer: "a2"},
	}
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"q1": {1, 0, 0},
		"q2": {0, 1, 0},
	}}

	idx := biz.BuildIndex(context.Background(), records, biz.IndexConfig{Mode: biz.RetrievalSemantic}, embedder)
	assert.NoError(t, idx.Err())
	assert.Equal(t, 2, idx.Len())
}

func TestBuildIndexSemanticEmbedFailure(t *testing.T) {
	records := []corpus.Record{{Question: "q1", Answer: "a1"}}
	embedder := &stubEmbedder{err: errors.New("connection refused")}

	idx := biz.BuildIndex(context.Background(), records, biz.IndexConfig{Mode: biz.RetrievalSemantic}, embedder)
	assert.True(t, errors.Is(idx.Err(), biz.ErrIndexUnavailable))
}

func TestBuildIndexSemanticDimensionMismatch(t *testing.T) {
	records := []corpus.Record{
		{Question: "q1", Answer: "a1"},
		{Question: "q2", Answer: "a2"},
	}
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"q1": {1, 0, 0},
		"q2": {0, 1},
	}}

	idx := biz.BuildIndex(context.Background(), records, biz.IndexConfig{Mode: biz.RetrievalSemantic}, embedder)
	assert.True(t, errors.Is(idx.Err(), biz.ErrIndexUnavailable))
}

func TestBuildIndexSemanticNilEmbedder(t *testing.T) {
	records := []corpus.Record{{Question: "q1", Answer: "a1"}}
	idx := biz.BuildIndex(context.Background(), records, biz.IndexConfig{Mode: biz.RetrievalSemantic}, nil)
	assert.True(t, errors.Is(idx.Err(), biz.ErrIndexUnavailable))
}

func TestNewFailedIndex(t *testing.T) {
	idx := biz.NewFailedIndex(errors.New("corpus not found"))
	assert.True(t, errors.Is(idx.Err(), biz.ErrIndexUnavailable))
	assert.Equal(t, 0, idx.Len())
}

func TestVectorCacheRoundTrip(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "vectors.json")
	records := []corpus.Record{
		{Question: "q1", Answer: "a1"},
		{Question: "q2", Answer: "a2"},
	}
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"q1": {1, 0},
		"q2": {0, 1},
	}}
	cfg := biz.IndexConfig{Mode: biz.RetrievalSemantic, VectorCachePath: cachePath}

	idx := biz.BuildIndex(context.Background(), records, cfg, embedder)
	assert.NoError(t, idx.Err())

	// 记录数不变则缓存命中，供应商失败也能构建成功。
	idx = biz.BuildIndex(context.Background(), records, cfg, &stubEmbedder{err: errors.New("down")})
	assert.NoError(t, idx.Err())
	assert.Equal(t, 2, idx.Len())

	// 记录数变化则缓存失效，必须重新向量化。
	grown := append(records, corpus.Record{Question: "q3", Answer: "a3"})
	idx = biz.BuildIndex(context.Background(), grown, cfg, &stubEmbedder{err: errors.New("down")})
	assert.Error(t, idx.Err())
}
