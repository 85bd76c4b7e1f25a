package biz_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kart-io/knowbot/internal/knowbot/biz"
	"github.com/kart-io/knowbot/internal/knowbot/corpus"
)

func buildLexicalIndex(t *testing.T, records []corpus.Record) *biz.Index {
	t.Helper()
	idx := biz.BuildIndex(context.Background(), records, biz.IndexConfig{Mode: biz.RetrievalLexical}, nil)
	assert.NoError(t, idx.Err())
	return idx
}

func TestSearchLexicalMatch(t *testing.T) {
	idx := buildLexicalIndex(t, []corpus.Record{
		{Question: "봉안 비용", Answer: "비용은 A입니다"},
	})
	r := biz.NewRetriever(idx, nil, &biz.RetrieverConfig{TopK: 3, Threshold: 1})

	results, err := r.Search(context.Background(), "봉안 비용이 얼마인가요?")
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, "비용은 A입니다", results[0].Content)
	// "봉안" 一个词项命中，"비용" 与 "비용이" 不同词项。
	assert.Equal(t, 1.0, results[0].Score)
}

func TestSearchThresholdExcludes(t *testing.T) {
	idx := buildLexicalIndex(t, []corpus.Record{
		{Question: "운영 시간 안내", Answer: "오전 9시"},
	})
	r := biz.NewRetriever(idx, nil, &biz.RetrieverConfig{TopK: 3, Threshold: 1})

	results, err := r.Search(context.Background(), "주차장 위치")
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchDescendingAndTopK(t *testing.T) {
	idx := buildLexicalIndex(t, []corpus.Record{
		{Question: "a", Answer: "r0"},
		{Question: "a b", Answer: "r1"},
		{Question: "a b c", Answer: "r2"},
		{Question: "a b c d", Answer: "r3"},
	})
	r := biz.NewRetriever(idx, nil, &biz.RetrieverConfig{TopK: 3, Threshold: 1})

	results, err := r.Search(context.Background(), "a b c d")
	assert.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, "r3", results[0].Content)
	assert.Equal(t, "r2", results[1].Content)
	assert.Equal(t, "r1", results[2].Content)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestSearchStableTies(t *testing.T) {
	idx := buildLexicalIndex(t, []corpus.Record{
		{Question: "a x", Answer: "first"},
		{Question: "a y", Answer: "second"},
		{Question: "a z", Answer: "third"},
	})
	r := biz.NewRetriever(idx, nil, &biz.RetrieverConfig{TopK: 3, Threshold: 1})

	results, err := r.Search(context.Background(), "a")
	assert.NoError(t, err)
	// 同分结果保持语料顺序。
	assert.Equal(t, []string{"first", "second", "third"},
		[]string{results[0].Content, results[1].Content, results[2].Content})
}

func TestSearchVerbatimQuestionScoresHighest(t *testing.T) {
	idx := buildLexicalIndex(t, []corpus.Record{
		{Question: "봉안 기간 연장 신청", Answer: "연장 안내"},
		{Question: "주차장 이용 안내", Answer: "주차 안내"},
	})
	r := biz.NewRetriever(idx, nil, &biz.RetrieverConfig{TopK: 2, Threshold: 1})

	// 原文查询得到完整词项交集，即该记录的最高分。
	results, err := r.Search(context.Background(), "봉안 기간 연장 신청")
	assert.NoError(t, err)
	assert.NotEmpty(t, results)
	assert.Equal(t, "연장 안내", results[0].Content)
	assert.Equal(t, 4.0, results[0].Score)
}

func TestSearchEmptyCorpus(t *testing.T) {
	idx := biz.BuildIndex(context.Background(), nil, biz.IndexConfig{Mode: biz.RetrievalLexical}, nil)
	assert.NoError(t, idx.Err())
	r := biz.NewRetriever(idx, nil, &biz.RetrieverConfig{TopK: 3, Threshold: 1})

	results, err := r.Search(context.Background(), "아무 질문")
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchIndexUnavailable(t *testing.T) {
	idx := biz.NewFailedIndex(errors.New("corpus missing"))
	r := biz.NewRetriever(idx, nil, nil)

	results, err := r.Search(context.Background(), "anything")
	assert.Nil(t, results)
	assert.True(t, errors.Is(err, biz.ErrIndexUnavailable))
}

func TestSearchSemantic(t *testing.T) {
	records := []corpus.Record{
		{Question: "q1", Answer: "about parking"},
		{Question: "q2", Answer: "about hours"},
	}
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"q1":    {1, 0},
		"q2":    {0, 1},
		"query": {0.9, 0.1},
	}}
	idx := biz.BuildIndex(context.Background(), records, biz.IndexConfig{Mode: biz.RetrievalSemantic}, embedder)
	assert.NoError(t, idx.Err())

	r := biz.NewRetriever(idx, embedder, &biz.RetrieverConfig{TopK: 1, Threshold: 0.5})
	results, err := r.Search(context.Background(), "query")
	assert.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, "about parking", results[0].Content)
}

func TestSearchSemanticEmbedFailure(t *testing.T) {
	records := []corpus.Record{{Question: "q1", Answer: "a1"}}
	good := &stubEmbedder{vectors: map[string][]float32{"q1": {1, 0}}}
	idx := biz.BuildIndex(context.Background(), records, biz.IndexConfig{Mode: biz.RetrievalSemantic}, good)
	assert.NoError(t, idx.Err())

	r := biz.NewRetriever(idx, &stubEmbedder{err: errors.New("timeout")}, &biz.RetrieverConfig{TopK: 1, Threshold: 0.5})
	_, err := r.Search(context.Background(), "query")
	assert.True(t, errors.Is(err, biz.ErrExternalService))
}
