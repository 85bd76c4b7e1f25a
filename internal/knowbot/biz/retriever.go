package biz

import (
	"context"
	"fmt"
	"sort"

	"github.com/kart-io/logger"

	"github.com/kart-io/knowbot/pkg/llm"
)

// RetrieverConfig 检索参数。
type RetrieverConfig struct {
	// TopK 返回结果条数上限。
	TopK int
	// Threshold 结果入选的最低得分（含）。
	Threshold float64
}

// DefaultRetrieverConfig 返回默认检索参数。
func DefaultRetrieverConfig() *RetrieverConfig {
	return &RetrieverConfig{
		TopK:      3,
		Threshold: 1,
	}
}

// Result 一条检索结果。
type Result struct {
	// Score 相关性得分。词项模式下为交集词数，语义模式下为余弦相似度。
	Score float64 `json:"score"`
	// Content 命中记录的答案文本。
	Content string `json:"content"`
	// Question 命中记录的问题，用于日志与调试。
	Question string `json:"question"`
}

// Retriever 在只读索引上执行相关性检索。
type Retriever struct {
	index    *Index
	embedder llm.EmbeddingProvider
	config   *RetrieverConfig
}

// NewRetriever 创建检索器。语义模式下 embedder 用于对查询向量化。
func NewRetriever(index *Index, embedder llm.EmbeddingProvider, cfg *RetrieverConfig) *Retriever {
	if cfg == nil {
		cfg = DefaultRetrieverConfig()
	}
	return &Retriever{
		index:    index,
		embedder: embedder,
		config:   cfg,
	}
}

// Search 对查询执行检索，返回得分不低于阈值的前 K 条结果，
// 按得分降序排列，同分保持语料顺序。
// 索引处于哨兵态时返回 ErrIndexUnavailable。
func (r *Retriever) Search(ctx context.Context, query string) ([]Result, error) {
	if err := r.index.Err(); err != nil {
		return nil, err
	}

	var scores []float64
	switch r.index.Mode() {
	case RetrievalLexical:
		scores = r.scoreLexical(query)
	case RetrievalSemantic:
		var err error
		scores, err = r.scoreSemantic(ctx, query)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown retrieval mode %q", ErrIndexUnavailable, r.index.Mode())
	}

	type scored struct {
		idx   int
		score float64
	}
	var hits []scored
	for i, s := range scores {
		if s >= r.config.Threshold {
			hits = append(hits, scored{idx: i, score: s})
		}
	}

	// 稳定排序保证同分时语料顺序不被打乱，结果可复现。
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].score > hits[j].score
	})

	if len(hits) > r.config.TopK {
		hits = hits[:r.config.TopK]
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		rec := r.index.Record(h.idx)
		results = append(results, Result{
			Score:    h.score,
			Content:  rec.Answer,
			Question: rec.Question,
		})
	}

	logger.Debugw("检索完成", "query_terms", len(Tokenize(query)), "candidates", len(scores), "hits", len(results))
	return results, nil
}

func (r *Retriever) scoreLexical(query string) []float64 {
	queryTerms := Tokenize(query)
	scores := make([]float64, r.index.Len())
	for i, terms := range r.index.terms {
		overlap := 0
		for t := range queryTerms {
			if _, ok := terms[t]; ok {
				overlap++
			}
		}
		scores[i] = float64(overlap)
	}
	return scores
}

func (r *Retriever) scoreSemantic(ctx context.Context, query string) ([]float64, error) {
	if r.embedder == nil {
		return nil, fmt.Errorf("%w: no embedding provider", ErrExternalService)
	}
	vec, err := r.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %v", ErrExternalService, err)
	}

	scores := make([]float64, r.index.Len())
	for i, v := range r.index.vectors {
		scores[i] = CosineSimilarity(vec, v)
	}
	return scores, nil
}
