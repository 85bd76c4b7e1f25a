// Package biz 实现问答服务的核心业务：知识索引、检索、
// 回复合成与回调协调。
package biz

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/knowbot/internal/knowbot/corpus"
	"github.com/kart-io/knowbot/pkg/llm"
)

// RetrievalMode 检索模式。
type RetrievalMode string

const (
	// RetrievalLexical 基于词项交集的关键词检索。
	RetrievalLexical RetrievalMode = "lexical"
	// RetrievalSemantic 基于 embedding 余弦相似度的语义检索。
	RetrievalSemantic RetrievalMode = "semantic"
)

// IndexConfig 索引构建配置。
type IndexConfig struct {
	// Mode 检索模式，决定构建词项集合还是向量矩阵。
	Mode RetrievalMode
	// VectorCachePath 向量缓存文件路径，为空则不读写缓存。
	VectorCachePath string
}

// Index 基于知识语料构建的只读检索索引。
// 构建一旦完成（成功或失败）即不可变，可被并发读取。
// 构建失败时索引进入哨兵态：Err 返回非空错误，检索一律拒绝。
type Index struct {
	mode    RetrievalMode
	records []corpus.Record
	terms   []map[string]struct{}
	vectors [][]float32
	dim     int
	builtAt time.Time
	err     error
}

// BuildIndex 从语料构建检索索引。构建失败不返回 error，
// 而是返回哨兵态索引，服务进程继续存活以返回固定的降级回复。
func BuildIndex(ctx context.Context, records []corpus.Record, cfg IndexConfig, embedder llm.EmbeddingProvider) *Index {
	idx := &Index{
		mode:    cfg.Mode,
		records: records,
		builtAt: time.Now(),
	}

	// 空语料是合法索引：任何查询都零命中，由合成层返回无资料文案。
	if len(records) == 0 {
		logger.Warnw("知识语料为空", "mode", cfg.Mode)
		return idx
	}

	switch cfg.Mode {
	case RetrievalLexical:
		idx.terms = make([]map[string]struct{}, len(records))
		for i, rec := range records {
			idx.terms[i] = Tokenize(rec.Question)
		}
	case RetrievalSemantic:
		if err := idx.buildVectors(ctx, cfg, embedder); err != nil {
			logger.Errorw("知识索引构建失败", "mode", cfg.Mode, "records", len(records), "error", err)
			idx.err = fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
			return idx
		}
	default:
		idx.err = fmt.Errorf("%w: unknown retrieval mode %q", ErrIndexUnavailable, cfg.Mode)
		return idx
	}

	logger.Infow("知识索引构建完成", "mode", cfg.Mode, "records", len(records), "dim", idx.dim)
	return idx
}

// NewFailedIndex 返回携带给定错误的哨兵态索引。
// 用于语料加载阶段就失败、尚无记录可建索引的场景。
func NewFailedIndex(err error) *Index {
	return &Index{
		builtAt: time.Now(),
		err:     fmt.Errorf("%w: %v", ErrIndexUnavailable, err),
	}
}

func (ix *Index) buildVectors(ctx context.Context, cfg IndexConfig, embedder llm.EmbeddingProvider) error {
	if embedder == nil {
		return fmt.Errorf("semantic mode requires an embedding provider")
	}

	if cfg.VectorCachePath != "" {
		if vectors, dim, ok := loadVectorCache(cfg.VectorCachePath, len(ix.records)); ok {
			ix.vectors = vectors
			ix.dim = dim
			logger.Infow("命中向量缓存", "path", cfg.VectorCachePath, "records", len(ix.records), "dim", dim)
			return nil
		}
	}

	questions := make([]string, len(ix.records))
	for i, rec := range ix.records {
		questions[i] = rec.Question
	}

	vectors, err := embedder.Embed(ctx, questions)
	if err != nil {
		return fmt.Errorf("embedding corpus: %w", err)
	}
	if len(vectors) != len(questions) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(questions))
	}

	dim := 0
	for i, vec := range vectors {
		if len(vec) == 0 {
			return fmt.Errorf("empty embedding for record %d", i)
		}
		if dim == 0 {
			dim = len(vec)
		} else if len(vec) != dim {
			return fmt.Errorf("inconsistent embedding dimension: record %d has %d, want %d", i, len(vec), dim)
		}
	}

	ix.vectors = vectors
	ix.dim = dim

	if cfg.VectorCachePath != "" {
		if err := saveVectorCache(cfg.VectorCachePath, vectors, dim); err != nil {
			logger.Warnw("写入向量缓存失败", "path", cfg.VectorCachePath, "error", err)
		}
	}
	return nil
}

// Err 返回索引的哨兵错误，健康索引返回 nil。
func (ix *Index) Err() error { return ix.err }

// Len 返回索引中的记录数。
func (ix *Index) Len() int { return len(ix.records) }

// Mode 返回索引的检索模式。
func (ix *Index) Mode() RetrievalMode { return ix.mode }

// BuiltAt 返回索引构建完成的时刻。
func (ix *Index) BuiltAt() time.Time { return ix.builtAt }

// Record 返回下标 i 处的知识记录。
func (ix *Index) Record(i int) corpus.Record { return ix.records[i] }

// Tokenize 将文本切分为小写化的词项集合。
// 以空白切词，适配韩文等以空格分隔的文本。
func Tokenize(s string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		terms[tok] = struct{}{}
	}
	return terms
}

// CosineSimilarity 计算两个向量的余弦相似度。
// 维度不一致或任一向量为零向量时返回 0。
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
