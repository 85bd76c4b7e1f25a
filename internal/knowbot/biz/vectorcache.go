package biz

import (
	"os"
	"path/filepath"

	"github.com/kart-io/logger"

	"github.com/kart-io/knowbot/pkg/utils/json"
)

// vectorCacheFile 向量缓存文件格式。
// 有效性仅以记录数判定：语料条数不变则缓存可用，
// 记录内容变化不会触发重建。
type vectorCacheFile struct {
	Count   int         `json:"count"`
	Dim     int         `json:"dim"`
	Vectors [][]float32 `json:"vectors"`
}

func loadVectorCache(path string, count int) ([][]float32, int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, false
	}

	var cache vectorCacheFile
	if err := json.Unmarshal(data, &cache); err != nil {
		logger.Warnw("向量缓存解析失败，将重新构建", "path", path, "error", err)
		return nil, 0, false
	}

	if cache.Count != count || len(cache.Vectors) != count || cache.Dim <= 0 {
		return nil, 0, false
	}
	return cache.Vectors, cache.Dim, true
}

func saveVectorCache(path string, vectors [][]float32, dim int) error {
	data, err := json.Marshal(vectorCacheFile{
		Count:   len(vectors),
		Dim:     dim,
		Vectors: vectors,
	})
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	// 临时文件加重命名，避免进程中断留下半截缓存。
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
