// Package corpus 负责知识库语料的加载与呈现。
// 语料为固定的 CSV 表格，进程启动时读取一次，之后只读。
package corpus

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// Record 一条知识记录：问题与其权威答案。
type Record struct {
	Category string `json:"category"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// 必需的 CSV 表头字段。
const (
	columnCategory = "category"
	columnQuestion = "question"
	columnAnswer   = "answer"
)

// Load 从 CSV 文件加载知识记录。
// 表头必须包含 category、question、answer 三列，列顺序不限。
// question 为空的行被跳过。
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开语料文件失败: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Parse(f)
}

// Parse 从 reader 解析 CSV 语料。
func Parse(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("读取 CSV 表头失败: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range []string{columnCategory, columnQuestion, columnAnswer} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("CSV 表头缺少必需列: %s", required)
		}
	}

	var records []Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取 CSV 行失败: %w", err)
		}

		rec := Record{
			Category: field(row, cols[columnCategory]),
			Question: field(row, cols[columnQuestion]),
			Answer:   field(row, cols[columnAnswer]),
		}
		if rec.Question == "" {
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

func field(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// RenderGrouped 将全部记录按 category 分组渲染为单一文本块，
// 分组顺序与记录首次出现顺序一致。用于把语料整体作为不可分割的
// 上下文呈现。
func RenderGrouped(records []Record) string {
	var order []string
	grouped := make(map[string][]Record)

	for _, rec := range records {
		cat := rec.Category
		if cat == "" {
			cat = "기타"
		}
		if _, ok := grouped[cat]; !ok {
			order = append(order, cat)
		}
		grouped[cat] = append(grouped[cat], rec)
	}

	var b strings.Builder
	for i, cat := range order {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[" + cat + "]\n")
		for _, rec := range grouped[cat] {
			b.WriteString("Q: " + rec.Question + "\n")
			b.WriteString("A: " + rec.Answer + "\n")
		}
	}
	return b.String()
}

// Categories 返回语料中出现的分类数。
func Categories(records []Record) int {
	seen := make(map[string]struct{})
	for _, rec := range records {
		seen[rec.Category] = struct{}{}
	}
	return len(seen)
}
