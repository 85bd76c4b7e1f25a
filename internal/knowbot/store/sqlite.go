package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SQLite 基于 SQLite 的对话存储实现。纯 Go 驱动，无 CGO 依赖。
type SQLite struct {
	db *gorm.DB
}

var _ ConversationStore = (*SQLite)(nil)

// NewSQLite 打开（必要时创建）SQLite 数据库并迁移表结构。
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 数据库失败: %w", err)
	}

	if err := db.AutoMigrate(&Turn{}); err != nil {
		return nil, fmt.Errorf("迁移对话表失败: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Append 追加一条对话轮次。
func (s *SQLite) Append(ctx context.Context, userID string, role Role, content string) error {
	turn := &Turn{
		UserID:  userID,
		Role:    role,
		Content: content,
	}
	if err := s.db.WithContext(ctx).Create(turn).Error; err != nil {
		return fmt.Errorf("追加对话轮次失败: %w", err)
	}
	return nil
}

// Fetch 返回用户最近 limit 条轮次，按写入顺序升序排列。
func (s *SQLite) Fetch(ctx context.Context, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}

	var turns []Turn
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("查询对话历史失败: %w", err)
	}

	// 查询按 id 倒序取最近 N 条，返回前翻转为时间升序。
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Close 关闭数据库连接。
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
