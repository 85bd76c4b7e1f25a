// Package store 提供对话历史的持久化存储。
// 每个用户的对话轮次只追加，不修改、不按业务逻辑删除。
package store

import (
	"context"
	"time"
)

// Role 对话轮次的角色。
type Role string

const (
	// RoleUser 用户发出的查询。
	RoleUser Role = "user"
	// RoleAssistant 服务生成的回复。
	RoleAssistant Role = "assistant"
)

// Turn 一条对话轮次记录。
type Turn struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"index;size:128;not null" json:"user_id"`
	Role      Role      `gorm:"size:16;not null" json:"role"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName 指定表名。
func (Turn) TableName() string {
	return "conversation_turns"
}

// ConversationStore 对话历史存储接口。
type ConversationStore interface {
	// Append 为用户追加一条对话轮次。
	Append(ctx context.Context, userID string, role Role, content string) error
	// Fetch 返回用户最近的 limit 条轮次，按时间升序排列。
	Fetch(ctx context.Context, userID string, limit int) ([]Turn, error)
	// Close 关闭底层存储。
	Close() error
}
