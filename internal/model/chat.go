// Package model 包含了应用的数据模型定义。
package model

import "time"

// 消息角色常量。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultSessionTitle 是新会话在自动命名前使用的占位标题。
const DefaultSessionTitle = "新对话"

// ChatMessage 代表会话中的单条消息。消息一经追加即不可变，
// 只能整体清空消息日志，不能编辑单条消息。
type ChatMessage struct {
	Role      string    `json:"role"` // "user" 或 "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AnalysisContext 标识助手被询问的分析对象（某次校准结果）。
// 它是不可变的值类型，相等性为全字段结构相等，用作会话去重键。
type AnalysisContext struct {
	TaskName    string `json:"taskName"`
	ChipID      string `json:"chipId"`
	QID         string `json:"qid"`
	ExecutionID string `json:"executionId"`
	TaskID      string `json:"taskId"`
}

// Equal 判断两个分析上下文是否结构相等。
func (c AnalysisContext) Equal(other AnalysisContext) bool {
	return c == other
}

// ChatSession 代表一个聊天会话及其完整消息日志。
type ChatSession struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Context   *AnalysisContext `json:"context,omitempty"` // 通用会话为 nil
	Messages  []ChatMessage    `json:"messages"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// SessionCollection 是持久化到 Redis 的整套会话数据：
// 按创建时间从新到旧排列的会话列表，以及当前激活会话的指针（可为空）。
type SessionCollection struct {
	Sessions        []ChatSession `json:"sessions"`
	ActiveSessionID string        `json:"activeSessionId"`
}
