// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// EsChatMessage 代表存储在 Elasticsearch 中的聊天消息文档，用于全文检索。
type EsChatMessage struct {
	MessageID string    `json:"message_id"` // 唯一标识，例如 sessionID + 序号
	SessionID string    `json:"session_id"`
	UserID    uint      `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptHit 定义了返回给前端的单条转录检索结果。
type TranscriptHit struct {
	SessionID string    `json:"sessionId"`
	MessageID string    `json:"messageId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}
