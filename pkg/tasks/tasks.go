// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "time"

// TranscriptMessage 是待索引的单条消息内容。
type TranscriptMessage struct {
	MessageID string    `json:"message_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptIndexTask represents an indexing job for newly appended chat messages.
// 聊天引擎在消息落库后产生该任务，由后台消费者写入 Elasticsearch。
type TranscriptIndexTask struct {
	SessionID string              `json:"session_id"`
	UserID    uint                `json:"user_id"`
	Messages  []TranscriptMessage `json:"messages"`
}
