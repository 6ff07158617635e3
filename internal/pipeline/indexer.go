// Package pipeline 定义了后台异步处理的核心流程。
package pipeline

import (
	"context"
	"fmt"

	"qubex-copilot-go/internal/config"
	"qubex-copilot-go/internal/model"
	"qubex-copilot-go/pkg/es"
	"qubex-copilot-go/pkg/log"
	"qubex-copilot-go/pkg/tasks"
)

// Indexer 消费转录索引任务，把新增的聊天消息写入 Elasticsearch。
type Indexer struct {
	esCfg config.ElasticsearchConfig
}

// NewIndexer 创建一个新的 Indexer 实例。
func NewIndexer(esCfg config.ElasticsearchConfig) *Indexer {
	return &Indexer{esCfg: esCfg}
}

// Process 把任务中的每条消息逐一写入索引。
// 文档以 MessageID 为主键，重复消费是幂等的覆盖写。
func (p *Indexer) Process(ctx context.Context, task tasks.TranscriptIndexTask) error {
	log.Infof("[Indexer] 开始索引转录消息, SessionID: %s, 消息数: %d", task.SessionID, len(task.Messages))

	for _, msg := range task.Messages {
		doc := model.EsChatMessage{
			MessageID: msg.MessageID,
			SessionID: task.SessionID,
			UserID:    task.UserID,
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		}
		if err := es.IndexMessage(ctx, p.esCfg.IndexName, doc); err != nil {
			return fmt.Errorf("索引消息失败, MessageID: %s: %w", msg.MessageID, err)
		}
	}

	log.Infof("[Indexer] 转录消息索引完成, SessionID: %s", task.SessionID)
	return nil
}
