// Package service 提供了转录检索相关的业务逻辑。
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"qubex-copilot-go/internal/config"
	"qubex-copilot-go/internal/model"
	"qubex-copilot-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
)

// TranscriptService 接口定义了聊天转录的全文检索操作。
type TranscriptService interface {
	Search(ctx context.Context, query string, topK int, user *model.User) ([]model.TranscriptHit, error)
}

type transcriptService struct {
	esClient *elasticsearch.Client
	esCfg    config.ElasticsearchConfig
}

// NewTranscriptService 创建一个新的 TranscriptService 实例。
func NewTranscriptService(esClient *elasticsearch.Client, esCfg config.ElasticsearchConfig) TranscriptService {
	return &transcriptService{
		esClient: esClient,
		esCfg:    esCfg,
	}
}

// Search 在当前用户的聊天转录内执行全文检索。
func (s *transcriptService) Search(ctx context.Context, query string, topK int, user *model.User) ([]model.TranscriptHit, error) {
	log.Infof("[TranscriptService] 开始转录检索, query: '%s', topK: %d, user: %s", query, topK, user.Username)

	// 1. 构建查询：全文匹配消息正文，过滤到请求用户自己的消息
	esQuery := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"match": map[string]interface{}{
						"content": query,
					},
				},
				"filter": map[string]interface{}{
					"term": map[string]interface{}{
						"user_id": user.ID,
					},
				},
			},
		},
		"size": topK,
		"sort": []map[string]interface{}{
			{"_score": map[string]interface{}{"order": "desc"}},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	// 2. 执行搜索
	res, err := s.esClient.Search(
		s.esClient.Search.WithContext(ctx),
		s.esClient.Search.WithIndex(s.esCfg.IndexName),
		s.esClient.Search.WithBody(&buf),
		s.esClient.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		log.Errorf("[TranscriptService] 向 Elasticsearch 发送搜索请求失败: %v", err)
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[TranscriptService] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.String())
	}

	// 3. 解析结果
	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.EsChatMessage `json:"_source"`
				Score  float64             `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	hits := make([]model.TranscriptHit, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		hits = append(hits, model.TranscriptHit{
			SessionID: hit.Source.SessionID,
			MessageID: hit.Source.MessageID,
			Role:      hit.Source.Role,
			Content:   hit.Source.Content,
			Score:     hit.Score,
			Timestamp: hit.Source.Timestamp,
		})
	}

	log.Infof("[TranscriptService] 转录检索成功, query: '%s', 返回 %d 条结果", query, len(hits))
	return hits, nil
}
