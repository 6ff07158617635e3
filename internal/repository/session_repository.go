// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"qubex-copilot-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// SessionRepository 定义了会话集合的持久化操作接口。
// 每个用户的全部会话（含激活指针）序列化为一个 JSON 值存储，
// 所有变更都走读取-修改-写回，写回时应用保留上限。
type SessionRepository interface {
	GetCollection(ctx context.Context, userID uint) (model.SessionCollection, error)
	SaveCollection(ctx context.Context, userID uint, col model.SessionCollection) error
}

type redisSessionRepository struct {
	redisClient *redis.Client
	maxSessions int
}

// NewSessionRepository 创建一个新的 SessionRepository 实例。
// maxSessions 是每个用户保留的会话数上限，写回时最旧的会话先被淘汰。
func NewSessionRepository(redisClient *redis.Client, maxSessions int) SessionRepository {
	return &redisSessionRepository{redisClient: redisClient, maxSessions: maxSessions}
}

func sessionsKey(userID uint) string {
	return fmt.Sprintf("copilot:sessions:%d", userID)
}

// GetCollection 从 Redis 加载用户的会话集合。不存在时返回空集合。
func (r *redisSessionRepository) GetCollection(ctx context.Context, userID uint) (model.SessionCollection, error) {
	jsonData, err := r.redisClient.Get(ctx, sessionsKey(userID)).Result()
	if err == redis.Nil {
		return model.SessionCollection{}, nil // 尚无会话
	}
	if err != nil {
		return model.SessionCollection{}, fmt.Errorf("failed to get session collection: %w", err)
	}
	var col model.SessionCollection
	if err := json.Unmarshal([]byte(jsonData), &col); err != nil {
		return model.SessionCollection{}, fmt.Errorf("failed to unmarshal session collection: %w", err)
	}
	return col, nil
}

// SaveCollection 将用户的会话集合写回 Redis。
// 集合按创建时间从新到旧排列，超出上限的尾部（最旧）会话被丢弃；
// 若被丢弃的会话恰是激活会话，激活指针一并清空。
func (r *redisSessionRepository) SaveCollection(ctx context.Context, userID uint, col model.SessionCollection) error {
	if r.maxSessions > 0 && len(col.Sessions) > r.maxSessions {
		evicted := col.Sessions[r.maxSessions:]
		col.Sessions = col.Sessions[:r.maxSessions]
		for _, s := range evicted {
			if s.ID == col.ActiveSessionID {
				col.ActiveSessionID = ""
			}
		}
	}

	jsonData, err := json.Marshal(col)
	if err != nil {
		return fmt.Errorf("failed to marshal session collection: %w", err)
	}
	// 会话仅在用户显式删除时销毁，因此不设置过期时间
	if err := r.redisClient.Set(ctx, sessionsKey(userID), jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set session collection: %w", err)
	}
	return nil
}
