// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"qubex-copilot-go/internal/model"
	"qubex-copilot-go/internal/repository"
	"qubex-copilot-go/pkg/log"
	"qubex-copilot-go/pkg/token"
	"time"
)

// 自动标题的最大长度（按 rune 计）。
const maxTitleLen = 50

// ErrSessionNotFound 表示目标会话不存在。
var ErrSessionNotFound = errors.New("session not found")

// SessionService 是会话集合的唯一持有者：所有会话变更都经由它完成，
// 其它组件只拿到快照。每个操作都对当前持久化状态执行读取-修改-写回，
// 避免基于过期快照的写入覆盖更新的状态。
type SessionService interface {
	// List 返回用户的完整会话集合快照。
	List(ctx context.Context, userID uint) (model.SessionCollection, error)
	// Get 返回指定会话的快照。
	Get(ctx context.Context, userID uint, sessionID string) (*model.ChatSession, error)
	// Active 返回当前激活会话的快照；无激活会话时返回 nil。
	Active(ctx context.Context, userID uint) (*model.ChatSession, error)
	// Create 分配一个新会话（可选绑定分析上下文），置为激活并持久化。
	Create(ctx context.Context, userID uint, analysisCtx *model.AnalysisContext) (*model.ChatSession, error)
	// Open 打开指定分析上下文的会话：已存在则重新激活，否则创建。
	Open(ctx context.Context, userID uint, analysisCtx model.AnalysisContext) (*model.ChatSession, error)
	// Switch 切换激活指针；id 未知时静默不动作。
	Switch(ctx context.Context, userID uint, sessionID string) error
	// Delete 删除会话；若删除的是激活会话，激活指针被清空（不自动回退选择）。
	Delete(ctx context.Context, userID uint, sessionID string) error
	// ClearMessages 原地清空会话的消息日志并刷新 updatedAt，不删除会话本身。
	ClearMessages(ctx context.Context, userID uint, sessionID string) error
	// AppendMessages 向会话追加消息并刷新 updatedAt，返回追加后的会话快照。
	AppendMessages(ctx context.Context, userID uint, sessionID string, messages ...model.ChatMessage) (*model.ChatSession, error)
	// AutoTitle 从首条用户消息推导会话标题（截断），幂等：已有标题时不动作。
	AutoTitle(ctx context.Context, userID uint, sessionID, firstUserMessage string) error
	// Rename 显式重命名会话；此后 AutoTitle 不再覆盖。
	Rename(ctx context.Context, userID uint, sessionID, title string) error
	// FindByContext 按分析上下文结构相等查找会话，未找到返回空串。
	FindByContext(ctx context.Context, userID uint, analysisCtx model.AnalysisContext) (string, error)
}

type sessionService struct {
	repo repository.SessionRepository
}

// NewSessionService 创建一个新的 SessionService 实例。
func NewSessionService(repo repository.SessionRepository) SessionService {
	return &sessionService{repo: repo}
}

// newSessionID 生成会话唯一标识：毫秒时间戳 + 随机后缀。
func newSessionID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), token.GenerateRandomString(4))
}

func (s *sessionService) List(ctx context.Context, userID uint) (model.SessionCollection, error) {
	return s.repo.GetCollection(ctx, userID)
}

func (s *sessionService) Get(ctx context.Context, userID uint, sessionID string) (*model.ChatSession, error) {
	col, err := s.repo.GetCollection(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range col.Sessions {
		if col.Sessions[i].ID == sessionID {
			return &col.Sessions[i], nil
		}
	}
	return nil, ErrSessionNotFound
}

func (s *sessionService) Active(ctx context.Context, userID uint) (*model.ChatSession, error) {
	col, err := s.repo.GetCollection(ctx, userID)
	if err != nil {
		return nil, err
	}
	if col.ActiveSessionID == "" {
		return nil, nil
	}
	for i := range col.Sessions {
		if col.Sessions[i].ID == col.ActiveSessionID {
			return &col.Sessions[i], nil
		}
	}
	return nil, nil
}

func (s *sessionService) Create(ctx context.Context, userID uint, analysisCtx *model.AnalysisContext) (*model.ChatSession, error) {
	col, err := s.repo.GetCollection(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := model.ChatSession{
		ID:        newSessionID(),
		Title:     model.DefaultSessionTitle,
		Context:   analysisCtx,
		Messages:  []model.ChatMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	// 新会话前插：集合按创建时间从新到旧排列
	col.Sessions = append([]model.ChatSession{session}, col.Sessions...)
	col.ActiveSessionID = session.ID

	s.persist(ctx, userID, col)
	return &session, nil
}

func (s *sessionService) Open(ctx context.Context, userID uint, analysisCtx model.AnalysisContext) (*model.ChatSession, error) {
	col, err := s.repo.GetCollection(ctx, userID)
	if err != nil {
		return nil, err
	}

	// 每个上下文至多一个会话：已存在则重新激活而不是创建副本
	for i := range col.Sessions {
		if col.Sessions[i].Context != nil && col.Sessions[i].Context.Equal(analysisCtx) {
			if col.ActiveSessionID != col.Sessions[i].ID {
				col.ActiveSessionID = col.Sessions[i].ID
				s.persist(ctx, userID, col)
			}
			return &col.Sessions[i], nil
		}
	}

	ctxCopy := analysisCtx
	return s.Create(ctx, userID, &ctxCopy)
}

func (s *sessionService) Switch(ctx context.Context, userID uint, sessionID string) error {
	col, err := s.repo.GetCollection(ctx, userID)
	if err != nil {
		return err
	}
	for i := range col.Sessions {
		if col.Sessions[i].ID == sessionID {
			col.ActiveSessionID = sessionID
			s.persist(ctx, userID, col)
			return nil
		}
	}
	// id 未知：防御性不抛错，保持现状
	return nil
}

func (s *sessionService) Delete(ctx context.Context, userID uint, sessionID string) error {
	col, err := s.repo.GetCollection(ctx, userID)
	if err != nil {
		return err
	}

	kept := col.Sessions[:0]
	found := false
	for _, session := range col.Sessions {
		if session.ID == sessionID {
			found = true
			continue
		}
		kept = append(kept, session)
	}
	if !found {
		return ErrSessionNotFound
	}
	col.Sessions = kept
	if col.ActiveSessionID == sessionID {
		col.ActiveSessionID = ""
	}

	s.persist(ctx, userID, col)
	return nil
}

func (s *sessionService) ClearMessages(ctx context.Context, userID uint, sessionID string) error {
	return s.mutateSession(ctx, userID, sessionID, func(session *model.ChatSession) {
		session.Messages = []model.ChatMessage{}
	})
}

func (s *sessionService) AppendMessages(ctx context.Context, userID uint, sessionID string, messages ...model.ChatMessage) (*model.ChatSession, error) {
	var snapshot *model.ChatSession
	err := s.mutateSession(ctx, userID, sessionID, func(session *model.ChatSession) {
		session.Messages = append(session.Messages, messages...)
		copied := *session
		snapshot = &copied
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *sessionService) AutoTitle(ctx context.Context, userID uint, sessionID, firstUserMessage string) error {
	title := firstUserMessage
	if runes := []rune(title); len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen])
	}
	return s.mutateSession(ctx, userID, sessionID, func(session *model.ChatSession) {
		// 幂等：仅在标题仍为默认值时应用，显式命名过的会话不被覆盖
		if session.Title != "" && session.Title != model.DefaultSessionTitle {
			return
		}
		if title != "" {
			session.Title = title
		}
	})
}

func (s *sessionService) Rename(ctx context.Context, userID uint, sessionID, title string) error {
	return s.mutateSession(ctx, userID, sessionID, func(session *model.ChatSession) {
		session.Title = title
	})
}

func (s *sessionService) FindByContext(ctx context.Context, userID uint, analysisCtx model.AnalysisContext) (string, error) {
	col, err := s.repo.GetCollection(ctx, userID)
	if err != nil {
		return "", err
	}
	for i := range col.Sessions {
		if col.Sessions[i].Context != nil && col.Sessions[i].Context.Equal(analysisCtx) {
			return col.Sessions[i].ID, nil
		}
	}
	return "", nil
}

// mutateSession 对单个会话执行读取-修改-写回，并刷新 updatedAt。
func (s *sessionService) mutateSession(ctx context.Context, userID uint, sessionID string, fn func(*model.ChatSession)) error {
	col, err := s.repo.GetCollection(ctx, userID)
	if err != nil {
		return err
	}
	for i := range col.Sessions {
		if col.Sessions[i].ID == sessionID {
			col.Sessions[i].UpdatedAt = time.Now()
			fn(&col.Sessions[i])
			s.persist(ctx, userID, col)
			return nil
		}
	}
	return ErrSessionNotFound
}

// persist 写回会话集合。持久化失败只记录日志不向上传播：
// 本次请求的内存结果仍然有效，下一次变更会重试整体写回。
func (s *sessionService) persist(ctx context.Context, userID uint, col model.SessionCollection) {
	if err := s.repo.SaveCollection(ctx, userID, col); err != nil {
		log.Errorf("持久化会话集合失败, userID: %d, error: %v", userID, err)
	}
}
