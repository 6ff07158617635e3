// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"qubex-copilot-go/internal/model"
	"qubex-copilot-go/pkg/copilot"
	"qubex-copilot-go/pkg/log"
	"qubex-copilot-go/pkg/tasks"
	"qubex-copilot-go/pkg/token"
	"strings"
	"sync"
	"time"
)

// EventWriter 把聊天事件下发给 UI 层（WebSocket 连接或测试记录器）。
// 写入是同步的：status 事件必须在后续更慢的处理之前对 UI 可见。
type EventWriter interface {
	WriteEvent(event string, payload interface{}) error
}

// IndexProducer 把新增消息的索引任务投递到消息队列。
type IndexProducer func(task tasks.TranscriptIndexTask) error

// SendRequest 是一次“用户发送消息”操作的输入。
type SendRequest struct {
	SessionID   string                 // 可选：显式指定目标会话
	Message     string                 // 用户消息正文
	Context     *model.AnalysisContext // 可选：绑定的分析上下文
	ImageBase64 string                 // 可选：内联图像负载
	ProjectID   string                 // 可选：项目范围，注入请求头
}

// ChatService 是 UI 使用的门面：编排流式请求与会话存储，实现“发送消息”语义。
type ChatService interface {
	// SendMessage 执行完整的发送流程：解析目标会话、乐观追加用户消息、
	// 流式获取助手响应并逐帧下发。同一用户同时至多一条在途流：
	// 新的发送会中止上一条，被中止的一条静默结束，不产生任何可见错误。
	SendMessage(ctx context.Context, user *model.User, req SendRequest, w EventWriter) error
	// CancelActive 中止该用户当前的在途流（若有）。
	CancelActive(userID uint)
	// ClearSession 先中止在途流，再清空会话消息。
	ClearSession(ctx context.Context, userID uint, sessionID string) error
}

type chatService struct {
	copilotClient  copilot.Client
	sessionService SessionService
	attachmentSvc  AttachmentService
	produceIndex   IndexProducer
	historyLimit   int

	mu       sync.Mutex
	inflight map[uint]*flight
}

// flight 代表一条在途流及其取消函数。
type flight struct {
	cancel context.CancelFunc
}

// NewChatService 创建一个新的 ChatService 实例。
// historyLimit 限制发送给后端的历史条数（0 表示不限制）。
func NewChatService(copilotClient copilot.Client, sessionService SessionService, attachmentSvc AttachmentService, produceIndex IndexProducer, historyLimit int) ChatService {
	return &chatService{
		copilotClient:  copilotClient,
		sessionService: sessionService,
		attachmentSvc:  attachmentSvc,
		produceIndex:   produceIndex,
		historyLimit:   historyLimit,
		inflight:       make(map[uint]*flight),
	}
}

// SendMessage 协调会话存储与流式客户端完成一次问答交互。
func (s *chatService) SendMessage(ctx context.Context, user *model.User, req SendRequest, w EventWriter) error {
	// 1. 解析目标会话：显式 id -> 上下文查找/创建 -> 激活会话 -> 新建
	session, err := s.resolveSession(ctx, user.ID, req)
	if err != nil {
		return fmt.Errorf("failed to resolve target session: %w", err)
	}

	// 2. 在追加新消息之前快照当前消息日志，作为发给后端的对话历史
	history := s.buildHistory(session.Messages)

	// 3. 乐观追加用户消息：UI 在任何网络延迟之前即可看到它
	userMsg := model.ChatMessage{
		Role:      model.RoleUser,
		Content:   req.Message,
		Timestamp: time.Now(),
	}
	snapshot, err := s.sessionService.AppendMessages(ctx, user.ID, session.ID, userMsg)
	if err != nil {
		return fmt.Errorf("failed to append user message: %w", err)
	}
	s.indexMessages(user.ID, session.ID, snapshot, userMsg)

	// 自动命名：幂等，只在标题仍为默认值时生效
	if err := s.sessionService.AutoTitle(ctx, user.ID, session.ID, req.Message); err != nil {
		log.Warnf("自动命名会话失败, sessionID: %s, error: %v", session.ID, err)
	}

	// 4. 归档内联图像（仅用于溯源，失败不阻断发送）
	if req.ImageBase64 != "" && s.attachmentSvc != nil {
		if _, err := s.attachmentSvc.ArchiveImage(ctx, user.ID, session.ID, req.ImageBase64); err != nil {
			log.Warnf("归档内联图像失败, sessionID: %s, error: %v", session.ID, err)
		}
	}

	// 5. 单飞不变式：开始新流之前先中止同一用户的上一条在途流
	streamCtx, fl := s.register(ctx, user.ID)
	defer s.unregister(user.ID, fl)

	analyzeReq := copilot.AnalyzeRequest{
		Message:             req.Message,
		ConversationHistory: history,
		ImageBase64:         req.ImageBase64,
		Username:            user.Username,
		ProjectID:           req.ProjectID,
	}
	if req.Context != nil {
		analyzeReq.TaskName = req.Context.TaskName
		analyzeReq.ChipID = req.Context.ChipID
		analyzeReq.QID = req.Context.QID
		analyzeReq.ExecutionID = req.Context.ExecutionID
		analyzeReq.TaskID = req.Context.TaskID
	} else if session.Context != nil {
		analyzeReq.TaskName = session.Context.TaskName
		analyzeReq.ChipID = session.Context.ChipID
		analyzeReq.QID = session.Context.QID
		analyzeReq.ExecutionID = session.Context.ExecutionID
		analyzeReq.TaskID = session.Context.TaskID
	}

	streamErr := s.copilotClient.StreamAnalyze(streamCtx, analyzeReq, copilot.Handlers{
		OnStatus: func(message string) {
			// 立即下发进度，保证在后续更慢的处理之前可见
			if err := w.WriteEvent("status", map[string]string{"message": message}); err != nil {
				log.Warnf("下发 status 事件失败: %v", err)
			}
		},
		OnResult: func(data string) error {
			// 中止后迟到的帧不得写入会话
			if streamCtx.Err() != nil {
				return streamCtx.Err()
			}
			content, err := buildAssistantContent(data)
			if err != nil {
				return err
			}
			assistantMsg := model.ChatMessage{
				Role:      model.RoleAssistant,
				Content:   content,
				Timestamp: time.Now(),
			}
			// result 可能出现多次：每次都追加一条独立的助手消息
			snap, err := s.sessionService.AppendMessages(streamCtx, user.ID, session.ID, assistantMsg)
			if err != nil {
				return err
			}
			s.indexMessages(user.ID, session.ID, snap, assistantMsg)
			return w.WriteEvent("result", assistantMsg)
		},
	})

	// 6. 结束处理：成功 / 被取代（静默）/ 失败（合成错误消息）三选一
	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) {
			// 被新请求取代或显式中止：不产生错误，也不追加消息
			return nil
		}
		s.failStream(ctx, user.ID, session.ID, streamErr, w)
		return nil
	}

	s.sendCompletion(w)
	return nil
}

// CancelActive 中止该用户当前的在途流。
func (s *chatService) CancelActive(userID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fl, ok := s.inflight[userID]; ok {
		fl.cancel()
		delete(s.inflight, userID)
	}
}

// ClearSession 中止在途流后原地清空会话消息。
func (s *chatService) ClearSession(ctx context.Context, userID uint, sessionID string) error {
	s.CancelActive(userID)
	return s.sessionService.ClearMessages(ctx, userID, sessionID)
}

// resolveSession 确定本次发送写入哪个会话，必要时创建新会话。
func (s *chatService) resolveSession(ctx context.Context, userID uint, req SendRequest) (*model.ChatSession, error) {
	if req.SessionID != "" {
		session, err := s.sessionService.Get(ctx, userID, req.SessionID)
		if err == nil {
			if err := s.sessionService.Switch(ctx, userID, session.ID); err != nil {
				return nil, err
			}
			return session, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		// 显式 id 不存在：退回常规解析
	}

	if req.Context != nil {
		return s.sessionService.Open(ctx, userID, *req.Context)
	}

	active, err := s.sessionService.Active(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}

	return s.sessionService.Create(ctx, userID, nil)
}

// register 中止同一用户的上一条在途流并登记新流。
func (s *chatService) register(ctx context.Context, userID uint) (context.Context, *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.inflight[userID]; ok {
		prev.cancel()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	fl := &flight{cancel: cancel}
	s.inflight[userID] = fl
	return streamCtx, fl
}

// unregister 释放流资源并清理登记表项；表项已被更新的流接管时保持不动。
func (s *chatService) unregister(userID uint, fl *flight) {
	fl.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.inflight[userID]; ok && current == fl {
		delete(s.inflight, userID)
	}
}

// buildHistory 把会话快照转换为发给后端的历史消息，按配置截取最近 N 条。
func (s *chatService) buildHistory(messages []model.ChatMessage) []copilot.Message {
	if s.historyLimit > 0 && len(messages) > s.historyLimit {
		messages = messages[len(messages)-s.historyLimit:]
	}
	history := make([]copilot.Message, 0, len(messages))
	for _, m := range messages {
		history = append(history, copilot.Message{Role: m.Role, Content: m.Content})
	}
	return history
}

// failStream 把流级失败转换为一条记录在会话里的合成助手消息，
// 外加一个 error 事件供 UI 二次呈现（横幅、toast）。
func (s *chatService) failStream(ctx context.Context, userID uint, sessionID string, streamErr error, w EventWriter) {
	log.Errorf("流式分析失败, sessionID: %s, error: %v", sessionID, streamErr)

	detail := streamErr.Error()
	var se *copilot.StreamError
	if errors.As(streamErr, &se) {
		detail = se.Detail
	}

	errMsg := model.ChatMessage{
		Role:      model.RoleAssistant,
		Content:   fmt.Sprintf("分析失败：%s", detail),
		Timestamp: time.Now(),
	}
	if _, err := s.sessionService.AppendMessages(ctx, userID, sessionID, errMsg); err != nil {
		log.Errorf("追加错误消息失败, sessionID: %s, error: %v", sessionID, err)
	}
	if err := w.WriteEvent("error", map[string]string{"message": detail}); err != nil {
		log.Warnf("下发 error 事件失败: %v", err)
	}
	s.sendCompletion(w)
}

// sendCompletion 发送完成通知。
func (s *chatService) sendCompletion(w EventWriter) {
	payload := map[string]interface{}{
		"status":    "finished",
		"message":   "响应已完成",
		"timestamp": time.Now().UnixMilli(),
	}
	if err := w.WriteEvent("completion", payload); err != nil {
		log.Warnf("下发 completion 事件失败: %v", err)
	}
}

// indexMessages 为新追加的消息投递转录索引任务；投递失败只记日志。
func (s *chatService) indexMessages(userID uint, sessionID string, snapshot *model.ChatSession, appended ...model.ChatMessage) {
	if s.produceIndex == nil || snapshot == nil {
		return
	}
	task := tasks.TranscriptIndexTask{
		SessionID: sessionID,
		UserID:    userID,
	}
	for _, m := range appended {
		task.Messages = append(task.Messages, tasks.TranscriptMessage{
			MessageID: newMessageID(sessionID),
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	if err := s.produceIndex(task); err != nil {
		log.Warnf("投递转录索引任务失败, sessionID: %s, error: %v", sessionID, err)
	}
}

// newMessageID 生成消息唯一标识：会话 id + 毫秒时间戳 + 随机后缀。
// 标识在投递时就固定在任务里，消费端重试复用同一文档 id，保证幂等；
// 清空会话后新消息不会复用历史消息的标识。
func newMessageID(sessionID string) string {
	return fmt.Sprintf("%s-%d-%s", sessionID, time.Now().UnixMilli(), token.GenerateRandomString(4))
}

// buildAssistantContent 把 result 帧负载转换为入库的助手消息正文。
// 结构化 blocks 负载原样保存（序列化形式），旧版扁平负载重排为 markdown。
func buildAssistantContent(data string) (string, error) {
	var blocks model.BlocksResult
	if err := json.Unmarshal([]byte(data), &blocks); err == nil && len(blocks.Blocks) > 0 {
		return data, nil
	}

	var legacy model.AnalysisResult
	if err := json.Unmarshal([]byte(data), &legacy); err != nil {
		return "", fmt.Errorf("failed to unmarshal result frame: %w", err)
	}
	if legacy.Summary == "" && legacy.Explanation == "" {
		return "", fmt.Errorf("result frame carries no recognizable payload")
	}
	return formatLegacyResult(legacy), nil
}

// formatLegacyResult 把旧版扁平结果重排成单条 markdown 文本，
// 以 **[<评估>]** <summary> 开头，随后是解释、潜在问题与建议小节。
func formatLegacyResult(r model.AnalysisResult) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("**[%s]** %s", assessmentLabel(r.Assessment), r.Summary))
	if r.Explanation != "" {
		b.WriteString("\n\n")
		b.WriteString(r.Explanation)
	}
	if len(r.PotentialIssues) > 0 {
		b.WriteString("\n\n**Potential Issues**\n")
		for _, issue := range r.PotentialIssues {
			b.WriteString(fmt.Sprintf("- %s\n", issue))
		}
	}
	if len(r.Recommendations) > 0 {
		b.WriteString("\n**Recommendations**\n")
		for _, rec := range r.Recommendations {
			b.WriteString(fmt.Sprintf("- %s\n", rec))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func assessmentLabel(assessment string) string {
	switch assessment {
	case model.AssessmentGood:
		return "Good"
	case model.AssessmentWarning:
		return "Warning"
	case model.AssessmentBad:
		return "Bad"
	default:
		return "Info"
	}
}
