// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"qubex-copilot-go/internal/model"
	"qubex-copilot-go/internal/service"
	"qubex-copilot-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SessionHandler 负责会话生命周期相关的 API 请求。
type SessionHandler struct {
	sessionService service.SessionService
	chatService    service.ChatService
}

// NewSessionHandler 创建一个新的 SessionHandler 实例。
func NewSessionHandler(sessionService service.SessionService, chatService service.ChatService) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		chatService:    chatService,
	}
}

// List 返回当前用户的会话集合（含激活指针）。
func (h *SessionHandler) List(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	coll, err := h.sessionService.List(c.Request.Context(), user.ID)
	if err != nil {
		log.Errorf("List sessions failed, userID: %d, error: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取会话列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": coll, "message": "success"})
}

// CreateSessionRequest 定义了创建会话 API 的请求体结构。
type CreateSessionRequest struct {
	Context *model.AnalysisContext `json:"context"`
}

// Create 新建一个会话并将其置为激活。
func (h *SessionHandler) Create(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	var req CreateSessionRequest
	// 请求体可为空：不带上下文的普通新对话
	_ = c.ShouldBindJSON(&req)

	session, err := h.sessionService.Create(c.Request.Context(), user.ID, req.Context)
	if err != nil {
		log.Errorf("Create session failed, userID: %d, error: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "创建会话失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": session, "message": "success"})
}

// OpenSessionRequest 定义了按分析上下文打开会话的请求体结构。
type OpenSessionRequest struct {
	Context model.AnalysisContext `json:"context" binding:"required"`
}

// Open 打开指定分析上下文的会话：已存在则重新激活，否则创建。
func (h *SessionHandler) Open(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	var req OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：context 不能为空"})
		return
	}

	session, err := h.sessionService.Open(c.Request.Context(), user.ID, req.Context)
	if err != nil {
		log.Errorf("Open session failed, userID: %d, error: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "打开会话失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": session, "message": "success"})
}

// Activate 把激活指针切换到指定会话；未知 id 静默不动作。
func (h *SessionHandler) Activate(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	sessionID := c.Param("id")
	if err := h.sessionService.Switch(c.Request.Context(), user.ID, sessionID); err != nil {
		log.Errorf("Activate session failed, sessionID: %s, error: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "切换会话失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success"})
}

// Delete 删除指定会话。删除的是激活会话时激活指针被清空。
func (h *SessionHandler) Delete(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	sessionID := c.Param("id")
	if err := h.sessionService.Delete(c.Request.Context(), user.ID, sessionID); err != nil {
		log.Errorf("Delete session failed, sessionID: %s, error: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "删除会话失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success"})
}

// Clear 中止该用户的在途流并清空会话消息，会话本身保留。
func (h *SessionHandler) Clear(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	sessionID := c.Param("id")
	if err := h.chatService.ClearSession(c.Request.Context(), user.ID, sessionID); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "会话不存在"})
			return
		}
		log.Errorf("Clear session failed, sessionID: %s, error: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "清空会话失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success"})
}

// RenameSessionRequest 定义了重命名会话 API 的请求体结构。
type RenameSessionRequest struct {
	Title string `json:"title" binding:"required"`
}

// Rename 显式重命名会话；此后自动命名不再覆盖该标题。
func (h *SessionHandler) Rename(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	var req RenameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：title 不能为空"})
		return
	}

	sessionID := c.Param("id")
	if err := h.sessionService.Rename(c.Request.Context(), user.ID, sessionID, req.Title); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "会话不存在"})
			return
		}
		log.Errorf("Rename session failed, sessionID: %s, error: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "重命名会话失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success"})
}

// currentUser 从上下文解析 AuthMiddleware 注入的 User 对象，失败时直接写响应。
func currentUser(c *gin.Context) *model.User {
	userValue, exists := c.Get("user")
	if !exists {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "无法获取用户信息"})
		return nil
	}
	user, ok := userValue.(*model.User)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "用户数据类型错误"})
		return nil
	}
	return user
}
