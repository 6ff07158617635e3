// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"
	"strconv"
	"time"

	"qubex-copilot-go/internal/service"
	"qubex-copilot-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AdminHandler 负责处理所有与管理员相关的 API 请求。
type AdminHandler struct {
	adminService service.AdminService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(adminService service.AdminService) *AdminHandler {
	return &AdminHandler{adminService: adminService}
}

// ListUsers 以分页形式返回用户列表。
func (h *AdminHandler) ListUsers(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", "20"))
	if err != nil || size < 1 {
		size = 20
	}

	users, err := h.adminService.ListUsers(page, size)
	if err != nil {
		log.Error("ListUsers: Failed to list users", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取用户列表失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": users})
}

// GetUserSessions 返回指定用户的完整会话集合，供管理员审查。
func (h *AdminHandler) GetUserSessions(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "Invalid user ID format", "data": nil})
		return
	}

	coll, err := h.adminService.GetUserSessions(c.Request.Context(), uint(userID))
	if err != nil {
		log.Error("GetUserSessions: Failed to get sessions", err)
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": err.Error(), "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": coll})
}

// GetTranscripts 返回一个或全部用户的聊天审计记录，支持可选的日期过滤。
func (h *AdminHandler) GetTranscripts(c *gin.Context) {
	var userID *uint
	if userIDStr := c.Query("userid"); userIDStr != "" {
		id, err := strconv.ParseUint(userIDStr, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "Invalid user ID format", "data": nil})
			return
		}
		uid := uint(id)
		userID = &uid
	}

	var startTime, endTime *time.Time
	timeLayout := "2006-01-02"
	if startDateStr := c.Query("start_date"); startDateStr != "" {
		t, err := time.Parse(timeLayout, startDateStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "Invalid start_date format, use YYYY-MM-DD", "data": nil})
			return
		}
		startTime = &t
	}
	if endDateStr := c.Query("end_date"); endDateStr != "" {
		t, err := time.Parse(timeLayout, endDateStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "Invalid end_date format, use YYYY-MM-DD", "data": nil})
			return
		}
		// 含当天：过滤边界取当天结束时刻
		endOfDay := t.Add(24*time.Hour - time.Second)
		endTime = &endOfDay
	}

	records, err := h.adminService.GetTranscripts(c.Request.Context(), userID, startTime, endTime)
	if err != nil {
		log.Error("GetTranscripts: Failed to get transcripts", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": err.Error(), "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": records})
}
