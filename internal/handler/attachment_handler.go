package handler

import (
	"net/http"
	"strconv"

	"qubex-copilot-go/internal/service"
	"qubex-copilot-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AttachmentHandler 负责聊天图像附件相关的 API 请求。
type AttachmentHandler struct {
	attachmentService service.AttachmentService
}

// NewAttachmentHandler 创建一个新的 AttachmentHandler 实例。
func NewAttachmentHandler(attachmentService service.AttachmentService) *AttachmentHandler {
	return &AttachmentHandler{attachmentService: attachmentService}
}

// UploadRequest 定义了附件上传接口的请求体。
type UploadRequest struct {
	SessionID   string `json:"sessionId" binding:"required"`
	ImageBase64 string `json:"imageBase64" binding:"required"`
}

// Upload 归档一张独立上传的 base64 图像并返回附件元数据。
func (h *AttachmentHandler) Upload(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	var req UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求参数: " + err.Error()})
		return
	}

	attachment, err := h.attachmentService.ArchiveImage(c.Request.Context(), user.ID, req.SessionID, req.ImageBase64)
	if err != nil {
		log.Errorf("Upload attachment failed, sessionID: %s, error: %v", req.SessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "归档附件失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": attachment, "message": "success"})
}

// ListBySession 列出某个会话关联的全部附件。
func (h *AttachmentHandler) ListBySession(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "sessionId 不能为空"})
		return
	}

	attachments, err := h.attachmentService.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		log.Errorf("List attachments failed, sessionID: %s, error: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取附件列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": attachments, "message": "success"})
}

// GetDownloadURL 为附件生成限时的预签名下载地址。
func (h *AttachmentHandler) GetDownloadURL(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	attachmentID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的附件 ID"})
		return
	}

	url, err := h.attachmentService.GetDownloadURL(c.Request.Context(), user.ID, uint(attachmentID))
	if err != nil {
		log.Errorf("Get download URL failed, attachmentID: %d, error: %v", attachmentID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "生成下载地址失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": gin.H{"url": url}, "message": "success"})
}
