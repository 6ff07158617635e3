package handler

import (
	"net/http"
	"strconv"

	"qubex-copilot-go/internal/service"
	"qubex-copilot-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// TranscriptHandler 负责聊天记录全文检索相关的 API 请求。
type TranscriptHandler struct {
	transcriptService service.TranscriptService
}

// NewTranscriptHandler 创建一个新的 TranscriptHandler 实例。
func NewTranscriptHandler(transcriptService service.TranscriptService) *TranscriptHandler {
	return &TranscriptHandler{
		transcriptService: transcriptService,
	}
}

// Search 在当前用户的聊天记录索引中执行全文检索。
func (h *TranscriptHandler) Search(c *gin.Context) {
	query := c.Query("query")
	if query == "" {
		log.Warnf("[TranscriptHandler] 搜索请求失败: query 参数为空")
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的查询参数"})
		return
	}
	topKStr := c.DefaultQuery("topK", "10")
	topK, err := strconv.Atoi(topKStr)
	if err != nil || topK <= 0 {
		topK = 10
	}

	user := currentUser(c)
	if user == nil {
		return
	}

	hits, err := h.transcriptService.Search(c.Request.Context(), query, topK, user)
	if err != nil {
		log.Errorf("[TranscriptHandler] 聊天记录检索失败, query: '%s', error: %v", query, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "搜索失败"})
		return
	}

	log.Infof("[TranscriptHandler] 检索成功, query: '%s', 返回 %d 条结果", query, len(hits))
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": hits, "message": "success"})
}
