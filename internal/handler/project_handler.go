// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"qubex-copilot-go/internal/service"
	"qubex-copilot-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ProjectHandler 负责项目与执行备注相关的 API 请求。
type ProjectHandler struct {
	projectService service.ProjectService
}

// NewProjectHandler 创建一个新的 ProjectHandler 实例。
func NewProjectHandler(projectService service.ProjectService) *ProjectHandler {
	return &ProjectHandler{projectService: projectService}
}

// ProjectRequest 定义了创建/更新项目 API 的请求体结构。
type ProjectRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Archived    bool   `json:"archived"`
}

// Create 创建一个新项目。
func (h *ProjectHandler) Create(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	var req ProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：name 不能为空"})
		return
	}

	project, err := h.projectService.CreateProject(user.ID, req.Name, req.Description)
	if err != nil {
		log.Errorf("Create project failed, userID: %d, error: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": project, "message": "success"})
}

// List 列出当前用户拥有的项目。
func (h *ProjectHandler) List(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	projects, err := h.projectService.ListProjects(user.ID)
	if err != nil {
		log.Errorf("List projects failed, userID: %d, error: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取项目列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": projects, "message": "success"})
}

// Update 更新项目信息。
func (h *ProjectHandler) Update(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	projectID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的项目 ID"})
		return
	}

	var req ProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：name 不能为空"})
		return
	}

	project, err := h.projectService.UpdateProject(user, uint(projectID), req.Name, req.Description, req.Archived)
	if err != nil {
		if errors.Is(err, service.ErrForbidden) {
			c.JSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "无权操作该项目"})
			return
		}
		log.Errorf("Update project failed, projectID: %d, error: %v", projectID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": project, "message": "success"})
}

// Delete 删除项目。
func (h *ProjectHandler) Delete(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	projectID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的项目 ID"})
		return
	}

	if err := h.projectService.DeleteProject(user, uint(projectID)); err != nil {
		if errors.Is(err, service.ErrForbidden) {
			c.JSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "无权操作该项目"})
			return
		}
		log.Errorf("Delete project failed, projectID: %d, error: %v", projectID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success"})
}

// CommentRequest 定义了创建执行备注 API 的请求体结构。
type CommentRequest struct {
	ChipID      string `json:"chipId" binding:"required"`
	ExecutionID string `json:"executionId" binding:"required"`
	Content     string `json:"content" binding:"required"`
}

// AddComment 为某次校准执行添加备注。
func (h *ProjectHandler) AddComment(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	var req CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载"})
		return
	}

	comment, err := h.projectService.AddComment(user.ID, req.ChipID, req.ExecutionID, req.Content)
	if err != nil {
		log.Errorf("Add comment failed, chipID: %s, error: %v", req.ChipID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": comment, "message": "success"})
}

// ListComments 列出某次校准执行的全部备注。
func (h *ProjectHandler) ListComments(c *gin.Context) {
	chipID := c.Query("chipId")
	executionID := c.Query("executionId")
	if chipID == "" || executionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "chipId 和 executionId 不能为空"})
		return
	}

	comments, err := h.projectService.ListComments(chipID, executionID)
	if err != nil {
		log.Errorf("List comments failed, chipID: %s, error: %v", chipID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取备注列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": comments, "message": "success"})
}

// UpdateCommentRequest 定义了更新执行备注 API 的请求体结构。
type UpdateCommentRequest struct {
	Content string `json:"content" binding:"required"`
}

// UpdateComment 更新备注内容，仅作者本人可操作。
func (h *ProjectHandler) UpdateComment(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	commentID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的备注 ID"})
		return
	}

	var req UpdateCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：content 不能为空"})
		return
	}

	comment, err := h.projectService.UpdateComment(user, uint(commentID), req.Content)
	if err != nil {
		if errors.Is(err, service.ErrForbidden) {
			c.JSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "无权操作该备注"})
			return
		}
		log.Errorf("Update comment failed, commentID: %d, error: %v", commentID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": comment, "message": "success"})
}

// DeleteComment 删除备注，作者本人或管理员可操作。
func (h *ProjectHandler) DeleteComment(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	commentID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的备注 ID"})
		return
	}

	if err := h.projectService.DeleteComment(user, uint(commentID)); err != nil {
		if errors.Is(err, service.ErrForbidden) {
			c.JSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "无权操作该备注"})
			return
		}
		log.Errorf("Delete comment failed, commentID: %d, error: %v", commentID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success"})
}
