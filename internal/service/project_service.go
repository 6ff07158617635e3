// Package service 包含了应用的业务逻辑层。
package service

import (
	"errors"
	"fmt"
	"qubex-copilot-go/internal/model"
	"qubex-copilot-go/internal/repository"

	"gorm.io/gorm"
)

// ErrForbidden 表示当前用户无权操作目标资源。
var ErrForbidden = errors.New("forbidden")

// ProjectService 定义了项目与执行备注的业务操作。
type ProjectService interface {
	CreateProject(ownerID uint, name, description string) (*model.Project, error)
	ListProjects(ownerID uint) ([]model.Project, error)
	UpdateProject(user *model.User, projectID uint, name, description string, archived bool) (*model.Project, error)
	DeleteProject(user *model.User, projectID uint) error

	AddComment(authorID uint, chipID, executionID, content string) (*model.ExecutionComment, error)
	ListComments(chipID, executionID string) ([]model.ExecutionComment, error)
	UpdateComment(user *model.User, commentID uint, content string) (*model.ExecutionComment, error)
	DeleteComment(user *model.User, commentID uint) error
}

type projectService struct {
	projectRepo repository.ProjectRepository
	commentRepo repository.CommentRepository
}

// NewProjectService 创建一个新的 ProjectService 实例。
func NewProjectService(projectRepo repository.ProjectRepository, commentRepo repository.CommentRepository) ProjectService {
	return &projectService{
		projectRepo: projectRepo,
		commentRepo: commentRepo,
	}
}

// CreateProject 创建一个新项目。
func (s *projectService) CreateProject(ownerID uint, name, description string) (*model.Project, error) {
	if name == "" {
		return nil, errors.New("项目名称不能为空")
	}
	project := &model.Project{
		Name:        name,
		Description: description,
		OwnerID:     ownerID,
	}
	if err := s.projectRepo.Create(project); err != nil {
		return nil, fmt.Errorf("创建项目失败: %w", err)
	}
	return project, nil
}

// ListProjects 列出用户拥有的项目。
func (s *projectService) ListProjects(ownerID uint) ([]model.Project, error) {
	return s.projectRepo.FindByOwner(ownerID)
}

// UpdateProject 更新项目信息，仅所有者或管理员可操作。
func (s *projectService) UpdateProject(user *model.User, projectID uint, name, description string, archived bool) (*model.Project, error) {
	project, err := s.projectRepo.FindByID(projectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("项目不存在")
		}
		return nil, err
	}
	if project.OwnerID != user.ID && user.Role != "ADMIN" {
		return nil, ErrForbidden
	}

	if name != "" {
		project.Name = name
	}
	project.Description = description
	project.Archived = archived
	if err := s.projectRepo.Update(project); err != nil {
		return nil, fmt.Errorf("更新项目失败: %w", err)
	}
	return project, nil
}

// DeleteProject 删除项目，仅所有者或管理员可操作。
func (s *projectService) DeleteProject(user *model.User, projectID uint) error {
	project, err := s.projectRepo.FindByID(projectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.New("项目不存在")
		}
		return err
	}
	if project.OwnerID != user.ID && user.Role != "ADMIN" {
		return ErrForbidden
	}
	return s.projectRepo.Delete(projectID)
}

// AddComment 为某次校准执行添加备注。
func (s *projectService) AddComment(authorID uint, chipID, executionID, content string) (*model.ExecutionComment, error) {
	if content == "" {
		return nil, errors.New("备注内容不能为空")
	}
	comment := &model.ExecutionComment{
		ChipID:      chipID,
		ExecutionID: executionID,
		AuthorID:    authorID,
		Content:     content,
	}
	if err := s.commentRepo.Create(comment); err != nil {
		return nil, fmt.Errorf("创建备注失败: %w", err)
	}
	return comment, nil
}

// ListComments 列出某次校准执行的全部备注。
func (s *projectService) ListComments(chipID, executionID string) ([]model.ExecutionComment, error) {
	return s.commentRepo.FindByExecution(chipID, executionID)
}

// UpdateComment 更新备注内容，仅作者本人可操作。
func (s *projectService) UpdateComment(user *model.User, commentID uint, content string) (*model.ExecutionComment, error) {
	comment, err := s.commentRepo.FindByID(commentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("备注不存在")
		}
		return nil, err
	}
	if comment.AuthorID != user.ID {
		return nil, ErrForbidden
	}
	comment.Content = content
	if err := s.commentRepo.Update(comment); err != nil {
		return nil, fmt.Errorf("更新备注失败: %w", err)
	}
	return comment, nil
}

// DeleteComment 删除备注，作者本人或管理员可操作。
func (s *projectService) DeleteComment(user *model.User, commentID uint) error {
	comment, err := s.commentRepo.FindByID(commentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.New("备注不存在")
		}
		return err
	}
	if comment.AuthorID != user.ID && user.Role != "ADMIN" {
		return ErrForbidden
	}
	return s.commentRepo.Delete(commentID)
}
