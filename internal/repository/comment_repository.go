// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"qubex-copilot-go/internal/model"

	"gorm.io/gorm"
)

// CommentRepository 接口定义了校准执行备注的持久化操作。
type CommentRepository interface {
	Create(comment *model.ExecutionComment) error
	FindByID(id uint) (*model.ExecutionComment, error)
	FindByExecution(chipID, executionID string) ([]model.ExecutionComment, error)
	Update(comment *model.ExecutionComment) error
	Delete(id uint) error
}

// commentRepository 是 CommentRepository 接口的 GORM 实现。
type commentRepository struct {
	db *gorm.DB
}

// NewCommentRepository 创建一个新的 CommentRepository 实例。
func NewCommentRepository(db *gorm.DB) CommentRepository {
	return &commentRepository{db: db}
}

// Create 创建一条新的执行备注。
func (r *commentRepository) Create(comment *model.ExecutionComment) error {
	return r.db.Create(comment).Error
}

// FindByID 根据 ID 查找备注。
func (r *commentRepository) FindByID(id uint) (*model.ExecutionComment, error) {
	var comment model.ExecutionComment
	if err := r.db.First(&comment, id).Error; err != nil {
		return nil, err
	}
	return &comment, nil
}

// FindByExecution 查找某次校准执行下的全部备注，按创建时间正序。
func (r *commentRepository) FindByExecution(chipID, executionID string) ([]model.ExecutionComment, error) {
	var comments []model.ExecutionComment
	err := r.db.Where("chip_id = ? AND execution_id = ?", chipID, executionID).
		Order("created_at ASC").Find(&comments).Error
	return comments, err
}

// Update 更新一条已存在的备注。
func (r *commentRepository) Update(comment *model.ExecutionComment) error {
	return r.db.Save(comment).Error
}

// Delete 删除一条备注。
func (r *commentRepository) Delete(id uint) error {
	return r.db.Delete(&model.ExecutionComment{}, id).Error
}
