// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"qubex-copilot-go/internal/model"

	"gorm.io/gorm"
)

// ProjectRepository 接口定义了项目数据的持久化操作。
type ProjectRepository interface {
	Create(project *model.Project) error
	FindByID(id uint) (*model.Project, error)
	FindByOwner(ownerID uint) ([]model.Project, error)
	Update(project *model.Project) error
	Delete(id uint) error
}

// projectRepository 是 ProjectRepository 接口的 GORM 实现。
type projectRepository struct {
	db *gorm.DB
}

// NewProjectRepository 创建一个新的 ProjectRepository 实例。
func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{db: db}
}

// Create 在数据库中创建一个新的项目记录。
func (r *projectRepository) Create(project *model.Project) error {
	return r.db.Create(project).Error
}

// FindByID 根据 ID 查找项目。
func (r *projectRepository) FindByID(id uint) (*model.Project, error) {
	var project model.Project
	if err := r.db.First(&project, id).Error; err != nil {
		return nil, err
	}
	return &project, nil
}

// FindByOwner 查找某个用户拥有的全部项目，按创建时间倒序。
func (r *projectRepository) FindByOwner(ownerID uint) ([]model.Project, error) {
	var projects []model.Project
	err := r.db.Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&projects).Error
	return projects, err
}

// Update 更新一个已存在的项目记录。
func (r *projectRepository) Update(project *model.Project) error {
	return r.db.Save(project).Error
}

// Delete 删除一个项目记录。
func (r *projectRepository) Delete(id uint) error {
	return r.db.Delete(&model.Project{}, id).Error
}
