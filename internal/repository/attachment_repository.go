// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"qubex-copilot-go/internal/model"

	"gorm.io/gorm"
)

// AttachmentRepository 接口定义了聊天附件元数据的持久化操作。
type AttachmentRepository interface {
	Create(attachment *model.ChatAttachment) error
	FindByID(id uint) (*model.ChatAttachment, error)
	FindBySession(sessionID string) ([]model.ChatAttachment, error)
}

// attachmentRepository 是 AttachmentRepository 接口的 GORM 实现。
type attachmentRepository struct {
	db *gorm.DB
}

// NewAttachmentRepository 创建一个新的 AttachmentRepository 实例。
func NewAttachmentRepository(db *gorm.DB) AttachmentRepository {
	return &attachmentRepository{db: db}
}

// Create 创建一条附件元数据记录。
func (r *attachmentRepository) Create(attachment *model.ChatAttachment) error {
	return r.db.Create(attachment).Error
}

// FindByID 根据 ID 查找附件。
func (r *attachmentRepository) FindByID(id uint) (*model.ChatAttachment, error) {
	var attachment model.ChatAttachment
	if err := r.db.First(&attachment, id).Error; err != nil {
		return nil, err
	}
	return &attachment, nil
}

// FindBySession 查找某个会话关联的全部附件。
func (r *attachmentRepository) FindBySession(sessionID string) ([]model.ChatAttachment, error) {
	var attachments []model.ChatAttachment
	err := r.db.Where("session_id = ?", sessionID).Order("created_at ASC").Find(&attachments).Error
	return attachments, err
}
