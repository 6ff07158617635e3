// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"qubex-copilot-go/internal/config"
	"qubex-copilot-go/internal/model"
	"qubex-copilot-go/internal/repository"
	"qubex-copilot-go/pkg/log"
	"qubex-copilot-go/pkg/storage"
	"strings"
	"time"
)

// AttachmentService 定义了聊天图像附件的业务操作。
type AttachmentService interface {
	// ArchiveImage 把随消息发送的内联 base64 图像归档到对象存储并记录元数据。
	ArchiveImage(ctx context.Context, userID uint, sessionID, imageBase64 string) (*model.ChatAttachment, error)
	// GetDownloadURL 为附件生成限时的预签名下载地址。
	GetDownloadURL(ctx context.Context, userID uint, attachmentID uint) (string, error)
	// ListBySession 列出某个会话关联的全部附件。
	ListBySession(ctx context.Context, sessionID string) ([]model.ChatAttachment, error)
}

type attachmentService struct {
	attachmentRepo repository.AttachmentRepository
	minioCfg       config.MinIOConfig
}

// NewAttachmentService 创建一个新的 AttachmentService 实例。
func NewAttachmentService(attachmentRepo repository.AttachmentRepository, minioCfg config.MinIOConfig) AttachmentService {
	return &attachmentService{
		attachmentRepo: attachmentRepo,
		minioCfg:       minioCfg,
	}
}

// ArchiveImage 解码 base64 负载，写入 MinIO 并创建附件记录。
// 负载允许携带 data URL 前缀（如 "data:image/png;base64,..."）。
func (s *attachmentService) ArchiveImage(ctx context.Context, userID uint, sessionID, imageBase64 string) (*model.ChatAttachment, error) {
	payload := imageBase64
	contentType := "image/png"
	if strings.HasPrefix(payload, "data:") {
		if idx := strings.Index(payload, ","); idx > 0 {
			header := payload[:idx]
			payload = payload[idx+1:]
			if semi := strings.Index(header, ";"); semi > len("data:") {
				contentType = header[len("data:"):semi]
			}
		}
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image payload: %w", err)
	}

	objectName := fmt.Sprintf("chat/%d/%d.png", userID, time.Now().UnixNano())
	if err := storage.PutBytes(ctx, s.minioCfg.BucketName, objectName, data, contentType); err != nil {
		return nil, fmt.Errorf("failed to store image object: %w", err)
	}

	attachment := &model.ChatAttachment{
		UserID:      userID,
		SessionID:   sessionID,
		ObjectName:  objectName,
		ContentType: contentType,
		Size:        int64(len(data)),
	}
	if err := s.attachmentRepo.Create(attachment); err != nil {
		// 对象已写入，仅元数据缺失：记录后返回错误交由调用方决定
		log.Errorf("保存附件元数据失败, object: %s, error: %v", objectName, err)
		return nil, fmt.Errorf("failed to save attachment metadata: %w", err)
	}

	return attachment, nil
}

// GetDownloadURL 校验归属后生成预签名 GET 地址，有效期 1 小时。
func (s *attachmentService) GetDownloadURL(ctx context.Context, userID uint, attachmentID uint) (string, error) {
	attachment, err := s.attachmentRepo.FindByID(attachmentID)
	if err != nil {
		return "", fmt.Errorf("attachment not found: %w", err)
	}
	if attachment.UserID != userID {
		return "", fmt.Errorf("attachment %d does not belong to user %d", attachmentID, userID)
	}
	return storage.GetPresignedURL(s.minioCfg.BucketName, attachment.ObjectName, time.Hour)
}

// ListBySession 列出会话的附件元数据。
func (s *attachmentService) ListBySession(ctx context.Context, sessionID string) ([]model.ChatAttachment, error) {
	return s.attachmentRepo.FindBySession(sessionID)
}
