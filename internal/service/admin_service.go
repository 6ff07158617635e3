// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"

	"qubex-copilot-go/internal/model"
	"qubex-copilot-go/internal/repository"
	"time"
)

// UserListResponse 定义了用户列表 API 的响应结构。
type UserListResponse struct {
	Content       []UserDetailResponse `json:"content"`
	TotalElements int64                `json:"totalElements"`
	TotalPages    int                  `json:"totalPages"`
	Size          int                  `json:"size"`
	Number        int                  `json:"number"`
}

// UserDetailResponse 定义了用户列表项的详细结构。
type UserDetailResponse struct {
	UserID    uint            `json:"userId"`
	Username  string          `json:"username"`
	Role      string          `json:"role"`
	Status    int             `json:"status"`
	CreatedAt model.LocalTime `json:"createdAt"`
}

// AdminService 接口定义了所有管理员相关的业务操作。
type AdminService interface {
	ListUsers(page, size int) (*UserListResponse, error)
	// GetUserSessions 返回指定用户的完整会话集合，供管理员审查。
	GetUserSessions(ctx context.Context, userID uint) (model.SessionCollection, error)
	// GetTranscripts 将用户的会话消息拉平为按时间过滤的审计记录。
	// userID 为 nil 时遍历所有用户。
	GetTranscripts(ctx context.Context, userID *uint, startTime, endTime *time.Time) ([]map[string]interface{}, error)
}

// adminService 是 AdminService 接口的实现。
type adminService struct {
	userRepo   repository.UserRepository
	sessionSvc SessionService
}

// NewAdminService 创建一个新的 AdminService 实例。
func NewAdminService(userRepo repository.UserRepository, sessionSvc SessionService) AdminService {
	return &adminService{
		userRepo:   userRepo,
		sessionSvc: sessionSvc,
	}
}

// ListUsers 以分页的形式返回用户列表
func (s *adminService) ListUsers(page, size int) (*UserListResponse, error) {
	offset := (page - 1) * size
	users, total, err := s.userRepo.FindWithPagination(offset, size)
	if err != nil {
		return nil, err
	}

	userResponses := make([]UserDetailResponse, 0, len(users))
	for _, u := range users {
		// 转换角色为状态码
		status := 1 // 默认为 USER
		if u.Role == "ADMIN" {
			status = 0
		}

		userResponses = append(userResponses, UserDetailResponse{
			UserID:    u.ID,
			Username:  u.Username,
			Role:      u.Role,
			Status:    status,
			CreatedAt: model.LocalTime(u.CreatedAt),
		})
	}

	totalPages := 0
	if total > 0 && size > 0 {
		totalPages = (int(total) + size - 1) / size
	}

	return &UserListResponse{
		Content:       userResponses,
		TotalElements: total,
		TotalPages:    totalPages,
		Size:          size,
		Number:        page,
	}, nil
}

// GetUserSessions 返回指定用户的会话集合。
func (s *adminService) GetUserSessions(ctx context.Context, userID uint) (model.SessionCollection, error) {
	if _, err := s.userRepo.FindByID(userID); err != nil {
		return model.SessionCollection{}, errors.New("user not found")
	}
	return s.sessionSvc.List(ctx, userID)
}

// GetTranscripts 汇总一个或全部用户的聊天记录，带可选的时间窗过滤。
func (s *adminService) GetTranscripts(ctx context.Context, userID *uint, startTime, endTime *time.Time) ([]map[string]interface{}, error) {
	if userID != nil {
		user, err := s.userRepo.FindByID(*userID)
		if err != nil {
			return nil, errors.New("user not found")
		}
		return s.transcriptsForUser(ctx, user, startTime, endTime)
	}

	all := make([]map[string]interface{}, 0)
	const batch = 100
	for offset := 0; ; offset += batch {
		users, total, err := s.userRepo.FindWithPagination(offset, batch)
		if err != nil {
			return nil, err
		}
		for i := range users {
			records, err := s.transcriptsForUser(ctx, &users[i], startTime, endTime)
			if err != nil {
				continue
			}
			all = append(all, records...)
		}
		if int64(offset+len(users)) >= total || len(users) == 0 {
			break
		}
	}
	return all, nil
}

func (s *adminService) transcriptsForUser(ctx context.Context, user *model.User, startTime, endTime *time.Time) ([]map[string]interface{}, error) {
	coll, err := s.sessionSvc.List(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	records := make([]map[string]interface{}, 0)
	for _, sess := range coll.Sessions {
		for _, msg := range sess.Messages {
			if startTime != nil && msg.Timestamp.Before(*startTime) {
				continue
			}
			if endTime != nil && msg.Timestamp.After(*endTime) {
				continue
			}
			records = append(records, map[string]interface{}{
				"username":  user.Username,
				"sessionId": sess.ID,
				"role":      msg.Role,
				"content":   msg.Content,
				"timestamp": msg.Timestamp.Format("2006-01-02T15:04:05"),
			})
		}
	}
	return records, nil
}
