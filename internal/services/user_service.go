package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carechat-go/internal/models"
	"carechat-go/internal/storage"

	"gorm.io/gorm"
)

// UserService 定义了用户资料相关服务的接口。
type UserService interface {
	GetUserByID(ctx context.Context, userID uint) (*models.User, error)
	GetBasicInfo(ctx context.Context, userID uint) (*models.UserBasicInfo, error)
	UpdateProfile(ctx context.Context, userID uint, displayName, avatarURL string) (*models.User, error)
	SearchUsers(ctx context.Context, query string, currentUserID uint) ([]models.User, error)
	// TouchLastSeen 更新用户的最后在线时间，由推送通道的连接事件触发。
	TouchLastSeen(ctx context.Context, userID uint) error
}

// userService 是 UserService 的实现。
type userService struct {
	userRepo storage.UserRepository
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo storage.UserRepository) UserService {
	return &userService{userRepo: userRepo}
}

func (s *userService) GetUserByID(ctx context.Context, userID uint) (*models.User, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	} else if err != nil {
		return nil, fmt.Errorf("查找用户 %d 失败: %w", userID, err)
	}
	return user, nil
}

func (s *userService) GetBasicInfo(ctx context.Context, userID uint) (*models.UserBasicInfo, error) {
	info, err := s.userRepo.GetBasicInfoByID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	} else if err != nil {
		return nil, fmt.Errorf("查找用户 %d 基本信息失败: %w", userID, err)
	}
	return info, nil
}

// UpdateProfile 更新展示名和头像。空字符串表示保持原值不变。
func (s *userService) UpdateProfile(ctx context.Context, userID uint, displayName, avatarURL string) (*models.User, error) {
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if displayName != "" {
		user.DisplayName = displayName
	}
	if avatarURL != "" {
		user.AvatarURL = avatarURL
	}
	if err := s.userRepo.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("更新用户 %d 资料失败: %w", userID, err)
	}
	return user, nil
}

func (s *userService) SearchUsers(ctx context.Context, query string, currentUserID uint) ([]models.User, error) {
	if query == "" {
		return []models.User{}, nil
	}
	return s.userRepo.SearchUsers(ctx, query, currentUserID)
}

func (s *userService) TouchLastSeen(ctx context.Context, userID uint) error {
	if err := s.userRepo.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
		return fmt.Errorf("更新用户 %d 最后在线时间失败: %w", userID, err)
	}
	return nil
}
