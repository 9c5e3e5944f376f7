package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"carechat-go/internal/models"
)

// MessageRepository 定义了消息数据操作的接口。
type MessageRepository interface {
	// Create 写入一条消息。按 client_ref 幂等：重放的写入返回已存储的那条记录，
	// 并通过返回值区分本次是新插入还是命中了已有记录。
	Create(ctx context.Context, message *models.Message) (created bool, err error)
	GetByID(ctx context.Context, id uint) (*models.Message, error)
	GetByClientRef(ctx context.Context, clientRef string) (*models.Message, error)
	// GetConversation 返回两名参与者之间的消息，按 (sent_at, id) 升序。
	GetConversation(ctx context.Context, userID, partnerID uint, limit int, offset int) ([]*models.Message, error)
	// MarkConversationRead 将 partner 发给 reader 的所有未读消息置为已读。
	// 幂等；返回本次翻转的行数。
	MarkConversationRead(ctx context.Context, readerID, partnerID uint) (int64, error)
	// ListPartnerIDs 返回与该用户有过往来的对端ID，按最近一条消息时间倒序。
	ListPartnerIDs(ctx context.Context, userID uint) ([]uint, error)
}

// gormMessageRepository 使用 GORM 实现 MessageRepository。
type gormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建一个新的基于 GORM 的 MessageRepository。
func NewGormMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

// Create 在数据库中创建一条新的消息记录。
// client_ref 上的唯一索引让重试后的重复写入退化为查询。
func (r *gormMessageRepository) Create(ctx context.Context, message *models.Message) (bool, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_ref"}},
			DoNothing: true,
		}).
		Create(message).Error
	if err != nil {
		return false, err
	}
	if message.ID != 0 {
		return true, nil
	}
	// 冲突路径：取回已存在的记录，使调用方拿到权威副本。
	existing, err := r.GetByClientRef(ctx, message.ClientRef)
	if err != nil {
		return false, err
	}
	*message = *existing
	return false, nil
}

// GetByID 通过ID检索消息。
func (r *gormMessageRepository) GetByID(ctx context.Context, id uint) (*models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).First(&message, id).Error
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// GetByClientRef 通过客户端关联令牌检索消息。
func (r *gormMessageRepository) GetByClientRef(ctx context.Context, clientRef string) (*models.Message, error) {
	if clientRef == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var message models.Message
	err := r.db.WithContext(ctx).Where("client_ref = ?", clientRef).First(&message).Error
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// GetConversation 检索两名参与者之间的消息列表，支持分页。
func (r *gormMessageRepository) GetConversation(ctx context.Context, userID, partnerID uint, limit int, offset int) ([]*models.Message, error) {
	var messages []*models.Message
	query := r.db.WithContext(ctx).
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
			userID, partnerID, partnerID, userID).
		Order("sent_at ASC, id ASC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	err := query.Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkConversationRead 批量翻转未读标记。已经全部已读时是空操作。
func (r *gormMessageRepository) MarkConversationRead(ctx context.Context, readerID, partnerID uint) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("sender_id = ? AND recipient_id = ? AND is_read = ?", partnerID, readerID, false).
		Update("is_read", true)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ListPartnerIDs 返回会话对端ID列表。会话是派生的，不单独建表。
func (r *gormMessageRepository) ListPartnerIDs(ctx context.Context, userID uint) ([]uint, error) {
	type row struct {
		PartnerID uint
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Select("CASE WHEN sender_id = ? THEN recipient_id ELSE sender_id END AS partner_id", userID).
		Where("sender_id = ? OR recipient_id = ?", userID, userID).
		Group("partner_id").
		Order("MAX(sent_at) DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.PartnerID)
	}
	return ids, nil
}

// ErrMessageNotFound 供服务层判断消息缺失。
var ErrMessageNotFound = errors.New("消息不存在")
