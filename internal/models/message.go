package models

import (
	"strconv"
	"time"

	"carechat-go/internal/chattypes"
)

// Message 代表存储在数据库中的患者-医生聊天消息。
// 服务端确认后除 IsRead 外不可变；删除不属于消息核心的职责。
type Message struct {
	BaseModel
	SenderID    uint   `gorm:"index:idx_messages_pair;not null" json:"senderId"`
	RecipientID uint   `gorm:"index:idx_messages_pair;not null" json:"recipientId"`
	ClientRef   string `gorm:"type:varchar(64);uniqueIndex" json:"clientRef"` // 客户端关联令牌，重放发送时幂等
	Text        string `gorm:"type:text" json:"text,omitempty"`

	// 附件元数据：要么全部设置，要么全部为空。
	FileURL  string `gorm:"type:varchar(512)" json:"fileUrl,omitempty"`
	FileName string `gorm:"type:varchar(255)" json:"fileName,omitempty"`
	FileType string `gorm:"type:varchar(20)" json:"fileType,omitempty"` // pdf|image|audio
	FileSize int64  `json:"fileSize,omitempty"`
	MimeType string `gorm:"type:varchar(100)" json:"mimeType,omitempty"`
	AudioURL string `gorm:"type:varchar(512)" json:"audioUrl,omitempty"`

	IsUrgent bool      `gorm:"not null;default:false" json:"isUrgent"`
	IsRead   bool      `gorm:"not null;default:false;index" json:"isRead"`
	SentAt   time.Time `gorm:"not null;index" json:"sentAt"`

	// 关联关系
	Sender    User `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Recipient User `gorm:"foreignKey:RecipientID" json:"recipient,omitempty"`
}

// TableName 指定 Message 模型的表名。
func (Message) TableName() string {
	return "messages"
}

// ToEnvelope converts the stored row into the wire representation shared by
// the push channel and the REST API.
func (m *Message) ToEnvelope() *chattypes.Message {
	return &chattypes.Message{
		ID:          m.IDString(),
		ClientRef:   m.ClientRef,
		SenderID:    strconv.FormatUint(uint64(m.SenderID), 10),
		RecipientID: strconv.FormatUint(uint64(m.RecipientID), 10),
		Timestamp:   m.SentAt,
		Text:        m.Text,
		FileURL:     m.FileURL,
		FileName:    m.FileName,
		FileType:    chattypes.FileType(m.FileType),
		FileSize:    m.FileSize,
		MimeType:    m.MimeType,
		AudioURL:    m.AudioURL,
		IsRead:      m.IsRead,
		IsUrgent:    m.IsUrgent,
	}
}
