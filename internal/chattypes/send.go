package chattypes

import "time"

// AttachmentRef 引用一个已经上传完成的附件。消息核心只在上传协作方返回
// URL 之后才会构造它，避免出现永远无法渲染的消息。
type AttachmentRef struct {
	FileURL  string   `json:"fileUrl,omitempty"`
	FileName string   `json:"fileName,omitempty"`
	FileType FileType `json:"fileType,omitempty"`
	FileSize int64    `json:"fileSize,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
	AudioURL string   `json:"audioUrl,omitempty"`
}

// SendRequest 是发送消息的出站请求体。Text 与 Attachment 至少存在其一。
type SendRequest struct {
	ClientRef   string         `json:"clientRef"`
	RecipientID string         `json:"recipientId"`
	Text        string         `json:"text,omitempty"`
	Attachment  *AttachmentRef `json:"attachment,omitempty"`
	IsUrgent    bool           `json:"isUrgent"`
	SentAt      time.Time      `json:"sentAt"`
}

// MarkReadRequest marks every unread message from PartnerID to the caller as
// read. Idempotent.
type MarkReadRequest struct {
	PartnerID string `json:"partnerId"`
}

// CreditBalance 是加急额度查询的响应体。Balance 永远非负。
type CreditBalance struct {
	Balance int `json:"balance"`
}
