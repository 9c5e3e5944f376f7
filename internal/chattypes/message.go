package chattypes

import "time"

// FileType defines the kind of attachment carried by a message.
type FileType string

const (
	PDFFileType   FileType = "pdf"
	ImageFileType FileType = "image"
	AudioFileType FileType = "audio"
)

// Message 是患者与医生之间消息的线上结构，由推送通道与 REST API 共用。
// 一旦服务端确认，除 IsRead 外所有字段不可变。
type Message struct {
	ID          string    `json:"id"`
	ClientRef   string    `json:"clientRef,omitempty"` // 客户端生成的关联令牌，服务端原样回显
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Timestamp   time.Time `json:"timestamp"`
	Text        string    `json:"text,omitempty"`
	FileURL     string    `json:"fileUrl,omitempty"`
	FileName    string    `json:"fileName,omitempty"`
	FileType    FileType  `json:"fileType,omitempty"`
	FileSize    int64     `json:"fileSize,omitempty"`
	MimeType    string    `json:"mimeType,omitempty"`
	AudioURL    string    `json:"audioUrl,omitempty"`
	IsRead      bool      `json:"isRead"`
	IsUrgent    bool      `json:"isUrgent"`
}

// PartnerOf returns the conversation key for the given viewer: the ID of the
// other participant. Returns an empty string when the viewer is not a
// participant of this message.
func (m *Message) PartnerOf(viewerID string) string {
	switch viewerID {
	case m.SenderID:
		return m.RecipientID
	case m.RecipientID:
		return m.SenderID
	}
	return ""
}

// HasAttachment reports whether the message carries a file or audio payload.
func (m *Message) HasAttachment() bool {
	return m.FileURL != "" || m.AudioURL != ""
}
