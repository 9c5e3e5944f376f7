// internal/chattypes/file_info.go
package chattypes

import "strings"

// FileInfo 包含上传文件的基本信息和访问路径。
type FileInfo struct {
	URL      string   `json:"url"`            // 可公开访问的文件 URL
	Path     string   `json:"path"`           // 文件在存储系统中的路径或标识符
	Size     int64    `json:"size"`           // 文件大小 (字节)
	MimeType string   `json:"mimeType"`       // 文件的 MIME 类型
	FileName string   `json:"fileName"`       // 原始文件名
	Kind     FileType `json:"kind,omitempty"` // 门户的附件分类，客户端直接回填到 attachment
}

// FileTypeForMime 把 MIME 类型归入门户的附件分类。
// 不认识的类型返回空串，由调用方决定是否拒绝。
func FileTypeForMime(mimeType string) FileType {
	switch {
	case mimeType == "application/pdf":
		return PDFFileType
	case strings.HasPrefix(mimeType, "image/"):
		return ImageFileType
	case strings.HasPrefix(mimeType, "audio/"):
		return AudioFileType
	}
	return ""
}
