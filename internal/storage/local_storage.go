package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"carechat-go/internal/chattypes"
	"carechat-go/internal/config"

	"github.com/google/uuid"
)

// LocalStorageService 把附件落在本地磁盘上，经 /uploads 静态路由对外提供。
// 生产部署换对象存储时只需另写一个 chattypes.StorageService 实现。
type LocalStorageService struct {
	basePath string
	baseURL  string
}

// NewLocalStorageService 创建本地附件存储。basePath 不存在时自动创建。
func NewLocalStorageService(cfg config.StorageConfig, baseURL string) (chattypes.StorageService, error) {
	if err := os.MkdirAll(cfg.LocalPath, 0755); err != nil {
		return nil, fmt.Errorf("创建本地存储目录 %s 失败: %w", cfg.LocalPath, err)
	}
	return &LocalStorageService{
		basePath: cfg.LocalPath,
		baseURL:  baseURL,
	}, nil
}

// UploadFile 落盘并返回可公开访问的 URL。落盘用 uuid 文件名，
// 原始文件名只进 FileInfo，避免路径注入和重名覆盖。
func (s *LocalStorageService) UploadFile(ctx context.Context, reader io.Reader, fileSize int64, fileName string, mimeType string) (*chattypes.FileInfo, error) {
	ext := filepath.Ext(fileName)
	if ext == "" {
		if extensions, _ := mime.ExtensionsByType(mimeType); len(extensions) > 0 {
			ext = extensions[0]
		}
	}
	storedName := uuid.New().String() + ext
	dstPath := filepath.Join(s.basePath, storedName)

	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("创建目标文件 %s 失败: %w", dstPath, err)
	}
	defer dst.Close()

	written, err := io.Copy(dst, reader)
	if err != nil {
		os.Remove(dstPath)
		return nil, fmt.Errorf("写入附件失败: %w", err)
	}
	if written != fileSize {
		os.Remove(dstPath)
		return nil, fmt.Errorf("附件大小不匹配: 预期 %d 字节, 实际写入 %d", fileSize, written)
	}

	return &chattypes.FileInfo{
		URL:      strings.TrimSuffix(s.baseURL, "/") + "/" + url.PathEscape(storedName),
		Path:     dstPath,
		Size:     fileSize,
		MimeType: mimeType,
		FileName: fileName,
	}, nil
}
