package auth

import (
	"context"
	"time"
)

// TokenBlacklist 记录已登出的 jti。门户允许多端同时在线，
// 登出只作废当前这一枚 token，其余端的会话不受影响。
type TokenBlacklist interface {
	// Add 将 jti 拉黑，条目在 token 原本的过期时间点之后自动清除。
	Add(ctx context.Context, jti string, expiresAt time.Time) error
	// IsBlacklisted 检查 jti 是否已被拉黑。
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}
