package redis

import (
	"context"
	"fmt"
	"time"

	"carechat-go/internal/auth"

	"github.com/redis/go-redis/v9"
)

const blacklistKeyPrefix = "carechat:bl:jti:"

// redisTokenBlacklist 用带 TTL 的 Redis key 实现 auth.TokenBlacklist：
// key 的存活期就是 token 的剩余有效期，过期后自动出清，无需巡检任务。
type redisTokenBlacklist struct {
	client *redis.Client
}

func NewRedisTokenBlacklist(client *redis.Client) auth.TokenBlacklist {
	return &redisTokenBlacklist{client: client}
}

// Add 拉黑一枚 jti，TTL 对齐 token 的原始过期时间点。
func (r *redisTokenBlacklist) Add(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// token 本身已过期，JWT 校验会拒绝它，无需占用黑名单。
		return nil
	}

	if err := r.client.Set(ctx, blacklistKeyPrefix+jti, "revoked", ttl).Err(); err != nil {
		return fmt.Errorf("拉黑 jti %s 失败: %w", jti, err)
	}
	return nil
}

// IsBlacklisted 检查 jti 是否已被拉黑。
func (r *redisTokenBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	val, err := r.client.Get(ctx, blacklistKeyPrefix+jti).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("查询 jti %s 黑名单状态失败: %w", jti, err)
	}
	return val == "revoked", nil
}
