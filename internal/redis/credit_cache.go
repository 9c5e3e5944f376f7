package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss 表示该患者的余额尚未被缓存。
var ErrCacheMiss = errors.New("额度余额未缓存")

// ErrCacheInsufficient 表示缓存中的余额已经为零，扣减被拒绝。
var ErrCacheInsufficient = errors.New("缓存余额不足")

const creditKeyPrefix = "carechat:credits:"

// 受控扣减：只有当键存在且值大于零时才减一，保证缓存余额永不为负。
// 返回 -1 表示未缓存，-2 表示余额不足，否则返回扣减后的余额。
var decrementScript = redis.NewScript(`
local key = KEYS[1]
local val = redis.call("GET", key)
if not val then
  return -1
end
local balance = tonumber(val)
if balance <= 0 then
  return -2
end
return redis.call("DECR", key)
`)

// CreditCache 在 Redis 中镜像患者的加急额度余额，减少数据库读放大。
// 数据库中的余额是权威副本；缓存扣减失败或未命中时回退到仓储层。
type CreditCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCreditCache 创建一个新的 CreditCache 实例。
func NewCreditCache(client *redis.Client, ttl time.Duration) *CreditCache {
	return &CreditCache{client: client, ttl: ttl}
}

// Get 读取缓存的余额。
func (c *CreditCache) Get(ctx context.Context, patientID uint) (int, error) {
	key := creditKey(patientID)
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, ErrCacheMiss
	}
	if err != nil {
		return 0, fmt.Errorf("读取缓存余额失败 for patient %d: %w", patientID, err)
	}
	balance, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("缓存余额值无效 '%s': %w", val, err)
	}
	return balance, nil
}

// Set 用权威余额覆盖缓存。
func (c *CreditCache) Set(ctx context.Context, patientID uint, balance int) error {
	if balance < 0 {
		return fmt.Errorf("拒绝缓存负余额: %d", balance)
	}
	err := c.client.Set(ctx, creditKey(patientID), balance, c.ttl).Err()
	if err != nil {
		return fmt.Errorf("写入缓存余额失败 for patient %d: %w", patientID, err)
	}
	return nil
}

// Decrement 原子地扣减缓存余额。
func (c *CreditCache) Decrement(ctx context.Context, patientID uint) (int, error) {
	res, err := decrementScript.Run(ctx, c.client, []string{creditKey(patientID)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("缓存扣减失败 for patient %d: %w", patientID, err)
	}
	switch res {
	case -1:
		return 0, ErrCacheMiss
	case -2:
		return 0, ErrCacheInsufficient
	}
	return int(res), nil
}

// Invalidate 删除缓存条目，下次读取将回源数据库。
func (c *CreditCache) Invalidate(ctx context.Context, patientID uint) error {
	return c.client.Del(ctx, creditKey(patientID)).Err()
}

func creditKey(patientID uint) string {
	return creditKeyPrefix + strconv.FormatUint(uint64(patientID), 10)
}
