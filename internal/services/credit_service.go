package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"carechat-go/internal/config"
	appRedis "carechat-go/internal/redis"
	"carechat-go/internal/storage"
)

// CreditService 定义了加急消息额度的服务接口。
// 数据库中的余额是权威副本，Redis 只是热路径上的缓存；
// 缓存不一致时一律回退到数据库的受控扣减。
type CreditService interface {
	// GetBalance 返回患者当前的加急额度余额。账户不存在时自动开户。
	GetBalance(ctx context.Context, patientID uint) (int, error)
	// SpendCredit 原子地扣减一个额度，返回扣减后的余额。
	// 余额不足时返回 storage.ErrInsufficientCredit，且不产生任何副作用。
	SpendCredit(ctx context.Context, patientID uint) (int, error)
	// GrantCredits 增加患者的额度（计费协作方购买后调用），返回新余额。
	GrantCredits(ctx context.Context, patientID uint, amount int) (int, error)
	// EnsureAccount 为新患者开户（幂等）。
	EnsureAccount(ctx context.Context, patientID uint) error
}

// creditService 是 CreditService 的实现。
type creditService struct {
	creditRepo storage.CreditRepository
	cache      *appRedis.CreditCache
	cfg        config.CreditConfig
}

// NewCreditService 创建一个新的 CreditService 实例。cache 可以为 nil，
// 此时所有操作都直接走数据库。
func NewCreditService(creditRepo storage.CreditRepository, cache *appRedis.CreditCache, cfg config.CreditConfig) CreditService {
	return &creditService{
		creditRepo: creditRepo,
		cache:      cache,
		cfg:        cfg,
	}
}

// GetBalance 先查缓存，未命中时读数据库并回填缓存。
func (s *creditService) GetBalance(ctx context.Context, patientID uint) (int, error) {
	if s.cache != nil {
		balance, err := s.cache.Get(ctx, patientID)
		if err == nil {
			return balance, nil
		}
		if !errors.Is(err, appRedis.ErrCacheMiss) {
			// Redis 故障不阻断读取，降级到数据库
			log.Printf("警告: 读取额度缓存失败 (患者 %d): %v", patientID, err)
		}
	}

	account, err := s.creditRepo.EnsureAccount(ctx, patientID, s.cfg.InitialBalance)
	if err != nil {
		return 0, fmt.Errorf("读取额度账户失败: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, patientID, account.Balance); err != nil {
			log.Printf("警告: 回填额度缓存失败 (患者 %d): %v", patientID, err)
		}
	}
	return account.Balance, nil
}

// SpendCredit 扣减一个额度。数据库扣减是唯一的权威路径；缓存扣减只用来
// 在热路径上提前拒绝明显不足的请求。
func (s *creditService) SpendCredit(ctx context.Context, patientID uint) (int, error) {
	if s.cache != nil {
		_, err := s.cache.Decrement(ctx, patientID)
		switch {
		case err == nil:
			// 缓存侧预扣成功，继续数据库权威扣减
		case errors.Is(err, appRedis.ErrCacheInsufficient):
			// 缓存认为余额为零。数据库仍是权威，重新核对一次，
			// 避免缓存过期数据拒绝掉合法的扣减。
			if verifyErr := s.cache.Invalidate(ctx, patientID); verifyErr != nil {
				log.Printf("警告: 失效额度缓存失败 (患者 %d): %v", patientID, verifyErr)
			}
		case errors.Is(err, appRedis.ErrCacheMiss):
			// 未缓存，直接走数据库
		default:
			log.Printf("警告: 额度缓存扣减失败 (患者 %d): %v", patientID, err)
		}
	}

	balance, err := s.creditRepo.Decrement(ctx, patientID)
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientCredit) {
			// 扣减被拒，确保缓存和数据库一致
			if s.cache != nil {
				if cErr := s.cache.Set(ctx, patientID, 0); cErr != nil {
					log.Printf("警告: 同步额度缓存失败 (患者 %d): %v", patientID, cErr)
				}
			}
			return 0, storage.ErrInsufficientCredit
		}
		return 0, fmt.Errorf("扣减额度失败: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, patientID, balance); err != nil {
			log.Printf("警告: 同步额度缓存失败 (患者 %d): %v", patientID, err)
		}
	}
	return balance, nil
}

// GrantCredits 增加额度并同步缓存。
func (s *creditService) GrantCredits(ctx context.Context, patientID uint, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("额度增量必须为正数: %d", amount)
	}
	balance, err := s.creditRepo.Grant(ctx, patientID, amount)
	if err != nil {
		return 0, fmt.Errorf("增加额度失败: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, patientID, balance); err != nil {
			log.Printf("警告: 同步额度缓存失败 (患者 %d): %v", patientID, err)
		}
	}
	return balance, nil
}

// EnsureAccount 为新患者开户。
func (s *creditService) EnsureAccount(ctx context.Context, patientID uint) error {
	if _, err := s.creditRepo.EnsureAccount(ctx, patientID, s.cfg.InitialBalance); err != nil {
		return fmt.Errorf("创建额度账户失败: %w", err)
	}
	return nil
}
