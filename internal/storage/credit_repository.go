package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"carechat-go/internal/models"
)

// ErrInsufficientCredit 表示受控扣减被拒绝：余额已经为零。
var ErrInsufficientCredit = errors.New("加急额度不足")

// CreditRepository 定义了加急额度账户的数据操作接口。
// 数据库中的余额是权威副本；所有扣减都必须经过 Decrement 的受控路径，
// 保证余额在任何交错下都不会变成负数。
type CreditRepository interface {
	GetByPatientID(ctx context.Context, patientID uint) (*models.CreditAccount, error)
	// EnsureAccount 在患者首次接入时创建账户（幂等）。
	EnsureAccount(ctx context.Context, patientID uint, initialBalance int) (*models.CreditAccount, error)
	// Decrement 原子地扣减一个额度，余额不足时返回 ErrInsufficientCredit。
	// 成功时返回扣减后的余额。
	Decrement(ctx context.Context, patientID uint) (int, error)
	// Grant 增加额度（计费协作方购买额度后调用）。
	Grant(ctx context.Context, patientID uint, amount int) (int, error)
}

// gormCreditRepository 使用 GORM 实现 CreditRepository。
type gormCreditRepository struct {
	db *gorm.DB
}

// NewGormCreditRepository 创建一个新的基于 GORM 的 CreditRepository。
func NewGormCreditRepository(db *gorm.DB) CreditRepository {
	return &gormCreditRepository{db: db}
}

// GetByPatientID 检索患者的额度账户。
func (r *gormCreditRepository) GetByPatientID(ctx context.Context, patientID uint) (*models.CreditAccount, error) {
	var account models.CreditAccount
	err := r.db.WithContext(ctx).Where("patient_id = ?", patientID).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// EnsureAccount 创建或返回患者的额度账户。
func (r *gormCreditRepository) EnsureAccount(ctx context.Context, patientID uint, initialBalance int) (*models.CreditAccount, error) {
	account, err := r.GetByPatientID(ctx, patientID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询额度账户失败: %w", err)
	}

	account = &models.CreditAccount{PatientID: patientID, Balance: initialBalance}
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		// 并发创建时由唯一索引兜底，重新读取即可。
		existing, getErr := r.GetByPatientID(ctx, patientID)
		if getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("创建额度账户失败: %w", err)
	}
	return account, nil
}

// Decrement 受控扣减：WHERE balance > 0 保证永不为负。
func (r *gormCreditRepository) Decrement(ctx context.Context, patientID uint) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&models.CreditAccount{}).
		Where("patient_id = ? AND balance > 0", patientID).
		UpdateColumn("balance", gorm.Expr("balance - 1"))
	if result.Error != nil {
		return 0, fmt.Errorf("扣减额度失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, ErrInsufficientCredit
	}

	account, err := r.GetByPatientID(ctx, patientID)
	if err != nil {
		return 0, fmt.Errorf("扣减后读取余额失败: %w", err)
	}
	return account.Balance, nil
}

// Grant 增加额度并返回新余额。
func (r *gormCreditRepository) Grant(ctx context.Context, patientID uint, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("无效的额度增量: %d", amount)
	}
	result := r.db.WithContext(ctx).
		Model(&models.CreditAccount{}).
		Where("patient_id = ?", patientID).
		UpdateColumn("balance", gorm.Expr("balance + ?", amount))
	if result.Error != nil {
		return 0, fmt.Errorf("增加额度失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}

	account, err := r.GetByPatientID(ctx, patientID)
	if err != nil {
		return 0, fmt.Errorf("增加额度后读取余额失败: %w", err)
	}
	return account.Balance, nil
}
