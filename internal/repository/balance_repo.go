package repository

import (
	"context"
	"errors"

	"creditsystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBalanceNotFound = errors.New("积分账户不存在")
	ErrOptimisticLock  = errors.New("乐观锁冲突，请重试")
)

type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) GetByAccountID(ctx context.Context, accountID string) (*model.CreditBalance, error) {
	var balance model.CreditBalance
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetOrCreateForUpdate 在事务内懒创建余额行并加行锁读取
//
// 并发首笔流水同时插入时 ON CONFLICT DO NOTHING 保证只有一行
func (r *BalanceRepository) GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, accountID string) (*model.CreditBalance, error) {
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Create(&model.CreditBalance{AccountID: accountID}).Error
	if err != nil {
		return nil, err
	}

	var balance model.CreditBalance
	err = tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		First(&balance).Error
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// Save 按版本号写回新余额，版本不一致时返回 ErrOptimisticLock
func (r *BalanceRepository) Save(ctx context.Context, tx *gorm.DB, current, next *model.CreditBalance) error {
	result := tx.WithContext(ctx).
		Model(&model.CreditBalance{}).
		Where("account_id = ? AND version = ?", current.AccountID, current.Version).
		Updates(map[string]interface{}{
			"total_credits":     next.TotalCredits,
			"used_credits":      next.UsedCredits,
			"available_credits": next.AvailableCredits,
			"version":           gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	next.Version = current.Version + 1
	return nil
}

// ListAccountIDs 按 id 游标分页列出账户，供对账任务使用
func (r *BalanceRepository) ListAccountIDs(ctx context.Context, afterID int64, limit int) ([]*model.CreditBalance, error) {
	var balances []*model.CreditBalance
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&balances).Error
	return balances, err
}
