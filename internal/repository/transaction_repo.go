package repository

import (
	"context"
	"errors"
	"time"

	"creditsystem/internal/model"

	"gorm.io/gorm"
)

var ErrTransactionNotFound = errors.New("流水不存在")

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.CreditTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// GetByIdempotencyKey 未找到时返回 nil, nil
func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.CreditTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.CreditTransaction
	err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.CreditTransaction, error) {
	var trans model.CreditTransaction
	err := r.db.WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// CountByRule 统计账户在某条规则下已完成的奖励流水数
func (r *TransactionRepository) CountByRule(ctx context.Context, tx *gorm.DB, accountID, ruleName string) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.CreditTransaction{}).
		Where("account_id = ? AND rule_name = ? AND kind = ? AND status = ?",
			accountID, ruleName, model.TransactionKindBonus, model.TransactionStatusCompleted).
		Count(&count).Error
	return count, err
}

// LatestByRule 账户在某条规则下最近一次发放时间，没有发放过时返回 nil
func (r *TransactionRepository) LatestByRule(ctx context.Context, tx *gorm.DB, accountID, ruleName string) (*time.Time, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.CreditTransaction
	err := tx.WithContext(ctx).
		Where("account_id = ? AND rule_name = ? AND status = ?",
			accountID, ruleName, model.TransactionStatusCompleted).
		Order("created_at DESC").
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans.CreatedAt, nil
}

func (r *TransactionRepository) ListByAccountID(ctx context.Context, accountID string, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	var transactions []*model.CreditTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// SumCompleted 按符号汇总账户所有已完成流水：正数计入 credited，负数计入 debited
//
// 与余额行在同一 tx 内读取才能得到一致的快照
func (r *TransactionRepository) SumCompleted(ctx context.Context, tx *gorm.DB, accountID string) (credited, debited int64, err error) {
	if tx == nil {
		tx = r.db
	}
	var row struct {
		Credited int64
		Debited  int64
	}
	err = tx.WithContext(ctx).
		Model(&model.CreditTransaction{}).
		Select("COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0) AS credited, "+
			"COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0) AS debited").
		Where("account_id = ? AND status = ?", accountID, model.TransactionStatusCompleted).
		Scan(&row).Error
	return row.Credited, row.Debited, err
}
