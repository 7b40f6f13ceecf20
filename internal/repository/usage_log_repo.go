package repository

import (
	"context"

	"creditsystem/internal/model"

	"gorm.io/gorm"
)

type UsageLogRepository struct {
	db *gorm.DB
}

func NewUsageLogRepository(db *gorm.DB) *UsageLogRepository {
	return &UsageLogRepository{db: db}
}

func (r *UsageLogRepository) Create(ctx context.Context, entry *model.CreditUsageLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *UsageLogRepository) ListByAccountID(ctx context.Context, accountID string, limit int) ([]*model.CreditUsageLog, error) {
	var entries []*model.CreditUsageLog
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
