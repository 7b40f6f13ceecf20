package repository

import (
	"context"
	"errors"

	"creditsystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRuleNotFound = errors.New("规则不存在")

type RuleRepository struct {
	db *gorm.DB
}

func NewRuleRepository(db *gorm.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// Upsert 按 rule_name 新建或覆盖规则
func (r *RuleRepository) Upsert(ctx context.Context, rule *model.CreditRule) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "rule_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"rule_type", "credit_amount", "cond_trigger", "cond_min_interval_hours",
				"max_uses_per_account", "valid_from", "valid_until", "is_active",
				"description", "updated_at",
			}),
		}).
		Create(rule).Error
}

func (r *RuleRepository) GetByName(ctx context.Context, name string) (*model.CreditRule, error) {
	var rule model.CreditRule
	err := r.db.WithContext(ctx).Where("rule_name = ?", name).First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// ListActiveByTrigger 有效期由调用方按当前时间过滤
func (r *RuleRepository) ListActiveByTrigger(ctx context.Context, trigger string) ([]*model.CreditRule, error) {
	var rules []*model.CreditRule
	err := r.db.WithContext(ctx).
		Where("cond_trigger = ? AND is_active = ?", trigger, true).
		Order("rule_name ASC").
		Find(&rules).Error
	return rules, err
}

func (r *RuleRepository) List(ctx context.Context) ([]*model.CreditRule, error) {
	var rules []*model.CreditRule
	err := r.db.WithContext(ctx).Order("rule_name ASC").Find(&rules).Error
	return rules, err
}
