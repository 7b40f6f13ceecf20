package testutil

import (
	"context"
	"testing"
	"time"

	"creditsystem/internal/model"

	"gorm.io/gorm"
)

func IntPtr(v int) *int { return &v }

// SeedRule 直接写入一条规则
func SeedRule(tb testing.TB, ctx context.Context, db *gorm.DB, rule *model.CreditRule) *model.CreditRule {
	tb.Helper()
	if rule.ValidFrom.IsZero() {
		rule.ValidFrom = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if err := db.WithContext(ctx).Create(rule).Error; err != nil {
		tb.Fatalf("seed rule %s: %v", rule.RuleName, err)
	}
	return rule
}

// WelcomeBonus 一次性欢迎奖励：login 触发，5 积分，每账户一次
func WelcomeBonus() *model.CreditRule {
	return &model.CreditRule{
		RuleName:          "welcome_bonus",
		RuleType:          model.RuleTypeOneTime,
		CreditAmount:      5,
		Conditions:        model.RuleConditions{Trigger: "login"},
		MaxUsesPerAccount: IntPtr(1),
		IsActive:          true,
		Description:       "新用户欢迎奖励",
	}
}

// DailyCheckin 每日签到：daily_checkin 触发，1 积分，间隔 24 小时
func DailyCheckin() *model.CreditRule {
	return &model.CreditRule{
		RuleName:     "daily_checkin",
		RuleType:     model.RuleTypeRecurring,
		CreditAmount: 1,
		Conditions:   model.RuleConditions{Trigger: "daily_checkin", MinIntervalHours: IntPtr(24)},
		IsActive:     true,
		Description:  "每日签到",
	}
}

// Balance 直接读取物化余额，不存在时返回零值
func Balance(tb testing.TB, db *gorm.DB, accountID string) model.CreditBalance {
	tb.Helper()
	var b model.CreditBalance
	err := db.Where("account_id = ?", accountID).Find(&b).Error
	if err != nil {
		tb.Fatalf("read balance: %v", err)
	}
	return b
}

// CountTransactions 账户流水条数
func CountTransactions(tb testing.TB, db *gorm.DB, accountID string) int64 {
	tb.Helper()
	var n int64
	if err := db.Model(&model.CreditTransaction{}).Where("account_id = ?", accountID).Count(&n).Error; err != nil {
		tb.Fatalf("count transactions: %v", err)
	}
	return n
}
