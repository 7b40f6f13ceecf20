package model

import (
	"fmt"
	"time"
)

const (
	RuleTypeOneTime   = "one_time"
	RuleTypeRecurring = "recurring"
)

// RuleDescriptionPrefix 规则发放流水的描述前缀，形如 rule:welcome_bonus
const RuleDescriptionPrefix = "rule:"

// RuleConditions 规则触发条件
type RuleConditions struct {
	Trigger          string `gorm:"type:varchar(64);index;not null" json:"trigger"`
	MinIntervalHours *int   `json:"min_interval_hours,omitempty"`
}

// CreditRule 积分发放规则
// 评估时只读，由管理端或启动配置维护
type CreditRule struct {
	ID                int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	RuleName          string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"rule_name"`
	RuleType          string         `gorm:"type:varchar(20);not null" json:"rule_type"`
	CreditAmount      int64          `gorm:"not null" json:"credit_amount"`
	Conditions        RuleConditions `gorm:"embedded;embeddedPrefix:cond_" json:"conditions"`
	MaxUsesPerAccount *int           `json:"max_uses_per_account,omitempty"` // nil 表示不限次数
	ValidFrom         time.Time      `gorm:"not null" json:"valid_from"`
	ValidUntil        *time.Time     `json:"valid_until,omitempty"` // nil 表示长期有效
	IsActive          bool           `gorm:"not null" json:"is_active"`
	Description       string         `gorm:"type:varchar(256)" json:"description"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CreditRule) TableName() string {
	return "credit_rule"
}

// InWindow 规则在 now 时刻是否处于有效期内，区间为 [ValidFrom, ValidUntil)
func (r *CreditRule) InWindow(now time.Time) bool {
	if now.Before(r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && !now.Before(*r.ValidUntil) {
		return false
	}
	return true
}

// Matches 规则是否对该触发事件生效
func (r *CreditRule) Matches(trigger string, now time.Time) bool {
	return r.IsActive && r.Conditions.Trigger == trigger && r.InWindow(now)
}

// AllocationDescription 规则发放流水的描述
func (r *CreditRule) AllocationDescription() string {
	return RuleDescriptionPrefix + r.RuleName
}

// MinInterval 两次发放的最小间隔，未配置时返回 0
func (r *CreditRule) MinInterval() time.Duration {
	if r.Conditions.MinIntervalHours == nil {
		return 0
	}
	return time.Duration(*r.Conditions.MinIntervalHours) * time.Hour
}

// Validate 校验规则数据
func (r *CreditRule) Validate() error {
	if r.RuleName == "" {
		return fmt.Errorf("规则名称不能为空")
	}
	if r.Conditions.Trigger == "" {
		return fmt.Errorf("规则 %s 缺少触发条件", r.RuleName)
	}
	if r.CreditAmount <= 0 {
		return fmt.Errorf("规则 %s 发放数量必须大于0", r.RuleName)
	}
	switch r.RuleType {
	case RuleTypeOneTime, RuleTypeRecurring:
	default:
		return fmt.Errorf("规则 %s 类型不合法: %s", r.RuleName, r.RuleType)
	}
	if r.MaxUsesPerAccount != nil && *r.MaxUsesPerAccount <= 0 {
		return fmt.Errorf("规则 %s max_uses_per_account 必须大于0", r.RuleName)
	}
	if r.Conditions.MinIntervalHours != nil && *r.Conditions.MinIntervalHours < 0 {
		return fmt.Errorf("规则 %s min_interval_hours 不能为负数", r.RuleName)
	}
	if r.ValidUntil != nil && !r.ValidUntil.After(r.ValidFrom) {
		return fmt.Errorf("规则 %s 有效期不合法", r.RuleName)
	}
	return nil
}
