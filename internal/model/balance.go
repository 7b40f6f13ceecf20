package model

import (
	"time"
)

// CreditBalance 账户积分余额表
// 由 credit_transaction 物化而来，只能通过账本写入一笔流水来修改
//
// 不变量：AvailableCredits == TotalCredits - UsedCredits 且 AvailableCredits >= 0
type CreditBalance struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	AccountID        string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"account_id"`
	TotalCredits     int64     `gorm:"not null;default:0" json:"total_credits"`     // 累计获得
	UsedCredits      int64     `gorm:"not null;default:0" json:"used_credits"`      // 累计消耗
	AvailableCredits int64     `gorm:"not null;default:0" json:"available_credits"` // 可用余额
	Version          int       `gorm:"not null;default:0" json:"-"`                 // 乐观锁版本号
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CreditBalance) TableName() string {
	return "credit_balance"
}

// Apply 计算一笔流水作用后的余额，正数计入获得，负数计入消耗
func (b CreditBalance) Apply(amount int64) CreditBalance {
	next := b
	if amount > 0 {
		next.TotalCredits += amount
	} else {
		next.UsedCredits += -amount
	}
	next.AvailableCredits = next.TotalCredits - next.UsedCredits
	return next
}
