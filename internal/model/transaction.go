package model

import (
	"fmt"
	"time"
)

// ============================================================================
// 流水类型常量
// ============================================================================

const (
	TransactionKindGrant      = "grant"      // 充值/发放
	TransactionKindBonus      = "bonus"      // 规则奖励
	TransactionKindRefund     = "refund"     // 退还
	TransactionKindUsage      = "usage"      // 消耗
	TransactionKindAdjustment = "adjustment" // 人工调整（可正可负）
	TransactionKindExpiration = "expiration" // 过期扣减
)

const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
)

// ValidTransactionKind 判断流水类型是否合法
func ValidTransactionKind(kind string) bool {
	switch kind {
	case TransactionKindGrant, TransactionKindBonus, TransactionKindRefund,
		TransactionKindUsage, TransactionKindAdjustment, TransactionKindExpiration:
		return true
	}
	return false
}

// KindAllowsAmount 校验金额符号与流水类型匹配
//   - grant / bonus / refund 只能为正
//   - usage / expiration 只能为负
//   - adjustment 正负皆可，但不能为 0
func KindAllowsAmount(kind string, amount int64) bool {
	if amount == 0 {
		return false
	}
	switch kind {
	case TransactionKindGrant, TransactionKindBonus, TransactionKindRefund:
		return amount > 0
	case TransactionKindUsage, TransactionKindExpiration:
		return amount < 0
	case TransactionKindAdjustment:
		return true
	}
	return false
}

// IdempotencyKey 同一账户、同一类型、同一 referenceId 只会入账一次
func IdempotencyKey(accountID, kind, referenceID string) string {
	return fmt.Sprintf("%s:%s:%s", accountID, kind, referenceID)
}

// ============================================================================
// 积分流水实体
// ============================================================================

// CreditTransaction 积分流水表
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除，更正通过新的 adjustment 流水完成
// 2. 与余额更新在同一个数据库事务中写入，写入即为 completed
// 3. 记录交易前后可用余额，便于校验余额一致性
type CreditTransaction struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo  string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	AccountID      string    `gorm:"type:varchar(64);index;not null" json:"account_id"`
	Kind           string    `gorm:"type:varchar(20);not null" json:"kind"`
	Amount         int64     `gorm:"not null" json:"amount"` // 正数入账，负数出账
	Description    string    `gorm:"type:varchar(256)" json:"description"`
	ReferenceID    *string   `gorm:"type:varchar(64);index" json:"reference_id,omitempty"`
	IdempotencyKey *string   `gorm:"type:varchar(200);uniqueIndex" json:"-"`
	RuleName       *string   `gorm:"type:varchar(64);index" json:"rule_name,omitempty"`
	Status         string    `gorm:"type:varchar(20);not null" json:"status"`
	BalanceBefore  int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter   int64     `gorm:"not null" json:"balance_after"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}
