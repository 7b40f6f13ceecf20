package model

import "time"

const (
	UsageTypeInterviewSession = "interview_session"
	UsageTypeGeneral          = "general"
)

// CreditUsageLog 积分消耗明细，仅用于审计与报表，不参与余额计算
type CreditUsageLog struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionID int64     `gorm:"index;not null" json:"transaction_id"`
	AccountID     string    `gorm:"type:varchar(64);index;not null" json:"account_id"`
	UsageType     string    `gorm:"type:varchar(32);not null" json:"usage_type"`
	ReferenceID   string    `gorm:"type:varchar(64)" json:"reference_id"`
	CreditsUsed   int64     `gorm:"not null" json:"credits_used"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (CreditUsageLog) TableName() string {
	return "credit_usage_log"
}
