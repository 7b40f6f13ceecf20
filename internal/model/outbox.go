package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 事件类型
const (
	EventCreditTransaction = "credit.transaction.completed"
	EventSessionStarted    = "session.started"
	EventSessionCompleted  = "session.completed"
	EventSessionCancelled  = "session.cancelled"
)

// OutboxMessage 本地消息表
// 与业务数据在同一个事务中写入，由 OutboxSender 异步投递到 Kafka
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType  string    `gorm:"type:varchar(64);not null" json:"event_type"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"` // 分区 key，使用 accountId 保证同账户有序
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
