package model

import (
	"math"
	"time"
)

// SessionStatus 面试会话状态
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// SessionType 会话类型：trial 免费，full 开始时扣 1 积分
type SessionType string

const (
	SessionTypeTrial SessionType = "trial"
	SessionTypeFull  SessionType = "full"
)

func (t SessionType) Valid() bool {
	return t == SessionTypeTrial || t == SessionTypeFull
}

// RequiresCredit full 会话需要积分
func (t SessionType) RequiresCredit() bool {
	return t == SessionTypeFull
}

// SessionCreditCost full 会话开始时扣除的积分
const SessionCreditCost int64 = 1

// SessionTransitions 状态流转表，只能前进，completed / cancelled 为终态
var SessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending: {SessionStatusActive, SessionStatusCompleted, SessionStatusCancelled},
	SessionStatusActive:  {SessionStatusCompleted, SessionStatusCancelled},
}

func CanTransitionTo(current, target SessionStatus) bool {
	for _, s := range SessionTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// IsTerminal 终态不允许再流转
func (s SessionStatus) IsTerminal() bool {
	return len(SessionTransitions[s]) == 0
}

// InterviewSession 面试会话
type InterviewSession struct {
	ID                       string                 `gorm:"type:varchar(64);primaryKey" json:"id"`
	AccountID                string                 `gorm:"type:varchar(64);index;not null" json:"account_id"`
	SessionType              SessionType            `gorm:"type:varchar(16);not null" json:"session_type"`
	Company                  string                 `gorm:"type:varchar(128)" json:"company"`
	Position                 string                 `gorm:"type:varchar(128)" json:"position"`
	Status                   SessionStatus          `gorm:"type:varchar(16);index;not null" json:"status"`
	AIUsageCount             int                    `gorm:"not null;default:0" json:"ai_usage_count"`
	StartedAt                *time.Time             `json:"started_at,omitempty"`
	EndedAt                  *time.Time             `json:"ended_at,omitempty"`
	DurationMinutes          float64                `gorm:"type:decimal(10,2);not null;default:0" json:"duration_minutes"`
	DurationSeconds          int64                  `gorm:"not null;default:0" json:"duration_seconds"`
	DurationWholeMinutes     int64                  `gorm:"not null;default:0" json:"duration_whole_minutes"`
	DurationRemainderSeconds int64                  `gorm:"not null;default:0" json:"duration_remainder_seconds"`
	ResumeReference          *string                `gorm:"type:varchar(128)" json:"resume_reference,omitempty"`
	Metadata                 map[string]interface{} `gorm:"serializer:json;type:text" json:"metadata,omitempty"`
	CreatedAt                time.Time              `gorm:"index" json:"created_at"`
	UpdatedAt                time.Time              `gorm:"autoUpdateTime" json:"updated_at"`
}

func (InterviewSession) TableName() string {
	return "interview_session"
}

// SessionDuration 会话时长，小数分钟用于计费展示，其余字段用于 "2分5秒" 形式的展示
type SessionDuration struct {
	TotalSeconds     int64
	WholeMinutes     int64
	RemainderSeconds int64
	DecimalMinutes   float64
}

// ComputeDuration 计算 [startedAt, endedAt] 的时长
// 小数分钟保留两位：99 秒 -> 1.65，125 秒 -> 2.08
func ComputeDuration(startedAt *time.Time, endedAt time.Time) SessionDuration {
	if startedAt == nil {
		return SessionDuration{}
	}
	elapsed := endedAt.Sub(*startedAt).Seconds()
	if elapsed <= 0 {
		return SessionDuration{}
	}
	total := int64(elapsed)
	return SessionDuration{
		TotalSeconds:     total,
		WholeMinutes:     total / 60,
		RemainderSeconds: total % 60,
		DecimalMinutes:   math.Round(elapsed/60*100) / 100,
	}
}
