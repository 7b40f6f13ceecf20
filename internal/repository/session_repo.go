package repository

import (
	"context"
	"errors"
	"time"

	"creditsystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSessionNotFound      = errors.New("会话不存在")
	ErrSessionStatusInvalid = errors.New("会话状态不合法")
)

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, tx *gorm.DB, session *model.InterviewSession) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(session).Error
}

// GetByIDAndAccount 会话不属于该账户时同样返回 ErrSessionNotFound
func (r *SessionRepository) GetByIDAndAccount(ctx context.Context, sessionID, accountID string) (*model.InterviewSession, error) {
	var session model.InterviewSession
	err := r.db.WithContext(ctx).
		Where("id = ? AND account_id = ?", sessionID, accountID).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (r *SessionRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, sessionID, accountID string) (*model.InterviewSession, error) {
	var session model.InterviewSession
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND account_id = ?", sessionID, accountID).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// UpdateStatus 以当前状态为条件推进状态机，并发下只有一个调用者能成功
func (r *SessionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, sessionID string, from, to model.SessionStatus, fields map[string]interface{}) error {
	if !model.CanTransitionTo(from, to) {
		return ErrSessionStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.InterviewSession{}).
		Where("id = ? AND status = ?", sessionID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSessionStatusInvalid
	}
	return nil
}

// IncrementUsage 仅对 active 会话累加 AI 使用次数
func (r *SessionRepository) IncrementUsage(ctx context.Context, sessionID, accountID string) error {
	result := r.db.WithContext(ctx).
		Model(&model.InterviewSession{}).
		Where("id = ? AND account_id = ? AND status = ?", sessionID, accountID, model.SessionStatusActive).
		UpdateColumn("ai_usage_count", gorm.Expr("ai_usage_count + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSessionStatusInvalid
	}
	return nil
}

func (r *SessionRepository) ListByAccountID(ctx context.Context, accountID string, status model.SessionStatus, page, pageSize int) ([]*model.InterviewSession, int64, error) {
	var sessions []*model.InterviewSession
	var total int64

	query := r.db.WithContext(ctx).Model(&model.InterviewSession{}).Where("account_id = ?", accountID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&sessions).Error

	return sessions, total, err
}

// GetStalePending 创建后长时间未开始的会话
func (r *SessionRepository) GetStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*model.InterviewSession, error) {
	var sessions []*model.InterviewSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.SessionStatusPending, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// GetStaleActive 开始后超过最长时长仍未结束的会话
func (r *SessionRepository) GetStaleActive(ctx context.Context, startedBefore time.Time, limit int) ([]*model.InterviewSession, error) {
	var sessions []*model.InterviewSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", model.SessionStatusActive, startedBefore).
		Order("started_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}
