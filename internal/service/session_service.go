package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditsystem/internal/config"
	"creditsystem/internal/infrastructure/logger"
	"creditsystem/internal/infrastructure/metrics"
	"creditsystem/internal/model"
	"creditsystem/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ============================================================================
// 面试会话状态机
// ============================================================================
//
//	pending --start--> active --complete--> completed
//	   |                  |
//	   +------cancel------+----cancel-----> cancelled
//	   +------complete------------------->  completed（从未开始，时长为 0）
//
// full 会话在 start 时扣 1 积分，扣费与状态变更在同一个事务里提交；
// 扣费以 sessionId 为幂等键，重复 start 不会重复扣费
// ============================================================================

// CreateSessionRequest 创建会话请求
type CreateSessionRequest struct {
	AccountID       string
	SessionType     model.SessionType
	Company         string
	Position        string
	ResumeReference string
	Metadata        map[string]interface{}
}

type sessionEvent struct {
	SessionID       string              `json:"session_id"`
	AccountID       string              `json:"account_id"`
	SessionType     model.SessionType   `json:"session_type"`
	Status          model.SessionStatus `json:"status"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	EndedAt         *time.Time          `json:"ended_at,omitempty"`
	DurationMinutes float64             `json:"duration_minutes"`
	AIUsageCount    int                 `json:"ai_usage_count"`
}

type SessionService struct {
	db          *gorm.DB
	ledger      *LedgerService
	sessionRepo *repository.SessionRepository
	outboxRepo  *repository.OutboxRepository
	topics      config.KafkaTopicConfig
	retry       retryPolicy
	log         *logger.Logger
	now         func() time.Time
}

func NewSessionService(db *gorm.DB, ledger *LedgerService, cfg *config.Config, log *logger.Logger) *SessionService {
	return &SessionService{
		db:          db,
		ledger:      ledger,
		sessionRepo: repository.NewSessionRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		topics:      cfg.Kafka.Topic,
		retry:       newRetryPolicy(cfg.Business),
		log:         log.With("component", "session"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Create 创建 pending 会话
//
// full 会话先做一次只读余额检查，不足时直接返回 ErrInsufficientCredits，不落库。
// 这次检查与 start 时的扣费不是原子的，真正的校验发生在 start
func (s *SessionService) Create(ctx context.Context, req CreateSessionRequest) (*model.InterviewSession, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("%w: accountId 不能为空", ErrInvalidArgument)
	}
	if !req.SessionType.Valid() {
		return nil, fmt.Errorf("%w: 未知会话类型 %q", ErrInvalidArgument, req.SessionType)
	}

	if req.SessionType.RequiresCredit() {
		ok, err := s.ledger.HasSufficientBalance(ctx, req.AccountID, model.SessionCreditCost)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrInsufficientCredits
		}
	}

	session := &model.InterviewSession{
		ID:          uuid.NewString(),
		AccountID:   req.AccountID,
		SessionType: req.SessionType,
		Company:     req.Company,
		Position:    req.Position,
		Status:      model.SessionStatusPending,
		Metadata:    req.Metadata,
		CreatedAt:   s.now(),
	}
	if req.ResumeReference != "" {
		ref := req.ResumeReference
		session.ResumeReference = &ref
	}

	if err := s.sessionRepo.Create(ctx, nil, session); err != nil {
		return nil, classify(err)
	}

	metrics.SessionTransitions.WithLabelValues(string(session.SessionType), string(model.SessionStatusPending)).Inc()
	s.log.Info("会话已创建", "session_id", session.ID, "account_id", session.AccountID, "type", session.SessionType)
	return session, nil
}

// Start pending -> active
//
// 已经是 active 时原样返回，不再扣费
func (s *SessionService) Start(ctx context.Context, accountID, sessionID string) (*model.InterviewSession, error) {
	session, err := s.get(ctx, accountID, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case model.SessionStatusActive:
		return session, nil
	case model.SessionStatusPending:
	default:
		return nil, fmt.Errorf("%w: 会话已%s", ErrInvalidState, session.Status)
	}

	if session.SessionType.RequiresCredit() {
		return s.startFull(ctx, accountID, sessionID)
	}
	return s.startTrial(ctx, session)
}

func (s *SessionService) startTrial(ctx context.Context, session *model.InterviewSession) (*model.InterviewSession, error) {
	now := s.now()
	fields := map[string]interface{}{}
	if session.StartedAt == nil {
		fields["started_at"] = now
		session.StartedAt = &now
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.sessionRepo.UpdateStatus(ctx, tx, session.ID, model.SessionStatusPending, model.SessionStatusActive, fields); err != nil {
			return err
		}
		session.Status = model.SessionStatusActive
		return s.writeEvent(ctx, tx, model.EventSessionStarted, session)
	})
	if errors.Is(err, repository.ErrSessionStatusInvalid) {
		// 并发 start：以数据库中的状态为准
		return s.settleConcurrentStart(ctx, session.AccountID, session.ID)
	}
	if err != nil {
		return nil, classify(err)
	}

	s.transitioned(session, model.SessionStatusActive)
	return session, nil
}

// startFull 持有账户锁，在一个事务内扣费并推进状态
func (s *SessionService) startFull(ctx context.Context, accountID, sessionID string) (*model.InterviewSession, error) {
	return withStoreRetry(ctx, s.retry, s.log, func() (*model.InterviewSession, error) {
		var (
			session *model.InterviewSession
			debit   *model.CreditTransaction
			created bool
			started bool
		)
		req := TransactionRequest{
			AccountID:   accountID,
			Kind:        model.TransactionKindUsage,
			Amount:      -model.SessionCreditCost,
			Description: "session:" + sessionID,
			ReferenceID: sessionID,
			UsageType:   model.UsageTypeInterviewSession,
		}

		err := s.ledger.WithAccountLock(ctx, accountID, func() error {
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				cur, err := s.sessionRepo.GetForUpdate(ctx, tx, sessionID, accountID)
				if err != nil {
					return err
				}
				session = cur
				if cur.Status == model.SessionStatusActive {
					return nil
				}
				if cur.Status != model.SessionStatusPending {
					return fmt.Errorf("%w: 会话已%s", ErrInvalidState, cur.Status)
				}

				debit, created, err = s.ledger.applyInTx(ctx, tx, req, nil)
				if errors.Is(err, ErrInsufficientBalance) {
					return ErrInsufficientCredits
				}
				if err != nil {
					return err
				}

				now := s.now()
				fields := map[string]interface{}{}
				if cur.StartedAt == nil {
					fields["started_at"] = now
					cur.StartedAt = &now
				}
				if err := s.sessionRepo.UpdateStatus(ctx, tx, sessionID, model.SessionStatusPending, model.SessionStatusActive, fields); err != nil {
					return err
				}
				cur.Status = model.SessionStatusActive
				started = true
				return s.writeEvent(ctx, tx, model.EventSessionStarted, cur)
			})
		})
		if err != nil {
			return nil, err
		}

		if started {
			s.ledger.afterCommit(ctx, debit, req, created)
			s.transitioned(session, model.SessionStatusActive)
		}
		return session, nil
	})
}

// RecordUsage 记录一次 AI 生成，只允许 active 会话
func (s *SessionService) RecordUsage(ctx context.Context, accountID, sessionID string) (*model.InterviewSession, error) {
	err := s.sessionRepo.IncrementUsage(ctx, sessionID, accountID)
	if errors.Is(err, repository.ErrSessionStatusInvalid) {
		session, gerr := s.get(ctx, accountID, sessionID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: 会话状态为 %s，无法记录使用", ErrInvalidState, session.Status)
	}
	if err != nil {
		return nil, classify(err)
	}
	return s.get(ctx, accountID, sessionID)
}

// Complete active 或 pending -> completed，写入时长
func (s *SessionService) Complete(ctx context.Context, accountID, sessionID string) (*model.InterviewSession, error) {
	return s.finish(ctx, accountID, sessionID, model.SessionStatusCompleted)
}

// Cancel pending 或 active -> cancelled，已扣的积分不会自动退还
func (s *SessionService) Cancel(ctx context.Context, accountID, sessionID string) (*model.InterviewSession, error) {
	return s.finish(ctx, accountID, sessionID, model.SessionStatusCancelled)
}

func (s *SessionService) finish(ctx context.Context, accountID, sessionID string, to model.SessionStatus) (*model.InterviewSession, error) {
	session, err := s.get(ctx, accountID, sessionID)
	if err != nil {
		return nil, err
	}
	from := session.Status
	if !model.CanTransitionTo(from, to) {
		return nil, fmt.Errorf("%w: 会话状态为 %s，无法变更为 %s", ErrInvalidState, from, to)
	}

	now := s.now()
	fields := map[string]interface{}{"ended_at": now}
	if to == model.SessionStatusCompleted {
		d := model.ComputeDuration(session.StartedAt, now)
		fields["duration_minutes"] = d.DecimalMinutes
		fields["duration_seconds"] = d.TotalSeconds
		fields["duration_whole_minutes"] = d.WholeMinutes
		fields["duration_remainder_seconds"] = d.RemainderSeconds
		session.DurationMinutes = d.DecimalMinutes
		session.DurationSeconds = d.TotalSeconds
		session.DurationWholeMinutes = d.WholeMinutes
		session.DurationRemainderSeconds = d.RemainderSeconds
	}
	session.EndedAt = &now
	session.Status = to

	event := model.EventSessionCompleted
	if to == model.SessionStatusCancelled {
		event = model.EventSessionCancelled
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.sessionRepo.UpdateStatus(ctx, tx, sessionID, from, to, fields); err != nil {
			return err
		}
		return s.writeEvent(ctx, tx, event, session)
	})
	if err != nil {
		return nil, classify(err)
	}

	s.transitioned(session, to)
	return session, nil
}

// Get 查询会话，不属于该账户时返回 ErrNotFound
func (s *SessionService) Get(ctx context.Context, accountID, sessionID string) (*model.InterviewSession, error) {
	return s.get(ctx, accountID, sessionID)
}

func (s *SessionService) List(ctx context.Context, accountID string, status model.SessionStatus, page, pageSize int) ([]*model.InterviewSession, int64, error) {
	if accountID == "" {
		return nil, 0, fmt.Errorf("%w: accountId 不能为空", ErrInvalidArgument)
	}
	page, pageSize = normalizePage(page, pageSize)
	list, total, err := s.sessionRepo.ListByAccountID(ctx, accountID, status, page, pageSize)
	if err != nil {
		return nil, 0, classify(err)
	}
	return list, total, nil
}

func (s *SessionService) get(ctx context.Context, accountID, sessionID string) (*model.InterviewSession, error) {
	if accountID == "" || sessionID == "" {
		return nil, fmt.Errorf("%w: accountId 和 sessionId 不能为空", ErrInvalidArgument)
	}
	session, err := s.sessionRepo.GetByIDAndAccount(ctx, sessionID, accountID)
	if err != nil {
		return nil, classify(err)
	}
	return session, nil
}

func (s *SessionService) settleConcurrentStart(ctx context.Context, accountID, sessionID string) (*model.InterviewSession, error) {
	session, err := s.get(ctx, accountID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == model.SessionStatusActive {
		return session, nil
	}
	return nil, fmt.Errorf("%w: 会话已%s", ErrInvalidState, session.Status)
}

func (s *SessionService) writeEvent(ctx context.Context, tx *gorm.DB, eventType string, session *model.InterviewSession) error {
	return s.outboxRepo.CreateEvent(ctx, tx, eventType, s.topics.SessionEvents, session.AccountID, sessionEvent{
		SessionID:       session.ID,
		AccountID:       session.AccountID,
		SessionType:     session.SessionType,
		Status:          session.Status,
		StartedAt:       session.StartedAt,
		EndedAt:         session.EndedAt,
		DurationMinutes: session.DurationMinutes,
		AIUsageCount:    session.AIUsageCount,
	})
}

func (s *SessionService) transitioned(session *model.InterviewSession, to model.SessionStatus) {
	metrics.SessionTransitions.WithLabelValues(string(session.SessionType), string(to)).Inc()
	s.log.Info("会话状态变更",
		"session_id", session.ID,
		"account_id", session.AccountID,
		"type", session.SessionType,
		"status", to,
		"duration_minutes", session.DurationMinutes,
	)
}
