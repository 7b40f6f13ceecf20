package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditsystem/internal/config"
	"creditsystem/internal/infrastructure/lock"
	"creditsystem/internal/infrastructure/logger"
	"creditsystem/internal/infrastructure/metrics"
	"creditsystem/internal/model"
	"creditsystem/internal/repository"
	"creditsystem/pkg/idgen"

	"gorm.io/gorm"
)

// ============================================================================
// 积分账本
// ============================================================================
//
// 余额是流水的物化视图，唯一的写入口是 ApplyTransaction：
//
//	获取账户锁 -> 开启事务 -> 懒创建余额行并 FOR UPDATE
//	-> 幂等键命中则直接返回已有流水
//	-> 规则守卫（发放上限 / 间隔）
//	-> 校验余额不为负 -> 写流水 -> 按版本号写余额 -> 写 outbox
//	-> 提交 -> 释放锁 -> 尽力写消耗明细
//
// 锁一定先于事务获取，事务内只使用 tx
// ============================================================================

// Balance 账户余额视图
type Balance struct {
	AccountID string `json:"account_id"`
	Total     int64  `json:"total"`
	Used      int64  `json:"used"`
	Available int64  `json:"available"`
}

// TransactionRequest 一笔待入账的流水
type TransactionRequest struct {
	AccountID   string
	Kind        string
	Amount      int64 // 正数入账，负数出账
	Description string
	ReferenceID string // 幂等键来源，为空时不做幂等
	RuleName    string
	UsageType   string // 仅 usage 流水使用，写入消耗明细
}

// ReplayReport 按流水重放得到的余额与物化余额的对比
type ReplayReport struct {
	AccountID    string  `json:"account_id"`
	Materialized Balance `json:"materialized"`
	Replayed     Balance `json:"replayed"`
	Drift        bool    `json:"drift"`
}

// txGuard 在事务内、余额校验前执行的附加检查
type txGuard func(ctx context.Context, tx *gorm.DB) error

type ledgerEvent struct {
	TransactionNo string    `json:"transaction_no"`
	AccountID     string    `json:"account_id"`
	Kind          string    `json:"kind"`
	Amount        int64     `json:"amount"`
	ReferenceID   *string   `json:"reference_id,omitempty"`
	RuleName      *string   `json:"rule_name,omitempty"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	CreatedAt     time.Time `json:"created_at"`
}

type LedgerService struct {
	db              *gorm.DB
	locker          *lock.AccountLocker
	log             *logger.Logger
	topics          config.KafkaTopicConfig
	retry           retryPolicy
	balanceRepo     *repository.BalanceRepository
	transactionRepo *repository.TransactionRepository
	usageLogRepo    *repository.UsageLogRepository
	outboxRepo      *repository.OutboxRepository
	now             func() time.Time
}

func NewLedgerService(db *gorm.DB, locker *lock.AccountLocker, cfg *config.Config, log *logger.Logger) *LedgerService {
	return &LedgerService{
		db:              db,
		locker:          locker,
		log:             log.With("component", "ledger"),
		topics:          cfg.Kafka.Topic,
		retry:           newRetryPolicy(cfg.Business),
		balanceRepo:     repository.NewBalanceRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		usageLogRepo:    repository.NewUsageLogRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// GetBalance 查询余额，账户还没有任何流水时返回全 0
func (s *LedgerService) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: accountId 不能为空", ErrInvalidArgument)
	}
	b, err := s.balanceRepo.GetByAccountID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotFound) {
			return &Balance{AccountID: accountID}, nil
		}
		return nil, classify(err)
	}
	return balanceView(b), nil
}

// HasSufficientBalance 只读检查，不加锁
func (s *LedgerService) HasSufficientBalance(ctx context.Context, accountID string, required int64) (bool, error) {
	b, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return b.Available >= required, nil
}

// ApplyTransaction 账本唯一的写入口
//
// 同一 (accountId, kind, referenceId) 重复提交时返回第一次写入的流水，不会重复入账
func (s *LedgerService) ApplyTransaction(ctx context.Context, req TransactionRequest) (*model.CreditTransaction, error) {
	return s.applyIf(ctx, req, nil)
}

func (s *LedgerService) Grant(ctx context.Context, accountID string, amount int64, description, referenceID string) (*model.CreditTransaction, error) {
	return s.ApplyTransaction(ctx, TransactionRequest{
		AccountID:   accountID,
		Kind:        model.TransactionKindGrant,
		Amount:      amount,
		Description: description,
		ReferenceID: referenceID,
	})
}

// Refund 显式退还，通常 referenceId 指向被退还的会话
func (s *LedgerService) Refund(ctx context.Context, accountID string, amount int64, description, referenceID string) (*model.CreditTransaction, error) {
	return s.ApplyTransaction(ctx, TransactionRequest{
		AccountID:   accountID,
		Kind:        model.TransactionKindRefund,
		Amount:      amount,
		Description: description,
		ReferenceID: referenceID,
	})
}

// Adjust 人工更正，amount 可正可负
func (s *LedgerService) Adjust(ctx context.Context, accountID string, amount int64, description, referenceID string) (*model.CreditTransaction, error) {
	return s.ApplyTransaction(ctx, TransactionRequest{
		AccountID:   accountID,
		Kind:        model.TransactionKindAdjustment,
		Amount:      amount,
		Description: description,
		ReferenceID: referenceID,
	})
}

func (s *LedgerService) ListTransactions(ctx context.Context, accountID string, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	if accountID == "" {
		return nil, 0, fmt.Errorf("%w: accountId 不能为空", ErrInvalidArgument)
	}
	page, pageSize = normalizePage(page, pageSize)
	list, total, err := s.transactionRepo.ListByAccountID(ctx, accountID, page, pageSize)
	if err != nil {
		return nil, 0, classify(err)
	}
	return list, total, nil
}

// Replay 从空余额重放所有已完成流水，与物化余额对比
//
// 余额行以 FOR UPDATE 读取，与流水汇总在同一事务内，并发入账不会造成误报
func (s *LedgerService) Replay(ctx context.Context, accountID string) (*ReplayReport, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: accountId 不能为空", ErrInvalidArgument)
	}

	var report *ReplayReport
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := s.balanceRepo.GetOrCreateForUpdate(ctx, tx, accountID)
		if err != nil {
			return fmt.Errorf("读取余额失败: %w", err)
		}
		credited, debited, err := s.transactionRepo.SumCompleted(ctx, tx, accountID)
		if err != nil {
			return fmt.Errorf("汇总流水失败: %w", err)
		}

		materialized := *balanceView(b)
		replayed := Balance{
			AccountID: accountID,
			Total:     credited,
			Used:      debited,
			Available: credited - debited,
		}
		report = &ReplayReport{
			AccountID:    accountID,
			Materialized: materialized,
			Replayed:     replayed,
			Drift:        replayed != materialized,
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return report, nil
}

// GetTransaction 按流水号查询，流水不属于该账户时返回 ErrNotFound
func (s *LedgerService) GetTransaction(ctx context.Context, accountID, transactionNo string) (*model.CreditTransaction, error) {
	if accountID == "" || transactionNo == "" {
		return nil, fmt.Errorf("%w: accountId 和 transactionNo 不能为空", ErrInvalidArgument)
	}
	trans, err := s.transactionRepo.GetByTransactionNo(ctx, transactionNo)
	if err != nil {
		return nil, classify(err)
	}
	if trans.AccountID != accountID {
		return nil, fmt.Errorf("%w: 流水 %s", ErrNotFound, transactionNo)
	}
	return trans, nil
}

// WithAccountLock 持有账户锁执行 fn，需要把扣费和自身状态变更放进同一事务的调用方使用
func (s *LedgerService) WithAccountLock(ctx context.Context, accountID string, fn func() error) error {
	release, err := s.locker.Acquire(ctx, accountID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: 获取账户锁失败: %w", ErrStoreUnavailable, err)
	}
	defer release()
	return fn()
}

// applyIf 加锁、开事务、带守卫入账，暂时性故障按策略重试
func (s *LedgerService) applyIf(ctx context.Context, req TransactionRequest, guard txGuard) (*model.CreditTransaction, error) {
	if err := validateRequest(req); err != nil {
		metrics.LedgerTransactions.WithLabelValues(req.Kind, "rejected").Inc()
		return nil, err
	}

	trans, err := withStoreRetry(ctx, s.retry, s.log, func() (*model.CreditTransaction, error) {
		var (
			result  *model.CreditTransaction
			created bool
		)
		err := s.WithAccountLock(ctx, req.AccountID, func() error {
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				var err error
				result, created, err = s.applyInTx(ctx, tx, req, guard)
				return err
			})
		})
		if err != nil {
			return nil, err
		}
		s.afterCommit(ctx, result, req, created)
		return result, nil
	})
	if err != nil {
		s.recordFailure(req, err)
		return nil, err
	}
	return trans, nil
}

// applyInTx 在调用方的事务内入账，调用方必须已持有账户锁
//
// created 为 false 表示幂等键命中，返回的是已有流水
func (s *LedgerService) applyInTx(ctx context.Context, tx *gorm.DB, req TransactionRequest, guard txGuard) (*model.CreditTransaction, bool, error) {
	if err := validateRequest(req); err != nil {
		return nil, false, err
	}

	balance, err := s.balanceRepo.GetOrCreateForUpdate(ctx, tx, req.AccountID)
	if err != nil {
		return nil, false, fmt.Errorf("读取余额失败: %w", err)
	}

	var refID, idemKey *string
	if req.ReferenceID != "" {
		ref := req.ReferenceID
		key := model.IdempotencyKey(req.AccountID, req.Kind, ref)
		refID, idemKey = &ref, &key

		existing, err := s.transactionRepo.GetByIdempotencyKey(ctx, tx, key)
		if err != nil {
			return nil, false, fmt.Errorf("查询幂等流水失败: %w", err)
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	if guard != nil {
		if err := guard(ctx, tx); err != nil {
			return nil, false, err
		}
	}

	next := balance.Apply(req.Amount)
	if next.AvailableCredits < 0 {
		return nil, false, fmt.Errorf("%w: 可用 %d，需要 %d", ErrInsufficientBalance, balance.AvailableCredits, -req.Amount)
	}

	var ruleName *string
	if req.RuleName != "" {
		rn := req.RuleName
		ruleName = &rn
	}

	trans := &model.CreditTransaction{
		TransactionNo:  idgen.GenerateTransactionNo(),
		AccountID:      req.AccountID,
		Kind:           req.Kind,
		Amount:         req.Amount,
		Description:    req.Description,
		ReferenceID:    refID,
		IdempotencyKey: idemKey,
		RuleName:       ruleName,
		Status:         model.TransactionStatusCompleted,
		BalanceBefore:  balance.AvailableCredits,
		BalanceAfter:   next.AvailableCredits,
		CreatedAt:      s.now(),
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, false, fmt.Errorf("记录流水失败: %w", err)
	}

	if err := s.balanceRepo.Save(ctx, tx, balance, &next); err != nil {
		return nil, false, fmt.Errorf("更新余额失败: %w", err)
	}

	event := ledgerEvent{
		TransactionNo: trans.TransactionNo,
		AccountID:     trans.AccountID,
		Kind:          trans.Kind,
		Amount:        trans.Amount,
		ReferenceID:   trans.ReferenceID,
		RuleName:      trans.RuleName,
		BalanceBefore: trans.BalanceBefore,
		BalanceAfter:  trans.BalanceAfter,
		CreatedAt:     trans.CreatedAt,
	}
	if err := s.outboxRepo.CreateEvent(ctx, tx, model.EventCreditTransaction, s.topics.LedgerEvents, trans.AccountID, event); err != nil {
		return nil, false, fmt.Errorf("写入消息失败: %w", err)
	}

	return trans, true, nil
}

// afterCommit 提交后的指标与消耗明细，失败只记日志
func (s *LedgerService) afterCommit(ctx context.Context, trans *model.CreditTransaction, req TransactionRequest, created bool) {
	if !created {
		metrics.LedgerTransactions.WithLabelValues(trans.Kind, "replayed").Inc()
		s.log.Info("幂等命中，返回已有流水", "transaction_no", trans.TransactionNo, "account_id", trans.AccountID)
		return
	}

	metrics.LedgerTransactions.WithLabelValues(trans.Kind, "applied").Inc()
	amount := trans.Amount
	if amount < 0 {
		amount = -amount
	}
	metrics.LedgerCredits.WithLabelValues(trans.Kind).Add(float64(amount))

	s.log.Info("流水入账成功",
		"transaction_no", trans.TransactionNo,
		"account_id", trans.AccountID,
		"kind", trans.Kind,
		"amount", trans.Amount,
		"balance_after", trans.BalanceAfter,
	)

	if trans.Kind != model.TransactionKindUsage {
		return
	}
	usageType := req.UsageType
	if usageType == "" {
		usageType = model.UsageTypeGeneral
	}
	entry := &model.CreditUsageLog{
		TransactionID: trans.ID,
		AccountID:     trans.AccountID,
		UsageType:     usageType,
		ReferenceID:   req.ReferenceID,
		CreditsUsed:   amount,
	}
	if err := s.usageLogRepo.Create(context.WithoutCancel(ctx), entry); err != nil {
		s.log.Warn("写入消耗明细失败", "transaction_no", trans.TransactionNo, "error", err)
	}
}

func (s *LedgerService) recordFailure(req TransactionRequest, err error) {
	switch {
	case errors.Is(err, errRuleSkipped):
		return
	case errors.Is(err, ErrStoreUnavailable):
		metrics.LedgerTransactions.WithLabelValues(req.Kind, "error").Inc()
		s.log.Error("流水入账失败", "account_id", req.AccountID, "kind", req.Kind, "error", err)
	default:
		metrics.LedgerTransactions.WithLabelValues(req.Kind, "rejected").Inc()
		s.log.Info("流水被拒绝", "account_id", req.AccountID, "kind", req.Kind, "error", err)
	}
}

func validateRequest(req TransactionRequest) error {
	if req.AccountID == "" {
		return fmt.Errorf("%w: accountId 不能为空", ErrInvalidArgument)
	}
	if !model.ValidTransactionKind(req.Kind) {
		return fmt.Errorf("%w: 未知流水类型 %q", ErrInvalidArgument, req.Kind)
	}
	if !model.KindAllowsAmount(req.Kind, req.Amount) {
		return fmt.Errorf("%w: %s 流水金额不能为 %d", ErrInvalidAmount, req.Kind, req.Amount)
	}
	return nil
}

func balanceView(b *model.CreditBalance) *Balance {
	return &Balance{
		AccountID: b.AccountID,
		Total:     b.TotalCredits,
		Used:      b.UsedCredits,
		Available: b.AvailableCredits,
	}
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
