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

	"gorm.io/gorm"
)

// AllocationResult 一条规则的评估结果，Error 非空表示账本写入失败
type AllocationResult struct {
	RuleName      string `json:"rule_name"`
	Amount        int64  `json:"amount"`
	TransactionNo string `json:"transaction_no,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (r AllocationResult) Allocated() bool {
	return r.Error == ""
}

// RuleService 规则引擎
//
// 规则是纯数据，评估只读规则目录；上限与间隔检查在账本的账户锁和事务内完成，
// 同一账户的并发触发不会同时通过检查
type RuleService struct {
	ledger          *LedgerService
	ruleRepo        *repository.RuleRepository
	transactionRepo *repository.TransactionRepository
	log             *logger.Logger
	now             func() time.Time
}

func NewRuleService(db *gorm.DB, ledger *LedgerService, log *logger.Logger) *RuleService {
	return &RuleService{
		ledger:          ledger,
		ruleRepo:        repository.NewRuleRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		log:             log.With("component", "rules"),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate 对触发事件评估所有生效规则
//
// 达到上限或未到间隔的规则静默跳过；某条规则入账失败时记录在结果中，继续评估其余规则
func (s *RuleService) Evaluate(ctx context.Context, accountID, trigger string, metadata map[string]interface{}) ([]AllocationResult, error) {
	if accountID == "" || trigger == "" {
		return nil, fmt.Errorf("%w: accountId 和 trigger 不能为空", ErrInvalidArgument)
	}

	rules, err := s.ruleRepo.ListActiveByTrigger(ctx, trigger)
	if err != nil {
		return nil, classify(err)
	}

	now := s.now()
	results := make([]AllocationResult, 0, len(rules))
	for _, rule := range rules {
		if !rule.Matches(trigger, now) {
			continue
		}

		trans, err := s.ledger.applyIf(ctx, TransactionRequest{
			AccountID:   accountID,
			Kind:        model.TransactionKindBonus,
			Amount:      rule.CreditAmount,
			Description: rule.AllocationDescription(),
			RuleName:    rule.RuleName,
		}, s.allocationGuard(accountID, rule, now))

		switch {
		case errors.Is(err, errRuleSkipped):
			metrics.RuleAllocations.WithLabelValues(rule.RuleName, "skipped").Inc()
			s.log.Debug("规则跳过", "rule", rule.RuleName, "account_id", accountID, "reason", err)
		case err != nil:
			metrics.RuleAllocations.WithLabelValues(rule.RuleName, "failed").Inc()
			s.log.Error("规则发放失败", "rule", rule.RuleName, "account_id", accountID, "error", err)
			results = append(results, AllocationResult{
				RuleName: rule.RuleName,
				Amount:   rule.CreditAmount,
				Error:    err.Error(),
			})
		default:
			metrics.RuleAllocations.WithLabelValues(rule.RuleName, "allocated").Inc()
			results = append(results, AllocationResult{
				RuleName:      rule.RuleName,
				Amount:        trans.Amount,
				TransactionNo: trans.TransactionNo,
			})
		}
	}

	s.log.Info("规则评估完成",
		"account_id", accountID,
		"trigger", trigger,
		"candidates", len(rules),
		"results", len(results),
		"metadata_keys", len(metadata),
	)
	return results, nil
}

// allocationGuard 在账本事务内检查发放上限和最小间隔
func (s *RuleService) allocationGuard(accountID string, rule *model.CreditRule, now time.Time) txGuard {
	return func(ctx context.Context, tx *gorm.DB) error {
		if rule.MaxUsesPerAccount != nil {
			used, err := s.transactionRepo.CountByRule(ctx, tx, accountID, rule.RuleName)
			if err != nil {
				return fmt.Errorf("统计规则发放次数失败: %w", err)
			}
			if used >= int64(*rule.MaxUsesPerAccount) {
				return errRuleCapReached
			}
		}
		if interval := rule.MinInterval(); interval > 0 {
			last, err := s.transactionRepo.LatestByRule(ctx, tx, accountID, rule.RuleName)
			if err != nil {
				return fmt.Errorf("查询上次发放失败: %w", err)
			}
			if last != nil && now.Sub(*last) < interval {
				return errRuleIntervalNotElapsed
			}
		}
		return nil
	}
}

// UpsertRule 新建或覆盖一条规则
func (s *RuleService) UpsertRule(ctx context.Context, rule *model.CreditRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if rule.ValidFrom.IsZero() {
		rule.ValidFrom = s.now()
	}
	rule.ValidFrom = rule.ValidFrom.UTC()
	if rule.ValidUntil != nil {
		until := rule.ValidUntil.UTC()
		rule.ValidUntil = &until
	}
	if err := s.ruleRepo.Upsert(ctx, rule); err != nil {
		return classify(err)
	}
	s.log.Info("规则已保存", "rule", rule.RuleName, "trigger", rule.Conditions.Trigger, "active", rule.IsActive)
	return nil
}

// GetRule 按名称查询规则
func (s *RuleService) GetRule(ctx context.Context, name string) (*model.CreditRule, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: 规则名称不能为空", ErrInvalidArgument)
	}
	rule, err := s.ruleRepo.GetByName(ctx, name)
	if err != nil {
		return nil, classify(err)
	}
	return rule, nil
}

func (s *RuleService) ListRules(ctx context.Context) ([]*model.CreditRule, error) {
	rules, err := s.ruleRepo.List(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return rules, nil
}

// SeedRules 启动时把配置中的规则写入目录
func (s *RuleService) SeedRules(ctx context.Context, rules []config.RuleConfig) error {
	for _, rc := range rules {
		rule, err := RuleFromConfig(rc)
		if err != nil {
			return err
		}
		if err := s.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("写入规则 %s 失败: %w", rc.Name, err)
		}
	}
	return nil
}

// RuleFromConfig 配置项转换为规则实体
func RuleFromConfig(rc config.RuleConfig) (*model.CreditRule, error) {
	from, until, err := rc.Window()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return &model.CreditRule{
		RuleName:     rc.Name,
		RuleType:     rc.Type,
		CreditAmount: rc.CreditAmount,
		Conditions: model.RuleConditions{
			Trigger:          rc.Trigger,
			MinIntervalHours: rc.MinIntervalHours,
		},
		MaxUsesPerAccount: rc.MaxUsesPerAccount,
		ValidFrom:         from,
		ValidUntil:        until,
		IsActive:          rc.Active,
		Description:       rc.Description,
	}, nil
}
