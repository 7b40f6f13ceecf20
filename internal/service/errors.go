package service

import (
	"context"
	"errors"
	"fmt"

	"creditsystem/internal/infrastructure/database"
	"creditsystem/internal/infrastructure/lock"
	"creditsystem/internal/repository"

	"gorm.io/gorm"
)

// 业务错误，handler 按 errors.Is 映射 HTTP 状态码
var (
	ErrInsufficientBalance = errors.New("余额不足")
	ErrInsufficientCredits = errors.New("积分不足")
	ErrInvalidAmount       = errors.New("金额不合法")
	ErrInvalidState        = errors.New("状态不允许该操作")
	ErrNotFound            = errors.New("记录不存在")
	ErrStoreUnavailable    = errors.New("存储暂不可用，请稍后重试")
	ErrInvalidArgument     = errors.New("参数错误")
)

// 规则跳过不算错误，只在服务内部流转
var (
	errRuleSkipped            = errors.New("规则跳过")
	errRuleCapReached         = fmt.Errorf("%w: 已达发放上限", errRuleSkipped)
	errRuleIntervalNotElapsed = fmt.Errorf("%w: 未到发放间隔", errRuleSkipped)
)

var passthrough = []error{
	ErrInsufficientBalance,
	ErrInsufficientCredits,
	ErrInvalidAmount,
	ErrInvalidState,
	ErrNotFound,
	ErrStoreUnavailable,
	ErrInvalidArgument,
	errRuleSkipped,
	context.Canceled,
	context.DeadlineExceeded,
}

// classify 把仓储和基础设施错误归类为业务错误
//
// 只有连接中断、死锁、乐观锁冲突、账户锁失败归为 ErrStoreUnavailable，可以重试；
// 其余未识别的错误原样返回，不重试
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range passthrough {
		if errors.Is(err, target) {
			return err
		}
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, repository.ErrSessionNotFound),
		errors.Is(err, repository.ErrBalanceNotFound),
		errors.Is(err, repository.ErrRuleNotFound),
		errors.Is(err, repository.ErrTransactionNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, repository.ErrSessionStatusInvalid):
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	case errors.Is(err, repository.ErrOptimisticLock),
		errors.Is(err, lock.ErrLockFailed),
		database.IsTransient(err):
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
