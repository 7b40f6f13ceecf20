package job

import (
	"context"
	"errors"
	"time"

	"creditsystem/internal/config"
	"creditsystem/internal/infrastructure/logger"
	"creditsystem/internal/repository"
	"creditsystem/internal/service"

	"gorm.io/gorm"
)

// SessionTimeoutJob 清理超时会话
//
//   - pending 超过 session_pending_ttl 未开始：取消
//   - active 超过 session_max_active 未结束：按正常流程完成并计算时长
type SessionTimeoutJob struct {
	sessionRepo    *repository.SessionRepository
	sessionService *service.SessionService
	log            *logger.Logger
	stopCh         chan struct{}
	interval       time.Duration
	pendingTTL     time.Duration
	maxActive      time.Duration
	batchSize      int
	now            func() time.Time
}

func NewSessionTimeoutJob(db *gorm.DB, sessions *service.SessionService, cfg *config.Config, log *logger.Logger) *SessionTimeoutJob {
	interval := cfg.Business.SessionJobInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &SessionTimeoutJob{
		sessionRepo:    repository.NewSessionRepository(db),
		sessionService: sessions,
		log:            log.With("job", "SessionTimeoutJob"),
		stopCh:         make(chan struct{}),
		interval:       interval,
		pendingTTL:     cfg.Business.SessionPendingTTL,
		maxActive:      cfg.Business.SessionMaxActive,
		batchSize:      100,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (j *SessionTimeoutJob) Start(ctx context.Context) {
	j.log.Info("会话超时任务启动", "interval", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *SessionTimeoutJob) Stop() {
	close(j.stopCh)
}

func (j *SessionTimeoutJob) runOnce(ctx context.Context) (cancelled, completed int) {
	now := j.now()
	if j.pendingTTL > 0 {
		cancelled = j.cancelStalePending(ctx, now.Add(-j.pendingTTL))
	}
	if j.maxActive > 0 {
		completed = j.completeStaleActive(ctx, now.Add(-j.maxActive))
	}
	if cancelled+completed > 0 {
		j.log.Info("本次处理超时会话", "cancelled", cancelled, "completed", completed)
	}
	return cancelled, completed
}

func (j *SessionTimeoutJob) cancelStalePending(ctx context.Context, before time.Time) int {
	sessions, err := j.sessionRepo.GetStalePending(ctx, before, j.batchSize)
	if err != nil {
		j.log.Error("查询超时未开始会话失败", "error", err)
		return 0
	}

	count := 0
	for _, s := range sessions {
		if _, err := j.sessionService.Cancel(ctx, s.AccountID, s.ID); err != nil {
			// 用户恰好在此时开始或结束了会话
			if !errors.Is(err, service.ErrInvalidState) {
				j.log.Error("取消超时会话失败", "session_id", s.ID, "error", err)
			}
			continue
		}
		count++
		j.log.Info("会话超时未开始，已取消", "session_id", s.ID, "account_id", s.AccountID)
	}
	return count
}

func (j *SessionTimeoutJob) completeStaleActive(ctx context.Context, startedBefore time.Time) int {
	sessions, err := j.sessionRepo.GetStaleActive(ctx, startedBefore, j.batchSize)
	if err != nil {
		j.log.Error("查询超时进行中会话失败", "error", err)
		return 0
	}

	count := 0
	for _, s := range sessions {
		done, err := j.sessionService.Complete(ctx, s.AccountID, s.ID)
		if err != nil {
			if !errors.Is(err, service.ErrInvalidState) {
				j.log.Error("自动完成会话失败", "session_id", s.ID, "error", err)
			}
			continue
		}
		count++
		j.log.Info("会话超过最长时长，已自动完成",
			"session_id", s.ID, "account_id", s.AccountID, "duration_minutes", done.DurationMinutes)
	}
	return count
}
