package job

import (
	"context"
	"time"

	"creditsystem/internal/config"
	"creditsystem/internal/infrastructure/logger"
	"creditsystem/internal/infrastructure/metrics"
	"creditsystem/internal/infrastructure/mq"
	"creditsystem/internal/model"
	"creditsystem/internal/repository"

	"gorm.io/gorm"
)

const backlogInterval = 15 * time.Second

// OutboxSender 把本地消息表中的事件投递到 Kafka
//
// 投递是至少一次：发送成功但更新状态失败时会重复投递，消费方按 transaction_no / session_id 去重
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	log        *logger.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(db *gorm.DB, publisher mq.Publisher, cfg *config.Config, log *logger.Logger) *OutboxSender {
	interval := cfg.Business.OutboxInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		log:        log.With("job", "OutboxSender"),
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  100,
		maxRetry:   cfg.Business.OutboxMaxRetry,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("消息发送任务启动", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	backlogTicker := time.NewTicker(backlogInterval)
	defer backlogTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		case <-backlogTicker.C:
			s.reportBacklog(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Error("查询消息失败", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

// reportBacklog 导出 PENDING / FAILED 积压数量，FAILED 持续增长需要人工介入
func (s *OutboxSender) reportBacklog(ctx context.Context) {
	for _, status := range []string{model.OutboxStatusPending, model.OutboxStatusFailed} {
		count, err := s.outboxRepo.CountByStatus(ctx, status)
		if err != nil {
			s.log.Warn("统计消息积压失败", "status", status, "error", err)
			continue
		}
		metrics.OutboxBacklog.WithLabelValues(status).Set(float64(count))
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Send(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		metrics.OutboxPublished.WithLabelValues("sent").Inc()
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			s.log.Error("更新消息状态失败", "id", msg.ID, "error", updateErr)
		} else {
			s.log.Debug("消息发送成功", "id", msg.ID, "event", msg.EventType, "topic", msg.Topic, "key", msg.MessageKey)
		}
		return true
	}

	s.log.Warn("消息发送失败", "id", msg.ID, "event", msg.EventType, "retry_count", msg.RetryCount, "error", err)

	if msg.RetryCount+1 >= s.maxRetry {
		metrics.OutboxPublished.WithLabelValues("failed").Inc()
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			s.log.Error("标记消息失败状态失败", "id", msg.ID, "error", err)
		} else {
			s.log.Error("消息超过最大重试次数，标记为失败", "id", msg.ID, "event", msg.EventType)
		}
		return false
	}

	metrics.OutboxPublished.WithLabelValues("retry").Inc()
	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.log.Error("增加重试次数失败", "id", msg.ID, "error", err)
	}
	return false
}
