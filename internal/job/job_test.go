package job

import (
	"context"
	"testing"
	"time"

	"creditsystem/internal/infrastructure/metrics"
	"creditsystem/internal/infrastructure/mq"
	"creditsystem/internal/model"
	"creditsystem/internal/repository"
	"creditsystem/internal/service"
	"creditsystem/internal/testutil"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func seedOutbox(t *testing.T, db *gorm.DB, n int) {
	t.Helper()
	repo := repository.NewOutboxRepository(db)
	for i := 0; i < n; i++ {
		err := repo.CreateEvent(context.Background(), nil, model.EventCreditTransaction,
			testutil.Topics().LedgerEvents, "acc-1", map[string]int{"seq": i})
		if err != nil {
			t.Fatalf("CreateEvent: %v", err)
		}
	}
}

func outboxStatuses(t *testing.T, db *gorm.DB) []model.OutboxMessage {
	t.Helper()
	var msgs []model.OutboxMessage
	if err := db.Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	return msgs
}

func TestOutboxSender_Sends(t *testing.T) {
	db := testutil.DB(t)
	seedOutbox(t, db, 2)

	producer := mocks.NewSyncProducer(t, mq.NewKafkaProducerConfig())
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	publisher := mq.NewPublisherWithProducer(producer)
	t.Cleanup(func() { _ = publisher.Close() })

	sender := NewOutboxSender(db, publisher, testutil.Config(), testutil.Logger(t))
	if sent := sender.processPendingMessages(context.Background()); sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
	for _, m := range outboxStatuses(t, db) {
		if m.Status != model.OutboxStatusSent {
			t.Errorf("message %d status = %s", m.ID, m.Status)
		}
	}

	// 已发送的消息不会被再次投递
	if sent := sender.processPendingMessages(context.Background()); sent != 0 {
		t.Errorf("second pass sent = %d, want 0", sent)
	}
}

func TestOutboxSender_RetryThenFail(t *testing.T) {
	db := testutil.DB(t)
	seedOutbox(t, db, 1)
	cfg := testutil.Config()
	cfg.Business.OutboxMaxRetry = 3

	producer := mocks.NewSyncProducer(t, mq.NewKafkaProducerConfig())
	for i := 0; i < cfg.Business.OutboxMaxRetry; i++ {
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}
	publisher := mq.NewPublisherWithProducer(producer)
	t.Cleanup(func() { _ = publisher.Close() })

	sender := NewOutboxSender(db, publisher, cfg, testutil.Logger(t))
	sender.reportBacklog(context.Background())
	assertBacklog(t, 1, 0)

	for i := 1; i < cfg.Business.OutboxMaxRetry; i++ {
		sender.processPendingMessages(context.Background())
		m := outboxStatuses(t, db)[0]
		if m.Status != model.OutboxStatusPending || m.RetryCount != i {
			t.Fatalf("after attempt %d: status=%s retry=%d", i, m.Status, m.RetryCount)
		}
	}

	sender.processPendingMessages(context.Background())
	m := outboxStatuses(t, db)[0]
	if m.Status != model.OutboxStatusFailed || m.RetryCount != cfg.Business.OutboxMaxRetry {
		t.Errorf("final: status=%s retry=%d", m.Status, m.RetryCount)
	}

	sender.reportBacklog(context.Background())
	assertBacklog(t, 0, 1)
}

func assertBacklog(t *testing.T, pending, failed float64) {
	t.Helper()
	if got := promtestutil.ToFloat64(metrics.OutboxBacklog.WithLabelValues(model.OutboxStatusPending)); got != pending {
		t.Errorf("pending backlog = %v, want %v", got, pending)
	}
	if got := promtestutil.ToFloat64(metrics.OutboxBacklog.WithLabelValues(model.OutboxStatusFailed)); got != failed {
		t.Errorf("failed backlog = %v, want %v", got, failed)
	}
}

type services struct {
	db       *gorm.DB
	ledger   *service.LedgerService
	sessions *service.SessionService
}

func newServices(t *testing.T) services {
	t.Helper()
	db := testutil.DB(t)
	_, rdb := testutil.Redis(t)
	cfg := testutil.Config()
	log := testutil.Logger(t)
	ledger := service.NewLedgerService(db, testutil.Locker(t, rdb), cfg, log)
	return services{
		db:       db,
		ledger:   ledger,
		sessions: service.NewSessionService(db, ledger, cfg, log),
	}
}

func TestSessionTimeoutJob(t *testing.T) {
	svc := newServices(t)
	ctx := context.Background()
	acc := testutil.AccountID()

	stalePending, err := svc.sessions.Create(ctx, service.CreateSessionRequest{AccountID: acc, SessionType: model.SessionTypeTrial})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	staleActive, err := svc.sessions.Create(ctx, service.CreateSessionRequest{AccountID: acc, SessionType: model.SessionTypeTrial})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.sessions.Start(ctx, acc, staleActive.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	j := NewSessionTimeoutJob(svc.db, svc.sessions, testutil.Config(), testutil.Logger(t))

	// 还没到超时时间
	if c, d := j.runOnce(ctx); c != 0 || d != 0 {
		t.Fatalf("early run cancelled=%d completed=%d", c, d)
	}

	j.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }
	if c, d := j.runOnce(ctx); c != 1 || d != 1 {
		t.Fatalf("run cancelled=%d completed=%d, want 1/1", c, d)
	}

	got, _ := svc.sessions.Get(ctx, acc, stalePending.ID)
	if got.Status != model.SessionStatusCancelled {
		t.Errorf("pending session status = %s", got.Status)
	}
	got, _ = svc.sessions.Get(ctx, acc, staleActive.ID)
	if got.Status != model.SessionStatusCompleted || got.EndedAt == nil {
		t.Errorf("active session = %+v", got)
	}

	if c, d := j.runOnce(ctx); c != 0 || d != 0 {
		t.Errorf("rerun cancelled=%d completed=%d, want 0/0", c, d)
	}
}

func TestReconcileJob_DetectsDrift(t *testing.T) {
	svc := newServices(t)
	ctx := context.Background()
	healthy, broken := testutil.AccountID(), testutil.AccountID()
	for _, acc := range []string{healthy, broken} {
		if _, err := svc.ledger.Grant(ctx, acc, 5, "seed", ""); err != nil {
			t.Fatalf("Grant: %v", err)
		}
	}
	if _, err := svc.ledger.ApplyTransaction(ctx, service.TransactionRequest{
		AccountID: healthy, Kind: model.TransactionKindUsage, Amount: -2,
	}); err != nil {
		t.Fatalf("usage: %v", err)
	}

	j := NewReconcileJob(svc.db, svc.ledger, testutil.Config(), testutil.Logger(t))
	j.batchSize = 1

	drifted, err := j.runOnce(ctx)
	if err != nil || drifted != 0 {
		t.Fatalf("clean run drifted=%d err=%v", drifted, err)
	}

	svc.db.Model(&model.CreditBalance{}).Where("account_id = ?", broken).
		Updates(map[string]interface{}{"total_credits": 7, "available_credits": 7})

	drifted, err = j.runOnce(ctx)
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if drifted != 1 {
		t.Errorf("drifted = %d, want 1", drifted)
	}
	if got := promtestutil.ToFloat64(metrics.ReconcileDrift); got != 1 {
		t.Errorf("drift gauge = %v, want 1", got)
	}
}
