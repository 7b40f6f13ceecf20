package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"creditsystem/internal/model"
	"creditsystem/internal/testutil"
)

func createSession(t *testing.T, f *fixture, acc string, typ model.SessionType) *model.InterviewSession {
	t.Helper()
	s, err := f.sessions.Create(testContext(t), CreateSessionRequest{
		AccountID:   acc,
		SessionType: typ,
		Company:     "Acme",
		Position:    "Backend Engineer",
		Metadata:    map[string]interface{}{"language": "zh"},
	})
	if err != nil {
		t.Fatalf("Create %s: %v", typ, err)
	}
	return s
}

// 0 积分：trial 会话全程不触碰账本，125 秒 -> 2.08 分钟
func TestTrialSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	acc := testutil.AccountID()

	s := createSession(t, f, acc, model.SessionTypeTrial)
	if s.Status != model.SessionStatusPending {
		t.Fatalf("status = %s", s.Status)
	}

	started, err := f.sessions.Start(ctx, acc, s.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != model.SessionStatusActive || started.StartedAt == nil {
		t.Fatalf("started = %+v", started)
	}

	for i := 0; i < 3; i++ {
		if _, err := f.sessions.RecordUsage(ctx, acc, s.ID); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}

	f.clock.Advance(125 * time.Second)
	done, err := f.sessions.Complete(ctx, acc, s.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.DurationMinutes != 2.08 || done.DurationWholeMinutes != 2 || done.DurationRemainderSeconds != 5 {
		t.Errorf("duration = %v (%dm%ds)", done.DurationMinutes, done.DurationWholeMinutes, done.DurationRemainderSeconds)
	}

	stored, err := f.sessions.Get(ctx, acc, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != model.SessionStatusCompleted || stored.DurationMinutes != 2.08 ||
		stored.DurationSeconds != 125 || stored.AIUsageCount != 3 || stored.EndedAt == nil {
		t.Errorf("stored = %+v", stored)
	}
	if stored.Metadata["language"] != "zh" {
		t.Errorf("metadata = %v", stored.Metadata)
	}

	if n := testutil.CountTransactions(t, f.db, acc); n != 0 {
		t.Errorf("trial session wrote %d transactions", n)
	}
	b, _ := f.ledger.GetBalance(ctx, acc)
	if b.Available != 0 {
		t.Errorf("available = %d", b.Available)
	}
}

func TestCreateFull_InsufficientCredits(t *testing.T) {
	f := newFixture(t)
	acc := testutil.AccountID()

	_, err := f.sessions.Create(testContext(t), CreateSessionRequest{AccountID: acc, SessionType: model.SessionTypeFull})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	var n int64
	f.db.Model(&model.InterviewSession{}).Where("account_id = ?", acc).Count(&n)
	if n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
}

func TestCreate_InvalidType(t *testing.T) {
	f := newFixture(t)
	_, err := f.sessions.Create(testContext(t), CreateSessionRequest{AccountID: "acc", SessionType: "vip"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

// 1 积分：start 扣到 0，取消后不自动退还
func TestFullSession_CancelAfterStartKeepsDebit(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	acc := testutil.AccountID()
	f.grant(t, acc, 1)

	s := createSession(t, f, acc, model.SessionTypeFull)
	if _, err := f.sessions.Start(ctx, acc, s.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b, _ := f.ledger.GetBalance(ctx, acc)
	if b.Available != 0 || b.Used != 1 {
		t.Fatalf("balance after start = %+v", b)
	}

	cancelled, err := f.sessions.Cancel(ctx, acc, s.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != model.SessionStatusCancelled {
		t.Errorf("status = %s", cancelled.Status)
	}
	b, _ = f.ledger.GetBalance(ctx, acc)
	if b.Available != 0 {
		t.Errorf("available after cancel = %d, want 0", b.Available)
	}

	var debit model.CreditTransaction
	f.db.Where("account_id = ? AND kind = ?", acc, model.TransactionKindUsage).First(&debit)
	if debit.ReferenceID == nil || *debit.ReferenceID != s.ID || debit.Description != "session:"+s.ID || debit.Amount != -1 {
		t.Errorf("debit = %+v", debit)
	}
	var logs int64
	f.db.Model(&model.CreditUsageLog{}).Where("account_id = ? AND usage_type = ?", acc, model.UsageTypeInterviewSession).Count(&logs)
	if logs != 1 {
		t.Errorf("usage logs = %d, want 1", logs)
	}

	// 显式退款走账本 refund，以会话为幂等键
	if _, err := f.ledger.Refund(ctx, acc, 1, "cancelled session", s.ID); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if _, err := f.ledger.Refund(ctx, acc, 1, "cancelled session", s.ID); err != nil {
		t.Fatalf("Refund retry: %v", err)
	}
	b, _ = f.ledger.GetBalance(ctx, acc)
	if b.Available != 1 {
		t.Errorf("available after refund = %d, want 1", b.Available)
	}
	f.assertInvariant(t, acc)
}

func TestFullSession_StartTwiceDebitsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	acc := testutil.AccountID()
	f.grant(t, acc, 2)

	s := createSession(t, f, acc, model.SessionTypeFull)
	first, err := f.sessions.Start(ctx, acc, s.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.clock.Advance(time.Minute)
	second, err := f.sessions.Start(ctx, acc, s.ID)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if second.Status != model.SessionStatusActive || !second.StartedAt.Equal(*first.StartedAt) {
		t.Errorf("second start = %+v", second)
	}

	b, _ := f.ledger.GetBalance(ctx, acc)
	if b.Available != 1 {
		t.Errorf("available = %d, want 1", b.Available)
	}
	var debits int64
	f.db.Model(&model.CreditTransaction{}).Where("account_id = ? AND kind = ?", acc, model.TransactionKindUsage).Count(&debits)
	if debits != 1 {
		t.Errorf("usage transactions = %d, want 1", debits)
	}
}

func TestFullSession_ConcurrentStartsOneCredit(t *testing.T) {
	f := newFixture(t)
	acc := testutil.AccountID()
	f.grant(t, acc, 1)

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = createSession(t, f, acc, model.SessionTypeFull).ID
	}

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.sessions.Start(context.Background(), acc, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientCredits):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if ok != 1 || rejected != n-1 {
		t.Errorf("ok=%d rejected=%d, want 1/%d", ok, rejected, n-1)
	}
	b := testutil.Balance(t, f.db, acc)
	if b.AvailableCredits != 0 {
		t.Errorf("available = %d, want 0", b.AvailableCredits)
	}

	var active, pending int64
	f.db.Model(&model.InterviewSession{}).Where("account_id = ? AND status = ?", acc, model.SessionStatusActive).Count(&active)
	f.db.Model(&model.InterviewSession{}).Where("account_id = ? AND status = ?", acc, model.SessionStatusPending).Count(&pending)
	if active != 1 || pending != n-1 {
		t.Errorf("active=%d pending=%d", active, pending)
	}
	f.assertInvariant(t, acc)
}

func TestFullSession_ConcurrentStartsSameSession(t *testing.T) {
	f := newFixture(t)
	acc := testutil.AccountID()
	f.grant(t, acc, 5)
	s := createSession(t, f, acc, model.SessionTypeFull)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.sessions.Start(context.Background(), acc, s.ID); err != nil {
				t.Errorf("Start: %v", err)
			}
		}()
	}
	wg.Wait()

	b := testutil.Balance(t, f.db, acc)
	if b.AvailableCredits != 4 {
		t.Errorf("available = %d, want 4", b.AvailableCredits)
	}
	f.assertInvariant(t, acc)
}

func TestSession_OwnershipMismatchIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	owner := testutil.AccountID()
	intruder := testutil.AccountID()
	s := createSession(t, f, owner, model.SessionTypeTrial)

	ops := map[string]func() error{
		"get":    func() error { _, err := f.sessions.Get(ctx, intruder, s.ID); return err },
		"start":  func() error { _, err := f.sessions.Start(ctx, intruder, s.ID); return err },
		"usage":  func() error { _, err := f.sessions.RecordUsage(ctx, intruder, s.ID); return err },
		"finish": func() error { _, err := f.sessions.Complete(ctx, intruder, s.ID); return err },
		"cancel": func() error { _, err := f.sessions.Cancel(ctx, intruder, s.ID); return err },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: err = %v, want ErrNotFound", name, err)
		}
	}

	got, err := f.sessions.Get(ctx, owner, s.ID)
	if err != nil || got.Status != model.SessionStatusPending {
		t.Errorf("owner view = %+v, %v", got, err)
	}
}

func TestSession_InvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	acc := testutil.AccountID()
	s := createSession(t, f, acc, model.SessionTypeTrial)

	if _, err := f.sessions.RecordUsage(ctx, acc, s.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("usage on pending: err = %v, want ErrInvalidState", err)
	}

	// 从未开始直接完成，时长为 0
	done, err := f.sessions.Complete(ctx, acc, s.ID)
	if err != nil {
		t.Fatalf("Complete pending: %v", err)
	}
	if done.DurationMinutes != 0 || done.StartedAt != nil || done.EndedAt == nil {
		t.Errorf("completed pending session = %+v", done)
	}

	for name, op := range map[string]func() error{
		"start":    func() error { _, err := f.sessions.Start(ctx, acc, s.ID); return err },
		"complete": func() error { _, err := f.sessions.Complete(ctx, acc, s.ID); return err },
		"cancel":   func() error { _, err := f.sessions.Cancel(ctx, acc, s.ID); return err },
		"usage":    func() error { _, err := f.sessions.RecordUsage(ctx, acc, s.ID); return err },
	} {
		if err := op(); !errors.Is(err, ErrInvalidState) {
			t.Errorf("%s on completed: err = %v, want ErrInvalidState", name, err)
		}
	}
}

func TestSession_List(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	acc := testutil.AccountID()
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Second)
		createSession(t, f, acc, model.SessionTypeTrial)
	}
	last := createSession(t, f, acc, model.SessionTypeTrial)
	if _, err := f.sessions.Cancel(ctx, acc, last.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	createSession(t, f, testutil.AccountID(), model.SessionTypeTrial)

	all, total, err := f.sessions.List(ctx, acc, "", 1, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 4 || len(all) != 4 {
		t.Errorf("total=%d len=%d, want 4", total, len(all))
	}
	cancelled, total, err := f.sessions.List(ctx, acc, model.SessionStatusCancelled, 1, 10)
	if err != nil {
		t.Fatalf("List cancelled: %v", err)
	}
	if total != 1 || cancelled[0].ID != last.ID {
		t.Errorf("cancelled = %+v", cancelled)
	}
}

func TestSession_EventsWrittenToOutbox(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	acc := testutil.AccountID()
	f.grant(t, acc, 1)

	s := createSession(t, f, acc, model.SessionTypeFull)
	if _, err := f.sessions.Start(ctx, acc, s.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.sessions.Complete(ctx, acc, s.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var msgs []model.OutboxMessage
	f.db.Where("message_key = ?", acc).Order("id ASC").Find(&msgs)
	var types []string
	for _, m := range msgs {
		types = append(types, m.EventType)
	}
	want := []string{
		model.EventCreditTransaction, // grant
		model.EventCreditTransaction, // session debit
		model.EventSessionStarted,
		model.EventSessionCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
	if msgs[2].Topic != testutil.Topics().SessionEvents || msgs[1].Topic != testutil.Topics().LedgerEvents {
		t.Errorf("topics = %s, %s", msgs[1].Topic, msgs[2].Topic)
	}
}
