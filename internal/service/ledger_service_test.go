package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"creditsystem/internal/infrastructure/lock"
	"creditsystem/internal/model"
	"creditsystem/internal/testutil"

	"github.com/go-redis/redis/v8"
)

func TestGetBalance_NoTransactions(t *testing.T) {
	f := newFixture(t)
	b, err := f.ledger.GetBalance(testContext(t), testutil.AccountID())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if b.Total != 0 || b.Used != 0 || b.Available != 0 {
		t.Errorf("balance = %+v, want zeros", b)
	}
	ok, err := f.ledger.HasSufficientBalance(testContext(t), b.AccountID, 1)
	if err != nil || ok {
		t.Errorf("HasSufficientBalance = %v, %v; want false, nil", ok, err)
	}
}

func TestApplyTransaction_GrantThenUsage(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	acc := testutil.AccountID()

	f.grant(t, acc, 5)
	trans, err := f.ledger.ApplyTransaction(ctx, TransactionRequest{
		AccountID:   acc,
		Kind:        model.TransactionKindUsage,
		Amount:      -2,
		Description: "mock usage",
		ReferenceID: "ref-1",
		UsageType:   model.UsageTypeInterviewSession,
	})
	if err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if trans.BalanceBefore != 5 || trans.BalanceAfter != 3 {
		t.Errorf("before/after = %d/%d, want 5/3", trans.BalanceBefore, trans.BalanceAfter)
	}
	if trans.Status != model.TransactionStatusCompleted {
		t.Errorf("status = %s", trans.Status)
	}

	b, _ := f.ledger.GetBalance(ctx, acc)
	if b.Total != 5 || b.Used != 2 || b.Available != 3 {
		t.Errorf("balance = %+v, want 5/2/3", b)
	}

	var outbox int64
	f.db.Model(&model.OutboxMessage{}).Where("message_key = ? AND event_type = ?", acc, model.EventCreditTransaction).Count(&outbox)
	if outbox != 2 {
		t.Errorf("outbox messages = %d, want 2", outbox)
	}

	var logs []model.CreditUsageLog
	f.db.Where("account_id = ?", acc).Find(&logs)
	if len(logs) != 1 || logs[0].CreditsUsed != 2 || logs[0].TransactionID != trans.ID || logs[0].UsageType != model.UsageTypeInterviewSession {
		t.Errorf("usage logs = %+v", logs)
	}
	f.assertInvariant(t, acc)
}

func TestApplyTransaction_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	acc := testutil.AccountID()

	_, err := f.ledger.ApplyTransaction(testContext(t), TransactionRequest{
		AccountID: acc,
		Kind:      model.TransactionKindUsage,
		Amount:    -1,
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if n := testutil.CountTransactions(t, f.db, acc); n != 0 {
		t.Errorf("transactions = %d, want 0", n)
	}

	f.grant(t, acc, 1)
	_, err = f.ledger.Adjust(testContext(t), acc, -2, "too much", "")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("adjust down err = %v, want ErrInsufficientBalance", err)
	}
	f.assertInvariant(t, acc)
}

func TestApplyTransaction_Validation(t *testing.T) {
	f := newFixture(t)
	acc := testutil.AccountID()
	cases := []struct {
		name string
		req  TransactionRequest
		want error
	}{
		{"zero grant", TransactionRequest{AccountID: acc, Kind: model.TransactionKindGrant, Amount: 0}, ErrInvalidAmount},
		{"negative grant", TransactionRequest{AccountID: acc, Kind: model.TransactionKindGrant, Amount: -3}, ErrInvalidAmount},
		{"positive usage", TransactionRequest{AccountID: acc, Kind: model.TransactionKindUsage, Amount: 1}, ErrInvalidAmount},
		{"zero adjustment", TransactionRequest{AccountID: acc, Kind: model.TransactionKindAdjustment, Amount: 0}, ErrInvalidAmount},
		{"unknown kind", TransactionRequest{AccountID: acc, Kind: "gift", Amount: 1}, ErrInvalidArgument},
		{"missing account", TransactionRequest{Kind: model.TransactionKindGrant, Amount: 1}, ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.ledger.ApplyTransaction(testContext(t), tc.req); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if n := testutil.CountTransactions(t, f.db, acc); n != 0 {
		t.Errorf("transactions = %d, want 0", n)
	}
}

func TestApplyTransaction_IdempotentReference(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	acc := testutil.AccountID()

	first, err := f.ledger.Refund(ctx, acc, 1, "session refund", "session-1")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	second, err := f.ledger.Refund(ctx, acc, 1, "session refund", "session-1")
	if err != nil {
		t.Fatalf("Refund retry: %v", err)
	}
	if first.TransactionNo != second.TransactionNo {
		t.Errorf("retry produced new transaction %s != %s", second.TransactionNo, first.TransactionNo)
	}

	// 同一 referenceId 的不同类型是不同的幂等键
	if _, err := f.ledger.Grant(ctx, acc, 1, "payment", "session-1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	b, _ := f.ledger.GetBalance(ctx, acc)
	if b.Available != 2 {
		t.Errorf("available = %d, want 2", b.Available)
	}
	if n := testutil.CountTransactions(t, f.db, acc); n != 2 {
		t.Errorf("transactions = %d, want 2", n)
	}
}

func TestApplyTransaction_ConcurrentSameAccount(t *testing.T) {
	f := newFixture(t)
	acc := testutil.AccountID()
	f.grant(t, acc, 10)

	const workers = 20
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ledger.ApplyTransaction(context.Background(), TransactionRequest{
				AccountID:   acc,
				Kind:        model.TransactionKindUsage,
				Amount:      -1,
				ReferenceID: fmt.Sprintf("use-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientBalance):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok != 10 || rejected != 10 {
		t.Errorf("ok=%d rejected=%d, want 10/10", ok, rejected)
	}
	b := testutil.Balance(t, f.db, acc)
	if b.AvailableCredits != 0 || b.UsedCredits != 10 {
		t.Errorf("balance = %+v", b)
	}
	f.assertInvariant(t, acc)
}

func TestApplyTransaction_OtherAccountNotBlocked(t *testing.T) {
	f := newFixture(t)
	held := testutil.AccountID()
	other := testutil.AccountID()

	l := lock.NewDistributedLock(f.rdb, lock.AccountLockKey(held), "someone-else", time.Minute)
	if ok, err := l.TryLock(context.Background()); err != nil || !ok {
		t.Fatalf("TryLock: %v %v", ok, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.ledger.Grant(ctx, other, 3, "unblocked", ""); err != nil {
		t.Fatalf("grant on other account blocked: %v", err)
	}
}

func TestApplyTransaction_LockContention(t *testing.T) {
	f := newFixture(t)
	acc := testutil.AccountID()
	f.ledger.locker = lock.NewAccountLocker(f.rdb, time.Minute, time.Millisecond, 3)

	l := lock.NewDistributedLock(f.rdb, lock.AccountLockKey(acc), "someone-else", time.Minute)
	if ok, err := l.TryLock(context.Background()); err != nil || !ok {
		t.Fatalf("TryLock: %v %v", ok, err)
	}

	_, err := f.ledger.Grant(testContext(t), acc, 1, "blocked", "")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if n := testutil.CountTransactions(t, f.db, acc); n != 0 {
		t.Errorf("transactions = %d, want 0", n)
	}

	// 锁释放后重试同一请求即可成功
	if err := l.Unlock(context.Background()); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := f.ledger.Grant(testContext(t), acc, 1, "retry", ""); err != nil {
		t.Fatalf("Grant after unlock: %v", err)
	}
}

func TestApplyTransaction_RedisDown(t *testing.T) {
	f := newFixture(t)
	acc := testutil.AccountID()
	client := redis.NewClient(&redis.Options{Addr: f.mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	f.ledger.locker = lock.NewAccountLocker(client, time.Minute, time.Millisecond, 3)
	f.mr.Close()

	_, err := f.ledger.Grant(testContext(t), acc, 1, "down", "")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
}

func TestReplay_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	acc := testutil.AccountID()

	steps := []TransactionRequest{
		{AccountID: acc, Kind: model.TransactionKindGrant, Amount: 10},
		{AccountID: acc, Kind: model.TransactionKindBonus, Amount: 5},
		{AccountID: acc, Kind: model.TransactionKindUsage, Amount: -3, ReferenceID: "s1"},
		{AccountID: acc, Kind: model.TransactionKindRefund, Amount: 1, ReferenceID: "s1"},
		{AccountID: acc, Kind: model.TransactionKindAdjustment, Amount: -2},
		{AccountID: acc, Kind: model.TransactionKindExpiration, Amount: -4},
		{AccountID: acc, Kind: model.TransactionKindAdjustment, Amount: 2},
	}
	for _, req := range steps {
		if _, err := f.ledger.ApplyTransaction(ctx, req); err != nil {
			t.Fatalf("ApplyTransaction %+v: %v", req, err)
		}
	}

	report, err := f.ledger.Replay(ctx, acc)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	want := Balance{AccountID: acc, Total: 18, Used: 9, Available: 9}
	if report.Replayed != want || report.Materialized != want || report.Drift {
		t.Errorf("report = %+v, want %+v without drift", report, want)
	}

	// 绕过账本直接改余额，应当被对账发现
	f.db.Model(&model.CreditBalance{}).Where("account_id = ?", acc).Update("available_credits", 100)
	report, err = f.ledger.Replay(ctx, acc)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !report.Drift {
		t.Error("expected drift after direct balance update")
	}
}

func TestReplay_ConcurrentGrantsNoFalseDrift(t *testing.T) {
	f := newFixture(t)
	acc := testutil.AccountID()

	const grants = 100
	var (
		wg      sync.WaitGroup
		done    = make(chan struct{})
		replays int
		drifts  int
	)

	replayDone := make(chan struct{})
	go func() {
		defer close(replayDone)
		for {
			select {
			case <-done:
				return
			default:
			}
			report, err := f.ledger.Replay(context.Background(), acc)
			if err != nil {
				t.Errorf("Replay: %v", err)
				return
			}
			replays++
			if report.Drift {
				drifts++
			}
		}
	}()

	for i := 0; i < grants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.ledger.Grant(context.Background(), acc, 1, "grant", fmt.Sprintf("g-%d", i)); err != nil {
				t.Errorf("Grant: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(done)
	<-replayDone

	if drifts != 0 {
		t.Errorf("replay reported drift %d of %d times on a consistent ledger", drifts, replays)
	}
	b := testutil.Balance(t, f.db, acc)
	if b.AvailableCredits != grants {
		t.Errorf("available = %d, want %d", b.AvailableCredits, grants)
	}
	f.assertInvariant(t, acc)
}

func TestGetTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	acc := testutil.AccountID()

	trans, err := f.ledger.Grant(ctx, acc, 3, "purchase", "order-1")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	got, err := f.ledger.GetTransaction(ctx, acc, trans.TransactionNo)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.Amount != 3 || got.Kind != model.TransactionKindGrant {
		t.Errorf("transaction = %+v", got)
	}

	if _, err := f.ledger.GetTransaction(ctx, testutil.AccountID(), trans.TransactionNo); !errors.Is(err, ErrNotFound) {
		t.Errorf("other account: err = %v, want ErrNotFound", err)
	}
	if _, err := f.ledger.GetTransaction(ctx, acc, "TXN-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}
	if _, err := f.ledger.GetTransaction(ctx, acc, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty: err = %v, want ErrInvalidArgument", err)
	}
}

func TestListTransactions_Pagination(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	acc := testutil.AccountID()
	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Second)
		f.grant(t, acc, int64(i+1))
	}

	page, total, err := f.ledger.ListTransactions(ctx, acc, 1, 2)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("total=%d len=%d", total, len(page))
	}
	if page[0].Amount != 5 || page[1].Amount != 4 {
		t.Errorf("expected newest first, got %d, %d", page[0].Amount, page[1].Amount)
	}

	last, _, err := f.ledger.ListTransactions(ctx, acc, 3, 2)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(last) != 1 || last[0].Amount != 1 {
		t.Errorf("last page = %+v", last)
	}
}
