package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"creditsystem/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	db       *gorm.DB
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	clock    *fakeClock
	ledger   *LedgerService
	rules    *RuleService
	sessions *SessionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	mr, rdb := testutil.Redis(t)
	cfg := testutil.Config()
	log := testutil.Logger(t)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	ledger := NewLedgerService(db, testutil.Locker(t, rdb), cfg, log)
	rules := NewRuleService(db, ledger, log)
	sessions := NewSessionService(db, ledger, cfg, log)
	ledger.now = clock.Now
	rules.now = clock.Now
	sessions.now = clock.Now

	return &fixture{
		db:       db,
		mr:       mr,
		rdb:      rdb,
		clock:    clock,
		ledger:   ledger,
		rules:    rules,
		sessions: sessions,
	}
}

// assertInvariant available == total - used 且 available >= 0，且与流水重放一致
func (f *fixture) assertInvariant(t *testing.T, accountID string) {
	t.Helper()
	b := testutil.Balance(t, f.db, accountID)
	if b.AvailableCredits != b.TotalCredits-b.UsedCredits {
		t.Errorf("available %d != total %d - used %d", b.AvailableCredits, b.TotalCredits, b.UsedCredits)
	}
	if b.AvailableCredits < 0 {
		t.Errorf("available went negative: %d", b.AvailableCredits)
	}
	report, err := f.ledger.Replay(testContext(t), accountID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if report.Drift {
		t.Errorf("replay drift: materialized %+v replayed %+v", report.Materialized, report.Replayed)
	}
}

func (f *fixture) grant(t *testing.T, accountID string, amount int64) {
	t.Helper()
	if _, err := f.ledger.Grant(testContext(t), accountID, amount, "test grant", ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
