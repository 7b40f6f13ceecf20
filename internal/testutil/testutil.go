package testutil

import (
	"fmt"
	"testing"
	"time"

	"creditsystem/internal/config"
	"creditsystem/internal/infrastructure/database"
	"creditsystem/internal/infrastructure/lock"
	"creditsystem/internal/infrastructure/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DB 每个测试一个独立的内存 sqlite 库，已完成迁移
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	db, err := database.Open(&config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		LogLevel: "silent",
	})
	if err != nil {
		tb.Fatalf("open test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		tb.Fatalf("migrate test db: %v", err)
	}
	tb.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Redis 进程内 miniredis 与指向它的真实客户端
func Redis(tb testing.TB) (*miniredis.Miniredis, *redis.Client) {
	tb.Helper()
	mr := miniredis.RunT(tb)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tb.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// Locker 测试用账户锁，重试间隔短、次数多，足以覆盖并发测试
func Locker(tb testing.TB, client *redis.Client) *lock.AccountLocker {
	tb.Helper()
	return lock.NewAccountLocker(client, 10*time.Second, 2*time.Millisecond, 5000)
}

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	return logger.NewNop()
}

// Business 测试用业务参数
func Business() config.BusinessConfig {
	return config.BusinessConfig{
		LockTTL:            10 * time.Second,
		LockRetryInterval:  2 * time.Millisecond,
		LockMaxRetries:     5000,
		StoreRetryAttempts: 3,
		StoreRetryInitial:  time.Millisecond,
		StoreRetryMax:      5 * time.Millisecond,
		SessionPendingTTL:  24 * time.Hour,
		SessionMaxActive:   3 * time.Hour,
		SessionJobInterval: time.Minute,
		ReconcileInterval:  time.Minute,
		ReconcileParallel:  2,
		OutboxInterval:     10 * time.Millisecond,
		OutboxMaxRetry:     3,
	}
}

// Topics 测试用 Kafka topic
func Topics() config.KafkaTopicConfig {
	return config.KafkaTopicConfig{
		LedgerEvents:  "credit-ledger-events",
		SessionEvents: "interview-session-events",
	}
}

// AccountID 每个测试独立的账户
func AccountID() string {
	return "acc-" + uuid.NewString()
}

// Config 组装服务层测试需要的配置
func Config() *config.Config {
	return &config.Config{
		Kafka:    config.KafkaConfig{Topic: Topics()},
		Auth:     config.AuthConfig{JWTSecret: "test-secret", Issuer: "creditsystem-test"},
		Business: Business(),
	}
}
