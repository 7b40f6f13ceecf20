package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 账本余额的每一次变更都要先拿到该账户的锁：
//
//	goroutine1: 获取锁 -> 读余额=1 -> 扣 1 -> 余额=0 -> 释放锁
//	goroutine2: 等待... -> 获取锁 -> 读余额=0 -> 余额不足，拒绝
//
// 加锁：SET key value NX PX ttl，value 为持有者标识
// 解锁：Lua 脚本比较 value 后删除，避免删掉别人（锁过期后重新获取）的锁
//
// 锁按账户划分，不同账户互不阻塞
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁持有者标识
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

// ============================================================================
// 账户维度的锁
// ============================================================================

// AccountLockKey 账户锁的 key
func AccountLockKey(accountID string) string {
	return fmt.Sprintf("credit:lock:account:%s", accountID)
}

// AccountLocker 为账本提供按账户串行化的能力
type AccountLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewAccountLocker(client *redis.Client, ttl, retryInterval time.Duration, maxRetries int) *AccountLocker {
	return &AccountLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
	}
}

// Acquire 获取账户锁，返回的 release 必须调用
//
// release 使用脱离取消的 context，请求被取消时锁也能及时释放
func (a *AccountLocker) Acquire(ctx context.Context, accountID string) (func(), error) {
	l := NewDistributedLock(a.client, AccountLockKey(accountID), uuid.NewString(), a.ttl)
	if err := l.Lock(ctx, a.retryInterval, a.maxRetries); err != nil {
		return nil, err
	}
	return func() {
		_ = l.Unlock(context.WithoutCancel(ctx))
	}, nil
}
