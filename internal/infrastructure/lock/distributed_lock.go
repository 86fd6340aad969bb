package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 巡检可能由定时任务和运维接口同时触发，也可能有多个实例各自跑定时任务。
// 正确性不依赖这把锁（终态条件更新已经保证只会推进一次），
// 锁只是让同一时刻只有一个巡检在轮询供应商，避免重复打外部接口。
//
// 加锁：SET key value NX PX ttl
//   - NX 保证互斥，PX 防止持有者崩溃后锁永远不释放
//   - value 是持有者标识，释放时校验，防止误删别人的锁
//
// 释放锁：Lua 脚本保证"检查+删除"的原子性
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockNotHeld = errors.New("锁已过期或被他人持有")
)

const (
	unlockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     redis.Cmdable
	key        string        // 锁的 key
	value      string        // 锁的持有者标识
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client redis.Cmdable, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

func (l *DistributedLock) Key() string {
	return l.key
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

// Refresh 延长锁的有效期，只有持有者能续期
func (l *DistributedLock) Refresh(ctx context.Context) error {
	n, err := l.client.Eval(ctx, refreshScript, []string{l.key}, l.value, l.expiration.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Unlock 释放锁，value 不匹配时不删除
func (l *DistributedLock) Unlock(ctx context.Context) error {
	_, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// 业务锁
// ============================================================================

// SweepLockKey 巡检全局锁
const SweepLockKey = "reconcile:sweep:lock"

// NewSweepLock 巡检锁，全局一把
func NewSweepLock(client redis.Cmdable, owner string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(client, SweepLockKey, owner, ttl)
}

// NewRepairLock 运维修复锁，按生成任务维度，防止两个运维同时点修复
func NewRepairLock(client redis.Cmdable, generationID, owner string) *DistributedLock {
	key := fmt.Sprintf("repair:lock:generation:%s", generationID)
	return NewDistributedLock(client, key, owner, 30*time.Second)
}
