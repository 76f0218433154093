// Package lock 提供基于 Redis 的分布式锁
//
// 索引器使用该锁保证同一 (chain_id, contract) 检查点在任意时刻
// 只有一个写入者。锁带唯一持有者标识，只有持有者才能释放或续期。
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotHeld 锁未持有
	ErrLockNotHeld = errors.New("lock not held")
	// ErrLockAcquireFailed 获取锁失败
	ErrLockAcquireFailed = errors.New("failed to acquire lock")
)

// releaseScript 只有当 key 的值等于持有者标识时才删除
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// refreshScript 只有当 key 的值等于持有者标识时才续期
var refreshScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisLock Redis 分布式锁
type RedisLock struct {
	client     redis.UniversalClient
	key        string
	value      string
	expiration time.Duration
}

// RedisLocker Redis 分布式锁管理器
type RedisLocker struct {
	client     redis.UniversalClient
	keyPrefix  string
	expiration time.Duration
}

// NewRedisLocker 创建 Redis 分布式锁管理器
func NewRedisLocker(client redis.UniversalClient, keyPrefix string, expiration time.Duration) *RedisLocker {
	if expiration == 0 {
		expiration = 30 * time.Second
	}
	return &RedisLocker{
		client:     client,
		keyPrefix:  keyPrefix,
		expiration: expiration,
	}
}

// NewLock 创建一个新锁
func (l *RedisLocker) NewLock(key string) *RedisLock {
	return &RedisLock{
		client:     l.client,
		key:        l.keyPrefix + key,
		value:      uuid.New().String(),
		expiration: l.expiration,
	}
}

// Acquire 获取锁 (非阻塞)
func (lock *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := lock.client.SetNX(ctx, lock.key, lock.value, lock.expiration).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock failed: %w", err)
	}
	return ok, nil
}

// AcquireWithRetry 获取锁 (带重试)
func (lock *RedisLock) AcquireWithRetry(ctx context.Context, retryInterval time.Duration, maxRetries int) (bool, error) {
	for i := 0; i < maxRetries; i++ {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return false, nil
}

// Release 释放锁 (原子操作，只有持有者才能释放)
func (lock *RedisLock) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, lock.client, []string{lock.key}, lock.value).Int64()
	if err != nil {
		return fmt.Errorf("release lock failed: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Refresh 续期锁 (原子操作，只有持有者才能续期)
func (lock *RedisLock) Refresh(ctx context.Context) error {
	result, err := refreshScript.Run(ctx, lock.client, []string{lock.key}, lock.value, lock.expiration.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh lock failed: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Held 检查当前持有者是否仍持有锁
func (lock *RedisLock) Held(ctx context.Context) (bool, error) {
	val, err := lock.client.Get(ctx, lock.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == lock.value, nil
}
