// 包 srclock 提供按数据源名加锁的跨进程互斥租约。
//
// 凭证刷新可能由 run 与 refresh-credential 两个独立进程触发，
// 进程内互斥不够，锁放在 Redis 上以覆盖跨进程场景。
package srclock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "aquaintel:srclock:"

// ErrAlreadyHeld 表示该源的锁已被其他持有者占用。
var ErrAlreadyHeld = errors.New("source lock already held")

// 只有持有者本人能释放锁，防止误删他人租约。
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Locker 基于 Redis SETNX 租约实现按源互斥。
type Locker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLocker 创建锁管理器，ttl 是租约时长（须大于一次刷新流程的上限）。
func NewLocker(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Locker{rdb: rdb, ttl: ttl}
}

// Lease 是一次成功获取的锁租约，用完必须 Release。
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// TryAcquire 尝试获取某源的锁，已被占用时立即返回 ErrAlreadyHeld。
func (l *Locker) TryAcquire(ctx context.Context, sourceName string) (*Lease, error) {
	key := keyPrefix + sourceName
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", sourceName, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lock for %s: %w", sourceName, ErrAlreadyHeld)
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Acquire 获取某源的锁，被占用时按 poll 间隔轮询直到 ctx 取消。
func (l *Locker) Acquire(ctx context.Context, sourceName string, poll time.Duration) (*Lease, error) {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		lease, err := l.TryAcquire(ctx, sourceName)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrAlreadyHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock for %s: %w", sourceName, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release 释放租约。租约已过期或被他人持有时为无操作。
func (le *Lease) Release(ctx context.Context) error {
	if le == nil {
		return nil
	}
	err := le.locker.rdb.Eval(ctx, releaseScript, []string{le.key}, le.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", le.key, err)
	}
	return nil
}
