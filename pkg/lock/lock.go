package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld 释放时锁已过期或被他人持有
var ErrNotHeld = errors.New("lock not held")

// Lease 一次成功获取的独占租约
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker 非阻塞独占租约
// TryAcquire 在锁被占用时立即返回 (nil, false, nil)，不会等待
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
}
