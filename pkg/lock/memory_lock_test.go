package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("second acquire fails fast while held", func(t *testing.T) {
		l := NewMemoryLocker()
		lease, ok, err := l.TryAcquire(ctx, "pi_1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = l.TryAcquire(ctx, "pi_1", time.Minute)
		assert.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, lease.Release(ctx))
		_, ok, _ = l.TryAcquire(ctx, "pi_1", time.Minute)
		assert.True(t, ok)
	})

	t.Run("expired lease can be taken over", func(t *testing.T) {
		l := NewMemoryLocker()
		now := time.Now()
		l.now = func() time.Time { return now }

		stale, ok, _ := l.TryAcquire(ctx, "pi_2", time.Second)
		require.True(t, ok)

		now = now.Add(2 * time.Second)
		_, ok, _ = l.TryAcquire(ctx, "pi_2", time.Second)
		require.True(t, ok)

		// 过期持有者释放不能删掉新持有者的锁
		assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
		_, ok, _ = l.TryAcquire(ctx, "pi_2", time.Second)
		assert.False(t, ok)
	})

	t.Run("only one concurrent winner", func(t *testing.T) {
		l := NewMemoryLocker()
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok, _ := l.TryAcquire(ctx, "pi_3", time.Minute); ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})
}
