package keyset

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSet(t *testing.T) *KeySet {
	t.Helper()
	ks := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() { _ = ks.Close() })
	return ks
}

func TestKeySet_Contains_NotInserted(t *testing.T) {
	ks := newTestSet(t)

	assert.False(t, ks.Contains("never-seen"))
	assert.False(t, ks.Contains(""))
}

func TestKeySet_TryInsert_NewKey(t *testing.T) {
	ks := newTestSet(t)

	inserted, err := ks.TryInsert("new-key", time.Second)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.True(t, ks.Contains("new-key"))
}

func TestKeySet_TryInsert_Twice(t *testing.T) {
	ks := newTestSet(t)

	first, err := ks.TryInsert("dup", time.Second)
	require.NoError(t, err)
	second, err := ks.TryInsert("dup", time.Second)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, 1, ks.Len())
}

func TestKeySet_TryInsert_KeepsExistingTTL(t *testing.T) {
	ks := newTestSet(t)

	_, err := ks.TryInsert("short", 50*time.Millisecond)
	require.NoError(t, err)

	// 第二次调用给出更长的 TTL，但不应延长原有的过期时间
	inserted, err := ks.TryInsert("short", time.Hour)
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.Eventually(t, func() bool {
		return !ks.Contains("short")
	}, time.Second, 5*time.Millisecond)
}

func TestKeySet_TryInsert_NegativeTTL(t *testing.T) {
	ks := newTestSet(t)

	inserted, err := ks.TryInsert("bad", -time.Millisecond)
	assert.False(t, inserted)
	assert.ErrorIs(t, err, ErrNegativeTTL)
	assert.False(t, ks.Contains("bad"))
	assert.Equal(t, int64(1), ks.Stats().Rejected)
}

func TestKeySet_TryInsert_ZeroTTLExpires(t *testing.T) {
	ks := newTestSet(t)

	inserted, err := ks.TryInsert("zero", 0)
	require.NoError(t, err)
	assert.True(t, inserted)

	assert.Eventually(t, func() bool {
		return !ks.Contains("zero")
	}, time.Second, time.Millisecond)
}

func TestKeySet_TryInsert_ConcurrentSameKey(t *testing.T) {
	ks := newTestSet(t)

	const numGoroutines = 100

	var wins int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			<-start
			inserted, err := ks.TryInsert("contested", time.Second)
			assert.NoError(t, err)
			if inserted {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins, "exactly one goroutine should win the insert")
	assert.Equal(t, int64(numGoroutines-1), ks.Stats().Duplicates)
}

func TestKeySet_Insert_NewKey(t *testing.T) {
	ks := newTestSet(t)

	require.NoError(t, ks.Insert("added", time.Second))
	assert.True(t, ks.Contains("added"))
}

func TestKeySet_Insert_ReplacesTimer(t *testing.T) {
	ks := newTestSet(t)

	require.NoError(t, ks.Insert("refresh", 40*time.Millisecond))

	ks.mu.RLock()
	old := ks.items["refresh"]
	ks.mu.RUnlock()

	require.NoError(t, ks.Insert("refresh", time.Hour))

	// 旧定时器已被停止，超过其 TTL 后键依然存在
	time.Sleep(100 * time.Millisecond)
	assert.True(t, ks.Contains("refresh"))
	assert.False(t, old.timer.Stop(), "previous timer should already be stopped")
	assert.Equal(t, 1, ks.Len())

	stats := ks.Stats()
	assert.Equal(t, int64(1), stats.Inserted)
	assert.Equal(t, int64(1), stats.Replaced)
	assert.Equal(t, int64(0), stats.Expired)
}

func TestKeySet_Insert_NegativeTTL(t *testing.T) {
	ks := newTestSet(t)

	require.NoError(t, ks.Insert("kept", time.Hour))

	err := ks.Insert("kept", -time.Second)
	assert.ErrorIs(t, err, ErrNegativeTTL)
	assert.True(t, ks.Contains("kept"), "rejected insert must not touch the existing entry")
}

func TestKeySet_Remove(t *testing.T) {
	ks := newTestSet(t)

	require.NoError(t, ks.Insert("gone", time.Second))
	ks.Remove("gone")

	assert.False(t, ks.Contains("gone"))

	// 重复删除与删除不存在的键都是空操作
	ks.Remove("gone")
	ks.Remove("never-existed")
	assert.False(t, ks.Contains("gone"))
	assert.Equal(t, int64(1), ks.Stats().Removed)
}

func TestKeySet_Remove_AllowsReinsert(t *testing.T) {
	ks := newTestSet(t)

	inserted, err := ks.TryInsert("again", time.Second)
	require.NoError(t, err)
	require.True(t, inserted)

	ks.Remove("again")

	inserted, err = ks.TryInsert("again", time.Second)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestKeySet_Expire_RemovesKey(t *testing.T) {
	ks := newTestSet(t)

	require.NoError(t, ks.Insert("A", 500*time.Millisecond))
	assert.True(t, ks.Contains("A"))

	time.Sleep(1000 * time.Millisecond)

	assert.False(t, ks.Contains("A"))
	assert.Equal(t, int64(1), ks.Stats().Expired)
}

func TestKeySet_Expire_StaleCallbackKeepsNewEntry(t *testing.T) {
	ks := newTestSet(t)

	// 手工登记一个条目，然后模拟它的回调在键被重新插入后才执行
	ks.mu.Lock()
	stale := ks.schedule("reused", time.Hour)
	ks.items["reused"] = stale
	ks.mu.Unlock()

	ks.Remove("reused")
	require.NoError(t, ks.Insert("reused", time.Hour))

	ks.expire("reused", stale)

	assert.True(t, ks.Contains("reused"), "stale callback must not evict the newer entry")
	assert.Equal(t, int64(0), ks.Stats().Expired)
}

func TestKeySet_ScenarioTryInsertRemove(t *testing.T) {
	ks := newTestSet(t)

	inserted, err := ks.TryInsert("B", 1000*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = ks.TryInsert("B", 1000*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, inserted)

	ks.Remove("B")
	assert.False(t, ks.Contains("B"))
}

func TestKeySet_ScenarioConcurrentThenExpire(t *testing.T) {
	ks := newTestSet(t)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := ks.TryInsert("C", 1000*time.Millisecond); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.True(t, ks.Contains("C"))

	time.Sleep(2000 * time.Millisecond)
	assert.False(t, ks.Contains("C"))
}

func TestKeySet_ParallelDistinctKeys(t *testing.T) {
	ks := newTestSet(t)

	keys := []string{"key1", "key2", "key3", "key4", "key5"}

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			inserted, err := ks.TryInsert(key, 200*time.Millisecond)
			assert.NoError(t, err)
			assert.True(t, inserted)
		}(key)
	}
	wg.Wait()

	for _, key := range keys {
		assert.True(t, ks.Contains(key))
	}

	assert.Eventually(t, func() bool {
		return ks.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKeySet_ConcurrentMixedOperations(t *testing.T) {
	ks := newTestSet(t)

	const numGoroutines = 50
	const opsPerGoroutine = 200

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				key := fmt.Sprintf("key-%d", (id+j)%17)
				switch j % 4 {
				case 0:
					_, _ = ks.TryInsert(key, time.Duration(j%5)*time.Millisecond)
				case 1:
					_ = ks.Insert(key, time.Millisecond)
				case 2:
					ks.Remove(key)
				default:
					ks.Contains(key)
				}
			}
		}(i)
	}
	wg.Wait()

	// 所有键的 TTL 都很短，最终应全部过期
	assert.Eventually(t, func() bool {
		return ks.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKeySet_Close_CancelsTimers(t *testing.T) {
	ks := newTestSet(t)

	require.NoError(t, ks.Insert("test-key-1", 100*time.Millisecond))
	require.NoError(t, ks.Insert("test-key-2", 100*time.Millisecond))

	require.NoError(t, ks.Close())

	assert.False(t, ks.Contains("test-key-1"))
	assert.False(t, ks.Contains("test-key-2"))
	assert.Equal(t, 0, ks.Len())

	time.Sleep(250 * time.Millisecond)
	stats := ks.Stats()
	assert.Equal(t, int64(0), stats.Expired, "no expiration callback should remove anything after close")
	assert.Equal(t, int64(2), stats.Cancelled)
}

func TestKeySet_Close_Idempotent(t *testing.T) {
	ks := newTestSet(t)

	require.NoError(t, ks.Insert("k", time.Hour))
	require.NoError(t, ks.Close())
	require.NoError(t, ks.Close())
	require.NoError(t, ks.CloseContext(context.Background()))

	assert.Equal(t, int64(1), ks.Stats().Cancelled)
}

func TestKeySet_Close_RejectsMutation(t *testing.T) {
	ks := newTestSet(t)
	require.NoError(t, ks.Close())

	inserted, err := ks.TryInsert("late", time.Second)
	assert.False(t, inserted)
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, ks.Insert("late", time.Second), ErrClosed)

	ks.Remove("late")
	assert.False(t, ks.Contains("late"))
	assert.Equal(t, 0, ks.Len())
}

func TestKeySet_CloseContext_SameEndStateAsClose(t *testing.T) {
	ks := newTestSet(t)

	require.NoError(t, ks.Insert("test-key-1", 100*time.Millisecond))
	require.NoError(t, ks.Insert("test-key-2", 100*time.Millisecond))

	require.NoError(t, ks.CloseContext(context.Background()))
	require.NoError(t, ks.CloseContext(context.Background()))

	assert.False(t, ks.Contains("test-key-1"))
	assert.False(t, ks.Contains("test-key-2"))

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int64(0), ks.Stats().Expired)

	_, err := ks.TryInsert("late", time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKeySet_CloseContext_WaitsForInflightCallback(t *testing.T) {
	ks := newTestSet(t)

	// 持有写锁，让 0 TTL 的回调启动后阻塞在 removeIfPresent 上
	ks.mu.Lock()
	e := ks.schedule("inflight", 0)
	ks.items["inflight"] = e
	time.Sleep(20 * time.Millisecond)
	ks.mu.Unlock()

	require.NoError(t, ks.CloseContext(context.Background()))
	assert.False(t, ks.Contains("inflight"))

	assert.Eventually(t, func() bool {
		select {
		case <-e.fired:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestKeySet_CloseContext_HonoursContext(t *testing.T) {
	ks := newTestSet(t)

	// 定时器已停止但回调从未执行，确认信号永远不会到来
	e := &entry{fired: make(chan struct{})}
	e.timer = time.AfterFunc(time.Hour, func() {})
	e.timer.Stop()

	ks.mu.Lock()
	ks.items["stuck"] = e
	ks.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ks.CloseContext(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// 即使等待被中断，集合也已处于关闭状态
	assert.Equal(t, 0, ks.Len())
	assert.ErrorIs(t, ks.Insert("after", time.Second), ErrClosed)
	assert.NoError(t, ks.CloseContext(context.Background()))
}
