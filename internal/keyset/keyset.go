// Package keyset 实现一个线程安全、带 TTL 的内存键集合，用于幂等键校验、
// 重复事件抑制和简单的请求去抖。
package keyset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrClosed 表示集合已被关闭，不再接受新的键。
	ErrClosed = errors.New("key set is closed")

	// ErrNegativeTTL 表示调用方传入了负数 TTL。
	ErrNegativeTTL = errors.New("ttl must not be negative")
)

// entry 是集合中一个存活键的记录，独占一个过期定时器。
type entry struct {
	timer *time.Timer
	fired chan struct{} // 过期回调执行完毕后关闭
}

// KeySet 是一个带过期时间的并发安全键集合。
//
// 每个键拥有一个 time.AfterFunc 定时器。显式 Remove 与定时器回调都通过
// removeIfPresent 删除条目，并以条目指针作为身份校验，因此同一个条目
// 只会被删除一次，过期回调也不会误删已被重新插入的键。
//
// 关闭后 TryInsert 和 Insert 返回 ErrClosed，Remove 为空操作，
// Contains 始终返回 false。
type KeySet struct {
	mu     sync.RWMutex
	items  map[string]*entry
	closed bool

	logger  *slog.Logger
	metrics *Metrics
	onEmpty func() // 删除使集合变空后调用，不持有锁
}

// Option 用于定制 KeySet。
type Option func(*KeySet)

// WithLogger 设置 KeySet 使用的日志记录器，默认为 slog.Default()。
func WithLogger(logger *slog.Logger) Option {
	return func(s *KeySet) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics 让多个 KeySet 共享同一个指标实例。
func WithMetrics(m *Metrics) Option {
	return func(s *KeySet) {
		if m != nil {
			s.metrics = m
		}
	}
}

// withOnEmpty 注册集合因删除或过期变空时的回调，供 Provider 回收作用域。
func withOnEmpty(fn func()) Option {
	return func(s *KeySet) {
		s.onEmpty = fn
	}
}

// New 创建一个空的 KeySet。
func New(opts ...Option) *KeySet {
	s := &KeySet{
		items:  make(map[string]*entry),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	return s
}

// Contains 判断键当前是否存在。
func (s *KeySet) Contains(key string) bool {
	s.mu.RLock()
	_, found := s.items[key]
	s.mu.RUnlock()
	return found
}

// TryInsert 原子地检查并插入键。
// 对同一个不存在的键并发调用时，只有一个调用方会得到 true。
// 键已存在时不修改其剩余 TTL。
func (s *KeySet) TryInsert(key string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		s.metrics.RecordRejected()
		return false, fmt.Errorf("try insert %q: %w", key, ErrNegativeTTL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	if _, found := s.items[key]; found {
		s.metrics.RecordDuplicate()
		return false, nil
	}

	s.items[key] = s.schedule(key, ttl)
	s.metrics.RecordInserted()
	return true, nil
}

// Insert 无条件插入键。键已存在时先停止旧定时器再登记新的，
// 保证任意时刻每个键最多只有一个待触发的定时器。
func (s *KeySet) Insert(key string, ttl time.Duration) error {
	if ttl < 0 {
		s.metrics.RecordRejected()
		return fmt.Errorf("insert %q: %w", key, ErrNegativeTTL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if old, found := s.items[key]; found {
		// 旧回调若已开始执行，会因身份校验失败而放弃删除
		old.timer.Stop()
		s.metrics.RecordReplaced()
		s.logger.Debug("键已存在，重新计时", "key", key, "ttl", ttl.String())
	} else {
		s.metrics.RecordInserted()
	}

	s.items[key] = s.schedule(key, ttl)
	return nil
}

// Remove 移除键并取消其过期定时器。键不存在或集合已关闭时为空操作。
func (s *KeySet) Remove(key string) {
	e, ok, empty := s.removeIfPresent(key, nil)
	if !ok {
		return
	}
	e.timer.Stop()
	s.metrics.RecordRemoved()
	if empty && s.onEmpty != nil {
		s.onEmpty()
	}
}

// Len 返回当前存活的键数量。
func (s *KeySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Stats 返回当前指标快照。
func (s *KeySet) Stats() Snapshot {
	snap := s.metrics.GetSnapshot()
	snap.LiveKeys = int64(s.Len())
	return snap
}

// Close 取消所有待触发的定时器并清空集合。可重复调用。
func (s *KeySet) Close() error {
	items := s.detach()
	if items == nil {
		return nil
	}

	cancelled := 0
	for _, e := range items {
		if e.timer.Stop() {
			cancelled++
		}
	}
	s.metrics.RecordCancelled(int64(cancelled))
	s.logger.Debug("键集合已关闭", "cancelled", cancelled, "total", len(items))
	return nil
}

// CloseContext 与 Close 产生相同的最终状态，但对于已经开始执行的过期回调，
// 会等待其执行完毕后再返回。等待期间不持有锁。
// ctx 结束时返回其错误，此时所有定时器均已停止，集合也已清空。
func (s *KeySet) CloseContext(ctx context.Context) error {
	items := s.detach()
	if items == nil {
		return nil
	}

	var inflight []*entry
	for _, e := range items {
		if !e.timer.Stop() {
			inflight = append(inflight, e)
		}
	}
	cancelled := len(items) - len(inflight)
	s.metrics.RecordCancelled(int64(cancelled))

	for _, e := range inflight {
		select {
		case <-e.fired:
		case <-ctx.Done():
			return fmt.Errorf("wait for expiration callbacks: %w", ctx.Err())
		}
	}

	s.logger.Debug("键集合已关闭", "cancelled", cancelled, "awaited", len(inflight))
	return nil
}

// schedule 为键创建条目和过期定时器。调用方必须持有写锁。
func (s *KeySet) schedule(key string, ttl time.Duration) *entry {
	e := &entry{fired: make(chan struct{})}
	e.timer = time.AfterFunc(ttl, func() {
		s.expire(key, e)
	})
	return e
}

// expire 是定时器回调，只删除由自己登记的那个条目。
func (s *KeySet) expire(key string, e *entry) {
	defer close(e.fired)

	if _, ok, empty := s.removeIfPresent(key, e); ok {
		s.metrics.RecordExpired()
		s.logger.Debug("键已过期并删除", "key", key)
		if empty && s.onEmpty != nil {
			s.onEmpty()
		}
		return
	}
	s.logger.Debug("过期回调被抢先，忽略", "key", key)
}

// removeIfPresent 是 Remove 与过期回调共用的原子删除原语。
// want 非空时仅当 map 中的条目就是 want 才删除。empty 报告删除后集合是否为空。
func (s *KeySet) removeIfPresent(key string, want *entry) (e *entry, ok, empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.items[key]
	if !found || (want != nil && e != want) {
		return nil, false, false
	}
	delete(s.items, key)
	return e, true, len(s.items) == 0
}

// closeIfEmpty 仅在集合为空时将其标记为已关闭。
// 检查与关闭在同一把锁内完成，不会丢弃并发插入的键。
func (s *KeySet) closeIfEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.items) > 0 {
		return false
	}
	s.closed = true
	return true
}

// detach 将集合标记为已关闭并取走全部条目。已关闭时返回 nil。
func (s *KeySet) detach() map[string]*entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	items := s.items
	s.items = make(map[string]*entry)
	return items
}
