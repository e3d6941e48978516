// Copyright (c) 2025 wangke <464829928@qq.com>
//
// This software is released under the AGPL-3.0 license.
// For more details, see the LICENSE file in the root directory.

package keyset

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics 键集合运行指标
type Metrics struct {
	// 写入计数
	Inserted   int64 // 新插入的键数
	Duplicates int64 // TryInsert 命中已存在键的次数
	Replaced   int64 // Insert 覆盖已有键的次数
	Rejected   int64 // 因 TTL 非法被拒绝的次数

	// 删除计数
	Removed   int64 // 显式 Remove 删除的键数
	Expired   int64 // 过期回调删除的键数
	Cancelled int64 // 关闭时被取消的定时器数

	StartTime time.Time

	lastUpdate atomic.Int64 // UnixNano
}

// NewMetrics 创建新的指标实例
func NewMetrics() *Metrics {
	now := time.Now()
	m := &Metrics{StartTime: now}
	m.lastUpdate.Store(now.UnixNano())
	return m
}

// RecordInserted 记录一次新插入
func (m *Metrics) RecordInserted() {
	atomic.AddInt64(&m.Inserted, 1)
	m.updateLastTime()
}

// RecordDuplicate 记录一次重复键
func (m *Metrics) RecordDuplicate() {
	atomic.AddInt64(&m.Duplicates, 1)
	m.updateLastTime()
}

// RecordReplaced 记录一次覆盖插入
func (m *Metrics) RecordReplaced() {
	atomic.AddInt64(&m.Replaced, 1)
	m.updateLastTime()
}

// RecordRejected 记录一次非法参数
func (m *Metrics) RecordRejected() {
	atomic.AddInt64(&m.Rejected, 1)
	m.updateLastTime()
}

// RecordRemoved 记录一次显式删除
func (m *Metrics) RecordRemoved() {
	atomic.AddInt64(&m.Removed, 1)
	m.updateLastTime()
}

// RecordExpired 记录一次自动过期
func (m *Metrics) RecordExpired() {
	atomic.AddInt64(&m.Expired, 1)
	m.updateLastTime()
}

// RecordCancelled 记录关闭时取消的定时器数
func (m *Metrics) RecordCancelled(n int64) {
	if n == 0 {
		return
	}
	atomic.AddInt64(&m.Cancelled, n)
	m.updateLastTime()
}

// updateLastTime 更新最后更新时间
func (m *Metrics) updateLastTime() {
	m.lastUpdate.Store(time.Now().UnixNano())
}

// GetSnapshot 获取指标快照
func (m *Metrics) GetSnapshot() Snapshot {
	return Snapshot{
		Inserted:       atomic.LoadInt64(&m.Inserted),
		Duplicates:     atomic.LoadInt64(&m.Duplicates),
		Replaced:       atomic.LoadInt64(&m.Replaced),
		Rejected:       atomic.LoadInt64(&m.Rejected),
		Removed:        atomic.LoadInt64(&m.Removed),
		Expired:        atomic.LoadInt64(&m.Expired),
		Cancelled:      atomic.LoadInt64(&m.Cancelled),
		StartTime:      m.StartTime,
		LastUpdateTime: time.Unix(0, m.lastUpdate.Load()),
	}
}

// Snapshot 指标快照
type Snapshot struct {
	LiveKeys       int64     `json:"live_keys"`
	Inserted       int64     `json:"inserted"`
	Duplicates     int64     `json:"duplicates"`
	Replaced       int64     `json:"replaced"`
	Rejected       int64     `json:"rejected"`
	Removed        int64     `json:"removed"`
	Expired        int64     `json:"expired"`
	Cancelled      int64     `json:"cancelled"`
	StartTime      time.Time `json:"start_time"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

// GetDuplicateRate 获取重复请求比例
func (s Snapshot) GetDuplicateRate() float64 {
	total := s.Inserted + s.Duplicates
	if total == 0 {
		return 0
	}
	return float64(s.Duplicates) / float64(total) * 100
}

// LogStats 记录指标到日志
func (s Snapshot) LogStats() {
	slog.Info("键集合指标",
		"存活键数", s.LiveKeys,
		"插入数", s.Inserted,
		"重复数", s.Duplicates,
		"覆盖数", s.Replaced,
		"拒绝数", s.Rejected,
		"删除数", s.Removed,
		"过期数", s.Expired,
		"取消数", s.Cancelled,
		"重复比例", s.GetDuplicateRate(),
		"运行时长", time.Since(s.StartTime),
	)
}

// StatsSource 是能提供指标快照的对象
type StatsSource interface {
	Stats() Snapshot
}

// LogPeriodically 按 interval 周期性地输出指标和系统内存信息，直到 ctx 结束。
// interval 小于等于 0 时立即返回。
func LogPeriodically(ctx context.Context, src StatsSource, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			src.Stats().LogStats()
			logSystemMetrics()
		case <-ctx.Done():
			return
		}
	}
}

// logSystemMetrics 记录系统内存指标
func logSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	slog.Debug("系统内存指标",
		"当前内存使用", m.Alloc,
		"累计内存分配", m.TotalAlloc,
		"协程数", runtime.NumGoroutine(),
	)
}
