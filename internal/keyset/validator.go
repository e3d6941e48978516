// Copyright (c) 2025 wangke <464829928@qq.com>
//
// This software is released under the AGPL-3.0 license.
// For more details, see the LICENSE file in the root directory.

package keyset

import (
	"context"
	"time"
)

// KeyValidator 定义了带过期时间的键集合的通用接口。
// 网关和中间件只依赖此接口，便于在测试中替换实现。
type KeyValidator interface {
	// Contains 判断键当前是否存在（尚未过期或被移除）。
	Contains(key string) bool

	// TryInsert 原子地检查并插入键。键不存在时插入并返回 true；
	// 已存在时不做任何修改并返回 false。
	TryInsert(key string, ttl time.Duration) (bool, error)

	// Insert 无条件插入键，已存在时会先取消旧的过期定时器再重新计时。
	Insert(key string, ttl time.Duration) error

	// Remove 移除键并取消其过期定时器，键不存在时为空操作。
	Remove(key string)

	// Close 取消所有待触发的过期定时器并清空集合。
	Close() error

	// CloseContext 与 Close 效果相同，但会等待每个正在执行的过期回调结束。
	CloseContext(ctx context.Context) error
}

var _ KeyValidator = (*KeySet)(nil)
