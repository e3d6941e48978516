// Copyright (c) 2025 wangke <464829928@qq.com>
//
// This software is released under the AGPL-3.0 license.
// For more details, see the LICENSE file in the root directory.

package gateway

import (
	"fmt"
	"log/slog"

	"keyguard/configs"
	"keyguard/internal/keyset"
)

// NewKeySetFactory 根据配置创建并返回一个 keyset.Provider。
func NewKeySetFactory(cfg configs.KeySetConfig) (*keyset.Provider, error) {
	lifetime, err := keyset.ParseLifetime(cfg.Lifetime)
	if err != nil {
		return nil, fmt.Errorf("不支持的 key_set 配置: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("正在初始化 KeySet", "lifetime", lifetime, "default_ttl", cfg.DefaultTTL().String())
	return keyset.NewProvider(lifetime, keyset.WithLogger(slog.Default().With("component", "keyset"))), nil
}
