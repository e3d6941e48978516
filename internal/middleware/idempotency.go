// Copyright (c) 2025 wangke <464829928@qq.com>
//
// This software is released under the AGPL-3.0 license.
// For more details, see the LICENSE file in the root directory.

package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"keyguard/configs"
	"keyguard/internal/keyset"
)

const (
	// IdempotencyKeyCtx 是存放幂等键的 context key，供代理转发时读取。
	IdempotencyKeyCtx contextKey = "idempotencyKey"
)

// ValidatorProvider 按作用域取得键集合并执行操作。
type ValidatorProvider interface {
	Do(scope string, fn func(keyset.KeyValidator) error) error
}

// IdempotencyKeyFromContext 返回请求携带的幂等键。
func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(IdempotencyKeyCtx).(string)
	return key, ok && key != ""
}

// Idempotency 返回一个幂等键中间件。
// 对配置中列出的方法，若请求携带幂等键头部，则以 "方法 路径 键" 作为集合键调用 TryInsert：
// 首次出现的请求被放行，TTL 内的重复请求返回 409。
// 开启 ReleaseOnError 时，下游返回 5xx 或发生 panic 会移除该键，允许客户端重试。
func Idempotency(provider ValidatorProvider, cfg configs.IdempotencyConfig, ttl time.Duration) func(http.Handler) http.Handler {
	methods := make(map[string]struct{}, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods[strings.ToUpper(m)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idemKey := r.Header.Get(cfg.Header)
			_, guarded := methods[r.Method]
			if !cfg.Enabled || idemKey == "" || !guarded {
				next.ServeHTTP(w, r)
				return
			}

			scope := ""
			if cfg.ScopeHeader != "" {
				scope = r.Header.Get(cfg.ScopeHeader)
			}

			setKey := r.Method + " " + r.URL.Path + " " + idemKey
			var validator keyset.KeyValidator
			var inserted bool
			err := provider.Do(scope, func(v keyset.KeyValidator) error {
				var err error
				validator = v
				inserted, err = v.TryInsert(setKey, ttl)
				return err
			})
			if err != nil {
				writeValidatorError(w, r, err)
				return
			}
			if !inserted {
				slog.Info("拒绝重复请求", "key", idemKey, "scope", scope, "path", r.URL.Path)
				WriteJSONError(w, r, http.StatusConflict, "duplicate_request",
					"A request with the same idempotency key is already being processed or was recently completed.")
				return
			}

			defer func() {
				if p := recover(); p != nil {
					if cfg.ReleaseOnError {
						validator.Remove(setKey)
					}
					panic(p)
				}
			}()

			rw := newResponseWriter(w)
			ctx := context.WithValue(r.Context(), IdempotencyKeyCtx, idemKey)
			next.ServeHTTP(rw, r.WithContext(ctx))

			if cfg.ReleaseOnError && rw.statusCode >= http.StatusInternalServerError {
				validator.Remove(setKey)
				slog.Debug("下游失败，已释放幂等键", "key", idemKey, "status", rw.statusCode)
			}
		})
	}
}

func writeValidatorError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, keyset.ErrClosed) {
		WriteJSONError(w, r, http.StatusServiceUnavailable, "service_unavailable", "Key set is shutting down.")
		return
	}
	slog.Error("幂等键校验失败", "error", err)
	WriteJSONError(w, r, http.StatusInternalServerError, "internal_error", "Failed to validate idempotency key.")
}
