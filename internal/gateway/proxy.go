package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"keyguard/configs"
	"keyguard/internal/middleware"
)

// ForwardedKeyHeader 携带已通过校验的幂等键转发给后端。
const ForwardedKeyHeader = "X-KeyGuard-Key"

// NewProxy 创建并返回一个配置好的反向代理处理器
func NewProxy(config *configs.Config) (http.Handler, error) {
	target, err := url.Parse(config.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("无法解析目标 URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("无效的后端 URL: %q", config.BackendURL)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)

	// 确保 Host 头部指向后端，并转发已被接受的幂等键
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = target.Host
		if key, ok := middleware.IdempotencyKeyFromContext(req.Context()); ok {
			req.Header.Set(ForwardedKeyHeader, key)
		}
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.Error("代理请求失败", "backend", target.String(), "path", r.URL.Path, "error", err)
		middleware.WriteJSONError(w, r, http.StatusBadGateway, "bad_gateway", "Backend is unavailable.")
	}

	return proxy, nil
}
