package middleware

import (
	"net/http"
	"strings"
)

// SecurityHeadersMiddleware 为所有响应添加推荐的安全头部。
// 网关自身的管理接口额外禁止缓存，避免键的存在状态被中间代理缓存。
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()

		// 禁止 MIME 类型嗅探
		headers.Set("X-Content-Type-Options", "nosniff")

		// 只允许同源页面嵌入
		headers.Set("X-Frame-Options", "SAMEORIGIN")

		// 显式关闭旧版浏览器的 XSS 过滤器
		headers.Set("X-XSS-Protection", "0")

		if strings.HasPrefix(r.URL.Path, "/keyguard/") {
			headers.Set("Cache-Control", "no-store")
		}

		// 只有在 TLS 连接上才下发 HSTS
		if r.TLS != nil {
			headers.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}
