package middleware

import (
	"log/slog"
	"net"
	"net/http"
)

// HealthCheck 返回一个处理本地健康检查请求的中间件。
// closed 报告键集合是否已关闭，关闭后 /healthz 返回 503，便于负载均衡器摘除实例。
func HealthCheck(closed func() bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/healthz" {
				next.ServeHTTP(w, r)
				return
			}

			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				slog.Warn("健康检查: 无法解析来源地址", "remote_addr", r.RemoteAddr, "error", err)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			// 只允许本地回环地址访问
			if host != "127.0.0.1" && host != "::1" {
				slog.Warn("健康检查: 拒绝来自非本地主机的访问", "host", host)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if closed != nil && closed() {
				http.Error(w, "Shutting down", http.StatusServiceUnavailable)
				return
			}

			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
	}
}
