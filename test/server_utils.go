package test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"keyguard/configs"
	"keyguard/internal/gateway"
	"keyguard/internal/keyset"
	"keyguard/internal/middleware"
)

// KeyGuardTestServer 封装了一个运行中的 keyguard 服务器，用于测试
type KeyGuardTestServer struct {
	URL        string
	Server     *http.Server
	BackendURL string // keyguard 代理到的模拟后端 URL
	Config     *configs.Config
	StopFunc   func() // 清理停止服务器的函数
	Provider   *keyset.Provider
}

// NewHandler 按生产环境的顺序组装中间件链。
func NewHandler(cfg *configs.Config, provider *keyset.Provider) (http.Handler, error) {
	router, err := gateway.NewRouter(cfg, provider)
	if err != nil {
		return nil, fmt.Errorf("创建网关路由失败: %w", err)
	}

	idempotency := middleware.Idempotency(provider, cfg.Idempotency, cfg.KeySet.DefaultTTL())
	return middleware.Recovery(
		middleware.SecurityHeadersMiddleware(
			middleware.RequestID(
				middleware.Logging(
					middleware.HealthCheck(provider.Closed)(idempotency(router)))))), nil
}

// StartKeyGuardServer 启动一个带指定配置的 keyguard 服务器用于测试。
// 日志默认被丢弃，不污染标准输出。
func StartKeyGuardServer(cfg *configs.Config) (*KeyGuardTestServer, error) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})))

	provider, err := gateway.NewKeySetFactory(cfg.KeySet)
	if err != nil {
		return nil, fmt.Errorf("初始化键集合失败: %w", err)
	}

	handler, err := NewHandler(cfg, provider)
	if err != nil {
		provider.Close()
		return nil, err
	}

	// 为测试服务器使用一个随机的空闲端口
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("查找空闲端口失败: %w", err)
	}

	server := &http.Server{
		Handler: handler,
		Addr:    listener.Addr().String(),
	}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("keyguard 测试服务器失败", "error", err)
		}
	}()

	stopFunc := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("关闭 keyguard 测试服务器失败", "error", err)
		}
		if err := provider.CloseContext(ctx); err != nil {
			slog.Error("关闭键集合失败", "error", err)
		}
		<-serverDone
	}

	return &KeyGuardTestServer{
		URL:        "http://" + server.Addr,
		Server:     server,
		BackendURL: cfg.BackendURL,
		Config:     cfg,
		StopFunc:   stopFunc,
		Provider:   provider,
	}, nil
}

// MockBackendServer 封装了一个运行中的模拟后端服务器，用于测试
type MockBackendServer struct {
	URL      string
	Server   *httptest.Server
	StopFunc func()
	Requests *RequestLog
}

// RequestLog 记录模拟后端收到的请求，用于测试断言。
type RequestLog struct {
	sync.RWMutex
	Keys  []string // 每个请求携带的 X-KeyGuard-Key
	Count int
}

// Snapshot 返回已记录的请求数和幂等键副本。
func (l *RequestLog) Snapshot() (int, []string) {
	l.RLock()
	defer l.RUnlock()
	return l.Count, append([]string(nil), l.Keys...)
}

// StartMockBackendServer 启动一个简单的模拟后端服务器用于测试。
// /orders 返回 201，/fail 返回 500，其余路径返回纯文本。
func StartMockBackendServer() *MockBackendServer {
	requests := &RequestLog{}
	mux := http.NewServeMux()

	record := func(r *http.Request) {
		requests.Lock()
		requests.Count++
		requests.Keys = append(requests.Keys, r.Header.Get(gateway.ForwardedKeyHeader))
		requests.Unlock()
	}

	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintln(w, `{"status":"created"}`)
	})
	mux.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		http.Error(w, "后端故障", http.StatusInternalServerError)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, "这是一个纯文本内容。")
	})

	server := httptest.NewServer(loggingMiddleware(mux))

	return &MockBackendServer{
		URL:      server.URL,
		Server:   server,
		StopFunc: server.Close,
		Requests: requests,
	}
}

// loggingMiddleware 模拟后端的日志中间件 (与 test-backend 一致)
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		fmt.Fprintf(os.Stderr, "模拟后端: %s %s %v\n", r.Method, r.RequestURI, time.Since(start))
	})
}
