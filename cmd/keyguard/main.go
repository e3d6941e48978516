package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"keyguard/configs"
	"keyguard/internal/gateway"
	"keyguard/internal/keyset"
	"keyguard/internal/middleware"
)

func main() {
	// 加载配置
	config, err := configs.LoadConfig()
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}

	closeLogs, err := setupLogger(config.Log)
	if err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	defer closeLogs()

	// 初始化键集合
	provider, err := gateway.NewKeySetFactory(config.KeySet)
	if err != nil {
		slog.Error("无法初始化键集合", "error", err)
		os.Exit(1)
	}

	router, err := gateway.NewRouter(&config, provider)
	if err != nil {
		slog.Error("无法创建网关路由", "error", err)
		os.Exit(1)
	}

	// 应用中间件
	// 顺序: Recovery -> SecurityHeaders -> RequestID -> Logging -> HealthCheck -> Idempotency -> Router
	idempotency := middleware.Idempotency(provider, config.Idempotency, config.KeySet.DefaultTTL())
	handler := middleware.Recovery(
		middleware.SecurityHeadersMiddleware(
			middleware.RequestID(
				middleware.Logging(
					middleware.HealthCheck(provider.Closed)(idempotency(router))))))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go keyset.LogPeriodically(ctx, provider, config.Metrics.LogInterval())

	addr := ":" + config.Server.Port
	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	serveErr := make(chan error, 1)
	go func() {
		if config.Server.TLSCertPath != "" && config.Server.TLSKeyPath != "" {
			slog.Info("KeyGuard 开始启动 (HTTPS)", "addr", addr)
			serveErr <- server.ListenAndServeTLS(config.Server.TLSCertPath, config.Server.TLSKeyPath)
			return
		}
		slog.Info("KeyGuard 开始启动", "addr", addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("无法启动服务器", "error", err)
			_ = provider.Close()
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("收到停止信号，开始优雅关闭", "timeout", config.Server.ShutdownTimeout().String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("关闭 HTTP 服务器失败", "error", err)
	}
	if err := provider.CloseContext(shutdownCtx); err != nil {
		slog.Error("关闭键集合失败", "error", err)
	}
	slog.Info("KeyGuard 已停止")
}

// setupLogger 根据配置初始化全局 slog 日志记录器，返回关闭日志文件的函数。
func setupLogger(cfg configs.LogConfig) (func(), error) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var writers []io.Writer
	var logFiles []*os.File
	for _, path := range cfg.OutputPaths {
		switch path {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				for _, f := range logFiles {
					f.Close()
				}
				return nil, err
			}
			writers = append(writers, logFile)
			logFiles = append(logFiles, logFile)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}
	logWriter := io.MultiWriter(writers...)

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(logWriter, opts)
	} else {
		h = slog.NewTextHandler(logWriter, opts)
	}
	slog.SetDefault(slog.New(h))
	slog.Info("日志系统初始化完成", "level", cfg.LogLevel, "outputs", cfg.OutputPaths, "format", cfg.Format)

	return func() {
		for _, f := range logFiles {
			f.Close()
		}
	}, nil
}
