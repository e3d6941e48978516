package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"keyguard/configs"
	"keyguard/internal/keyset"
	"keyguard/internal/middleware"
)

// Router 封装了网关的路由逻辑和依赖项。
type Router struct {
	mux      *http.ServeMux
	provider *keyset.Provider
	keyCfg   configs.KeySetConfig
}

// KeyResponse 是键管理接口的 JSON 响应。
type KeyResponse struct {
	Key      string `json:"key"`
	Scope    string `json:"scope,omitempty"`
	Present  bool   `json:"present"`
	Inserted *bool  `json:"inserted,omitempty"`
	TTLMs    int64  `json:"ttl_ms,omitempty"`
}

// NewRouter 创建一个新的路由器，配置所有路由，并将其作为 http.Handler 返回。
// 管理接口以外的请求全部交给反向代理。
func NewRouter(cfg *configs.Config, provider *keyset.Provider) (http.Handler, error) {
	proxyHandler, err := NewProxy(cfg)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	r := &Router{
		mux:      mux,
		provider: provider,
		keyCfg:   cfg.KeySet,
	}

	mux.HandleFunc("GET /keyguard/api/v1/keys/{key...}", r.getKeyHandler())
	mux.HandleFunc("POST /keyguard/api/v1/keys/{key...}", r.insertKeyHandler())
	mux.HandleFunc("DELETE /keyguard/api/v1/keys/{key...}", r.removeKeyHandler())
	mux.HandleFunc("DELETE /keyguard/api/v1/scopes/{scope}", r.releaseScopeHandler())
	mux.HandleFunc("GET /keyguard/api/v1/stats", r.statsHandler())
	mux.Handle("/", proxyHandler) // 默认捕获所有其他请求

	return r, nil
}

// ServeHTTP 使 Router 实现 http.Handler 接口。
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// getKeyHandler 查询键是否存在。
func (r *Router) getKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		key := req.PathValue("key")
		scope := req.URL.Query().Get("scope")

		if r.provider.Closed() {
			writeKeySetError(w, req, keyset.ErrClosed)
			return
		}

		// 查询不创建作用域，不存在的作用域视为键不存在
		ks, found := r.provider.Lookup(scope)
		present := found && ks.Contains(key)
		writeJSON(w, http.StatusOK, KeyResponse{Key: key, Scope: scope, Present: present})
	}
}

// insertKeyHandler 插入键。mode=try（默认）只在键不存在时插入，mode=set 无条件覆盖。
func (r *Router) insertKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		key := req.PathValue("key")
		query := req.URL.Query()
		scope := query.Get("scope")

		ttl, err := r.parseTTL(query.Get("ttl_ms"))
		if err != nil {
			middleware.WriteJSONError(w, req, http.StatusBadRequest, "invalid_ttl", err.Error())
			return
		}

		mode := query.Get("mode")
		if mode != "" && mode != "try" && mode != "set" {
			middleware.WriteJSONError(w, req, http.StatusBadRequest, "invalid_mode", "mode must be \"try\" or \"set\"")
			return
		}

		var inserted bool
		err = r.provider.Do(scope, func(v keyset.KeyValidator) error {
			if mode == "set" {
				inserted = true
				return v.Insert(key, ttl)
			}
			var err error
			inserted, err = v.TryInsert(key, ttl)
			return err
		})
		if err != nil {
			writeKeySetError(w, req, err)
			return
		}

		resp := KeyResponse{Key: key, Scope: scope, Present: true, Inserted: &inserted, TTLMs: ttl.Milliseconds()}
		if !inserted {
			resp.TTLMs = 0
			writeJSON(w, http.StatusConflict, resp)
			return
		}
		slog.Debug("键已通过 API 插入", "key", key, "scope", scope, "ttl", ttl.String())
		writeJSON(w, http.StatusCreated, resp)
	}
}

// removeKeyHandler 删除键，键不存在时同样返回 204。
func (r *Router) removeKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.provider.Closed() {
			writeKeySetError(w, req, keyset.ErrClosed)
			return
		}
		if ks, found := r.provider.Lookup(req.URL.Query().Get("scope")); found {
			ks.Remove(req.PathValue("key"))
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// releaseScopeHandler 释放一个作用域的全部键。
func (r *Router) releaseScopeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := r.provider.Release(req.PathValue("scope")); err != nil {
			writeKeySetError(w, req, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// statsHandler 返回键集合指标快照。
func (r *Router) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, r.provider.Stats())
	}
}

// parseTTL 解析 ttl_ms 参数，为空时使用默认 TTL。
func (r *Router) parseTTL(raw string) (time.Duration, error) {
	if raw == "" {
		return r.keyCfg.DefaultTTL(), nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New("ttl_ms must be an integer")
	}
	if ms < 0 {
		return 0, errors.New("ttl_ms must not be negative")
	}
	limit := configs.MaxDurationMillis
	if r.keyCfg.MaxTTLMillis > 0 {
		limit = min(limit, int64(r.keyCfg.MaxTTLMillis))
	}
	// 先比较毫秒数再换算，避免乘法溢出
	if ms > limit {
		return 0, fmt.Errorf("ttl_ms exceeds the maximum of %d", limit)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func writeKeySetError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, keyset.ErrClosed):
		middleware.WriteJSONError(w, req, http.StatusServiceUnavailable, "service_unavailable", "Key set is shutting down.")
	case errors.Is(err, keyset.ErrNegativeTTL):
		middleware.WriteJSONError(w, req, http.StatusBadRequest, "invalid_ttl", err.Error())
	default:
		middleware.WriteJSONError(w, req, http.StatusInternalServerError, "internal_error", "Key set operation failed.")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}
