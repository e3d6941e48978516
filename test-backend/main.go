package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// OrderRequest 定义了下单请求的 JSON 结构
type OrderRequest struct {
	Item     string `json:"item"`
	Quantity int    `json:"quantity"`
}

// OrderResponse 定义了下单成功响应的 JSON 结构
type OrderResponse struct {
	ID             int64  `json:"id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Message        string `json:"message"`
}

type orderStore struct {
	mu     sync.Mutex
	nextID atomic.Int64
	orders map[int64]OrderRequest
}

// ordersHandler 创建订单。网关已过滤重复请求，这里只记录收到的幂等键。
func (s *orderStore) ordersHandler(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id := s.nextID.Add(1)
	s.mu.Lock()
	s.orders[id] = req
	s.mu.Unlock()

	key := r.Header.Get("X-KeyGuard-Key")
	log.Printf("order %d created (idempotency key %q)", id, key)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(OrderResponse{ID: id, IdempotencyKey: key, Message: "Order created"})
}

// countHandler 返回已创建的订单数
func (s *orderStore) countHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.orders)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"orders": n})
}

func main() {
	store := &orderStore{orders: make(map[int64]OrderRequest)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders", store.ordersHandler)
	mux.HandleFunc("GET /api/orders/count", store.countHandler)

	// 应用日志中间件
	loggedMux := loggingMiddleware(mux)

	server := &http.Server{
		Addr:         ":3000",
		Handler:      loggedMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Println("Test backend server starting on :3000")
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

// loggingMiddleware 记录所有请求的信息
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %v", r.Method, r.RequestURI, time.Since(start))
	})
}
