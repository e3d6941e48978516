package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse 定义了标准 JSON 错误响应格式。
type ErrorResponse struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

// WriteJSONError 向客户端发送一个标准化的 JSON 错误响应。
// 4xx 记为 warn，5xx 记为 error。
func WriteJSONError(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{}
	response.Error.Code = errorCode
	response.Error.Message = message
	response.Error.RequestID = RequestIDFromContext(r.Context())

	level := slog.LevelWarn
	if statusCode >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "HTTP error response sent",
		"method", r.Method,
		"path", r.URL.Path,
		"status", statusCode,
		"code", errorCode,
		"message", message,
		"request_id", response.Error.RequestID,
	)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to encode JSON error response", "error", err)
	}
}
