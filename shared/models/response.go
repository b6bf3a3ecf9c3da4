package models

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse - стандартная структура ответа об ошибке.
// trace_id совпадает с trace id задачи или X-Request-ID запроса, чтобы ошибку можно было найти в логах.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	TraceID string `json:"trace_id"`
}

// NewErrorResponse собирает ErrorResponse; details берется из err, если он не nil.
func NewErrorResponse(message string, err error, traceID string) ErrorResponse {
	resp := ErrorResponse{Error: message, TraceID: traceID}
	if err != nil {
		resp.Details = err.Error()
	}
	return resp
}

// SendJSONError отправляет стандартизированный ответ об ошибке в формате JSON.
func SendJSONError(w http.ResponseWriter, resp ErrorResponse, statusCode int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// SendJSONResponse отправляет успешный ответ в формате JSON.
func SendJSONResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
