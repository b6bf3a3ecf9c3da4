package provider

import (
	"fmt"
	"net/http"
)

// APIError - ответ провайдера с кодом не 2xx.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider %s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Retryable - 400, 401, 403, 404 и 422 не повторяются; 408, 429 и 5xx повторяются.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return false
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= http.StatusInternalServerError
}
