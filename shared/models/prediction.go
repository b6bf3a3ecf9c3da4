package models

import (
	"encoding/json"
	"strings"
)

// PredictionStatus - статус выполнения на стороне провайдера.
type PredictionStatus string

const (
	PredictionStarting   PredictionStatus = "starting"
	PredictionProcessing PredictionStatus = "processing"
	PredictionSucceeded  PredictionStatus = "succeeded"
	PredictionFailed     PredictionStatus = "failed"
	PredictionCanceled   PredictionStatus = "canceled"
)

// IsTerminal - succeeded, failed и canceled.
func (s PredictionStatus) IsTerminal() bool {
	return s == PredictionSucceeded || s == PredictionFailed || s == PredictionCanceled
}

// JobStatus переводит статус провайдера в статус задачи.
func (s PredictionStatus) JobStatus() JobStatus {
	switch s {
	case PredictionSucceeded:
		return JobStatusCompleted
	case PredictionFailed:
		return JobStatusFailed
	case PredictionCanceled:
		return JobStatusCancelled
	default:
		return JobStatusProcessing
	}
}

// Prediction - описатель одного запуска на стороне провайдера.
type Prediction struct {
	ID      string            `json:"id"`
	Status  PredictionStatus  `json:"status"`
	Output  PredictionOutput  `json:"output,omitempty"`
	Error   *string           `json:"error,omitempty"`
	Logs    string            `json:"logs,omitempty"`
	Metrics PredictionMetrics `json:"metrics,omitempty"`
}

// PredictionMetrics - метрики выполнения от провайдера.
type PredictionMetrics struct {
	PredictTime float64 `json:"predict_time,omitempty"`
}

// ErrorMessage возвращает текст ошибки провайдера или пустую строку.
func (p Prediction) ErrorMessage() string {
	if p.Error == nil {
		return ""
	}
	return *p.Error
}

// PredictionOutput - ссылка на результат. Провайдер присылает либо строку, либо массив строк.
type PredictionOutput string

// UnmarshalJSON принимает строку, массив строк или null.
func (o *PredictionOutput) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*o = ""
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var urls []string
		if err := json.Unmarshal(data, &urls); err != nil {
			return err
		}
		if len(urls) > 0 {
			*o = PredictionOutput(urls[0])
		} else {
			*o = ""
		}
		return nil
	}
	var url string
	if err := json.Unmarshal(data, &url); err != nil {
		return err
	}
	*o = PredictionOutput(url)
	return nil
}

// WebhookPayload - тело уведомления провайдера о завершении.
type WebhookPayload struct {
	ID     string           `json:"id"`
	Status PredictionStatus `json:"status"`
	Output PredictionOutput `json:"output"`
	Error  *string          `json:"error"`
}
