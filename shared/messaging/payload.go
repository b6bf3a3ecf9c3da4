package messaging

// NotificationStatus - итог генерации для push-уведомления
type NotificationStatus string

const (
	NotificationStatusSuccess   NotificationStatus = "success"
	NotificationStatusError     NotificationStatus = "error"
	NotificationStatusCancelled NotificationStatus = "cancelled"
)

// NotificationPayload - данные, отправляемые в очередь push-уведомлений при завершении генерации
type NotificationPayload struct {
	GenerationID string             `json:"generationId"`
	UserID       string             `json:"userId"`
	Status       NotificationStatus `json:"status"`
	VideoURL     string             `json:"videoUrl,omitempty"`
	ErrorDetails string             `json:"errorDetails,omitempty"`
	Model        string             `json:"model"`
	TraceID      string             `json:"traceId"`
}
