package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind - имя события на проводе.
type EventKind string

const (
	EventJobQueued    EventKind = "job:queued"
	EventJobStarted   EventKind = "job:started"
	EventJobProgress  EventKind = "job:progress"
	EventJobCompleted EventKind = "job:completed"
	EventJobFailed    EventKind = "job:failed"
	EventJobCancelled EventKind = "job:cancelled"
	EventError        EventKind = "error"
)

// Event - закрытое объединение событий прогресса. Реализации только в этом пакете.
type Event interface {
	Kind() EventKind
	sealed()
}

// JobQueued - задача принята в очередь.
type JobQueued struct {
	Position int `json:"position"`
}

// JobStarted - воркер взял задачу.
type JobStarted struct {
	Attempt int `json:"attempt"`
}

// JobProgress - переход по шагам конвейера.
type JobProgress struct {
	Percent int    `json:"percent"`
	Stage   Stage  `json:"stage"`
	Message string `json:"message,omitempty"`
}

// JobCompleted - видео готово.
type JobCompleted struct {
	VideoURL string `json:"videoUrl"`
}

// JobFailed - попытка завершилась ошибкой. RetryIn (мс) задан, если будет повтор.
type JobFailed struct {
	Error   string    `json:"error"`
	ErrKind ErrorKind `json:"kind,omitempty"`
	RetryIn *int64    `json:"retryIn,omitempty"`
}

// JobCancelled - задача отменена.
type JobCancelled struct{}

// SubscriptionError отправляется клиенту вместо тишины при отказе в подписке.
type SubscriptionError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (JobQueued) Kind() EventKind         { return EventJobQueued }
func (JobStarted) Kind() EventKind        { return EventJobStarted }
func (JobProgress) Kind() EventKind       { return EventJobProgress }
func (JobCompleted) Kind() EventKind      { return EventJobCompleted }
func (JobFailed) Kind() EventKind         { return EventJobFailed }
func (JobCancelled) Kind() EventKind      { return EventJobCancelled }
func (SubscriptionError) Kind() EventKind { return EventError }

func (JobQueued) sealed()         {}
func (JobStarted) sealed()        {}
func (JobProgress) sealed()       {}
func (JobCompleted) sealed()      {}
func (JobFailed) sealed()         {}
func (JobCancelled) sealed()      {}
func (SubscriptionError) sealed() {}

// EventEnvelope - то, что уходит в pub/sub канал и клиенту.
type EventEnvelope struct {
	GenerationID uuid.UUID       `json:"generationId"`
	Event        EventKind       `json:"event"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
	// Seq растет на каждое событие задачи; 0 у событий без номера
	Seq int64 `json:"seq,omitempty"`
}

// NewEnvelope упаковывает событие.
func NewEnvelope(generationID uuid.UUID, ev Event) (EventEnvelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("failed to marshal %s payload: %w", ev.Kind(), err)
	}
	return EventEnvelope{
		GenerationID: generationID,
		Event:        ev.Kind(),
		Payload:      payload,
		Timestamp:    time.Now().UTC(),
	}, nil
}

// Decode возвращает конкретный вариант события.
func (e EventEnvelope) Decode() (Event, error) {
	var ev Event
	switch e.Event {
	case EventJobQueued:
		ev = &JobQueued{}
	case EventJobStarted:
		ev = &JobStarted{}
	case EventJobProgress:
		ev = &JobProgress{}
	case EventJobCompleted:
		ev = &JobCompleted{}
	case EventJobFailed:
		ev = &JobFailed{}
	case EventJobCancelled:
		ev = &JobCancelled{}
	case EventError:
		ev = &SubscriptionError{}
	default:
		return nil, fmt.Errorf("unknown event kind '%s'", e.Event)
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
		}
	}
	return deref(ev), nil
}

func deref(ev Event) Event {
	switch v := ev.(type) {
	case *JobQueued:
		return *v
	case *JobStarted:
		return *v
	case *JobProgress:
		return *v
	case *JobCompleted:
		return *v
	case *JobFailed:
		return *v
	case *JobCancelled:
		return *v
	case *SubscriptionError:
		return *v
	}
	return ev
}
