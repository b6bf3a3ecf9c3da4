package models

import (
	"context"
	"errors"
	"net"
)

// Application-wide standard errors
var (
	// Common Resource/Store Errors
	ErrNotFound         = errors.New("resource not found")
	ErrJobNotFound      = errors.New("job not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrAlreadyApplied   = errors.New("terminal status already applied")

	// Authentication Errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Token Errors
	ErrTokenInvalid   = errors.New("token is invalid")
	ErrTokenMalformed = errors.New("token is malformed")
	ErrTokenExpired   = errors.New("token has expired")

	// Queue & Job Errors
	ErrJobTerminal = errors.New("job is already in a terminal state")
	ErrQueuePaused = errors.New("queue is paused")

	// Admission Errors
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrTierNotAllowed      = errors.New("subscription tier does not allow this request")

	// Generation Errors
	ErrValidation          = errors.New("validation failed")
	ErrPollTimeout         = errors.New("prediction polling timed out")
	ErrProviderFailed      = errors.New("provider reported failure")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrWebhookSignature    = errors.New("invalid webhook signature")

	// General Request/Server Errors
	ErrInternalServer = errors.New("internal server error")
	ErrBadRequest     = errors.New("bad request")
)

// ErrorKind - класс ошибки для политики повторов и ответа клиенту.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindAdmission  ErrorKind = "admission"
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindProvider   ErrorKind = "provider"
	ErrorKindCancelled  ErrorKind = "cancelled"
	ErrorKindInternal   ErrorKind = "internal"
)

// RetryableError реализуют ошибки, которые сами знают, можно ли их повторять (например, ответы провайдера).
type RetryableError interface {
	error
	Retryable() bool
}

// ClassifyError относит ошибку к одному из классов ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	case errors.Is(err, ErrValidation), errors.Is(err, ErrBadRequest):
		return ErrorKindValidation
	case errors.Is(err, ErrInsufficientCredits), errors.Is(err, ErrTierNotAllowed):
		return ErrorKindAdmission
	case errors.Is(err, ErrPollTimeout), errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrProviderUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTransient
	case errors.Is(err, ErrProviderFailed):
		return ErrorKindProvider
	}

	var re RetryableError
	if errors.As(err, &re) {
		if re.Retryable() {
			return ErrorKindTransient
		}
		return ErrorKindProvider
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorKindTransient
	}
	return ErrorKindInternal
}

// IsTransient сообщает, можно ли повторить операцию, завершившуюся ошибкой err.
func IsTransient(err error) bool {
	return ClassifyError(err) == ErrorKindTransient
}
