package models

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	UserContextKey  contextKey = "userID"
	RolesContextKey contextKey = "userRoles"
	TierContextKey  contextKey = "userTier"
	TraceContextKey contextKey = "traceID"
)

// GetUserIDFromContext извлекает UserID из контекста.
func GetUserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserContextKey).(uuid.UUID)
	return userID, ok
}

// GetRolesFromContext извлекает роли пользователя из контекста.
func GetRolesFromContext(ctx context.Context) ([]string, bool) {
	roles, ok := ctx.Value(RolesContextKey).([]string)
	return roles, ok
}

// GetTierFromContext извлекает тариф пользователя. По умолчанию free.
func GetTierFromContext(ctx context.Context) SubscriptionTier {
	if tier, ok := ctx.Value(TierContextKey).(SubscriptionTier); ok && tier != "" {
		return tier
	}
	return TierFree
}

// WithTraceID кладет trace id в контекст.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceContextKey, traceID)
}

// TraceIDFromContext возвращает trace id или пустую строку.
func TraceIDFromContext(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceContextKey).(string)
	return traceID
}
