package models

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims - поля JWT, выпускаемого внешним сервисом авторизации.
type Claims struct {
	UserID uuid.UUID        `json:"user_id"`
	Roles  []string         `json:"roles"`
	Tier   SubscriptionTier `json:"tier"`
	jwt.RegisteredClaims
}

const (
	RoleAdmin = "ROLE_ADMIN"
	RoleUser  = "ROLE_USER"
)

// HasRole проверяет, есть ли у пользователя указанная роль.
func HasRole(userRoles []string, targetRole string) bool {
	for _, role := range userRoles {
		if role == targetRole {
			return true
		}
	}
	return false
}
