package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a learner.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher authors questionnaires and reviews gradings.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin can run diagnostics and manage users.
	UserRoleAdmin UserRole = "admin"
)

// IsValid reports whether r is a known role.
func (r UserRole) IsValid() bool {
	switch r {
	case UserRoleStudent, UserRoleTeacher, UserRoleAdmin:
		return true
	}
	return false
}

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthSession represents a bearer token issued at login.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}
