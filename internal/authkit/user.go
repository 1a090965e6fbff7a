package authkit

import (
	"strings"
	"time"
)

// User is the persisted account record. PasswordHash and RefreshTokenHash are
// populated only when a store is asked for secrets.
type User struct {
	ID               int64
	Name             string
	Email            string
	PasswordHash     string
	Role             Role
	RefreshTokenHash *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PublicUser is the projection of a User safe to return to clients.
type PublicUser struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Public strips secrets from the record.
func (user User) Public() PublicUser {
	return PublicUser{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}

// HasActiveSession reports whether a refresh token hash is stored.
func (user User) HasActiveSession() bool {
	return user.RefreshTokenHash != nil && *user.RefreshTokenHash != ""
}

func (user User) withoutSecrets() User {
	user.PasswordHash = ""
	user.RefreshTokenHash = nil
	return user
}

// NormalizeEmail produces the case-insensitive lookup key for an email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// UserUpdate lists the fields to change; nil pointers are left untouched.
// Changing the password hash revokes the stored refresh token.
type UserUpdate struct {
	Name         *string
	Email        *string
	PasswordHash *string
	Role         *Role
}

// Empty reports whether the update changes nothing.
func (update UserUpdate) Empty() bool {
	return update.Name == nil && update.Email == nil && update.PasswordHash == nil && update.Role == nil
}
