package authkit

import "context"

// CredentialStore is the auth core's view of persisted users. Implementations
// must make SwapRefreshHash atomic at the row level.
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string, withSecrets bool) (User, error)
	FindByID(ctx context.Context, userID int64, withSecrets bool) (User, error)
	// UpdateRefreshHash overwrites the stored refresh token hash unconditionally.
	UpdateRefreshHash(ctx context.Context, userID int64, refreshTokenHash string) error
	// SwapRefreshHash replaces the hash only while it still equals expectedHash,
	// failing with ErrRefreshHashConflict otherwise.
	SwapRefreshHash(ctx context.Context, userID int64, expectedHash string, refreshTokenHash string) error
	ClearRefreshHash(ctx context.Context, userID int64) error
}

// UserStore extends CredentialStore with the account management used by the users service.
type UserStore interface {
	CredentialStore
	CreateUser(ctx context.Context, user User) (User, error)
	ListUsers(ctx context.Context, roleFilter *Role) ([]User, error)
	UpdateUser(ctx context.Context, userID int64, update UserUpdate) (User, error)
	DeleteUser(ctx context.Context, userID int64) error
}
