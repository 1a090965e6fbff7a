package authkit

import "errors"

var (
	// ErrUserNotFound indicates no user matched the provided id or email.
	ErrUserNotFound = errors.New("credential_store.not_found")
	// ErrRefreshHashConflict indicates the stored refresh hash changed since it was read.
	ErrRefreshHashConflict = errors.New("credential_store.refresh_hash_conflict")
	// ErrEmailTaken indicates another user already owns the email.
	ErrEmailTaken = errors.New("credential_store.email_taken")
	// ErrInvalidUserID indicates a non-positive user id.
	ErrInvalidUserID = errors.New("credential_store.invalid_user_id")
)
