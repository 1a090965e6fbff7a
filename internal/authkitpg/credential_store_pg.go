package authkitpg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/fintrack/internal/authkit"
)

const userColumns = `id, name, email, password_hash, role, refresh_token_hash, created_at, updated_at`

// PostgresCredentialStore persists users in PostgreSQL through pgx.
type PostgresCredentialStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCredentialStore constructs a Postgres store. Call EnsureSchema first.
func NewPostgresCredentialStore(pool *pgxpool.Pool) *PostgresCredentialStore {
	return &PostgresCredentialStore{pool: pool}
}

// Driver exposes the driver label.
func (store *PostgresCredentialStore) Driver() string {
	return "pgx"
}

// CreateUser inserts a user and returns it without secrets.
func (store *PostgresCredentialStore) CreateUser(ctx context.Context, user authkit.User) (authkit.User, error) {
	role := user.Role
	if role == "" {
		role = authkit.DefaultRole
	}
	row := store.pool.QueryRow(ctx, `
INSERT INTO users (name, email, password_hash, role)
VALUES ($1, $2, $3, $4)
RETURNING `+userColumns,
		user.Name, authkit.NormalizeEmail(user.Email), user.PasswordHash, string(role))
	created, err := scanUser(row)
	if err != nil {
		return authkit.User{}, wrap("create", err)
	}
	return stripSecrets(created), nil
}

// FindByEmail looks a user up by normalized email.
func (store *PostgresCredentialStore) FindByEmail(ctx context.Context, email string, withSecrets bool) (authkit.User, error) {
	row := store.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, authkit.NormalizeEmail(email))
	user, err := scanUser(row)
	if err != nil {
		return authkit.User{}, wrap("find_email", err)
	}
	if !withSecrets {
		return stripSecrets(user), nil
	}
	return user, nil
}

// FindByID looks a user up by id.
func (store *PostgresCredentialStore) FindByID(ctx context.Context, userID int64, withSecrets bool) (authkit.User, error) {
	if userID <= 0 {
		return authkit.User{}, wrap("find_id", authkit.ErrInvalidUserID)
	}
	row := store.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	user, err := scanUser(row)
	if err != nil {
		return authkit.User{}, wrap("find_id", err)
	}
	if !withSecrets {
		return stripSecrets(user), nil
	}
	return user, nil
}

// UpdateRefreshHash overwrites the stored refresh token hash.
func (store *PostgresCredentialStore) UpdateRefreshHash(ctx context.Context, userID int64, refreshTokenHash string) error {
	return store.setRefreshHash(ctx, "update_refresh", userID, &refreshTokenHash)
}

// ClearRefreshHash removes the stored refresh token hash.
func (store *PostgresCredentialStore) ClearRefreshHash(ctx context.Context, userID int64) error {
	return store.setRefreshHash(ctx, "clear_refresh", userID, nil)
}

// SwapRefreshHash replaces the refresh hash with a conditional update on the expected value.
func (store *PostgresCredentialStore) SwapRefreshHash(ctx context.Context, userID int64, expectedHash string, refreshTokenHash string) error {
	if userID <= 0 {
		return wrap("swap_refresh", authkit.ErrInvalidUserID)
	}
	tag, err := store.pool.Exec(ctx, `
UPDATE users
SET refresh_token_hash = $3, updated_at = now()
WHERE id = $1 AND refresh_token_hash = $2
`, userID, expectedHash, refreshTokenHash)
	if err != nil {
		return wrap("swap_refresh", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := store.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return wrap("swap_refresh", err)
	}
	if !exists {
		return wrap("swap_refresh", authkit.ErrUserNotFound)
	}
	return wrap("swap_refresh", authkit.ErrRefreshHashConflict)
}

// ListUsers returns users ordered by id, optionally limited to one role.
func (store *PostgresCredentialStore) ListUsers(ctx context.Context, roleFilter *authkit.Role) ([]authkit.User, error) {
	var roleValue *string
	if roleFilter != nil {
		role := string(*roleFilter)
		roleValue = &role
	}
	rows, err := store.pool.Query(ctx, `
SELECT `+userColumns+`
FROM users
WHERE $1::text IS NULL OR role = $1::text
ORDER BY id ASC
`, roleValue)
	if err != nil {
		return nil, wrap("list", err)
	}
	defer rows.Close()

	users := make([]authkit.User, 0)
	for rows.Next() {
		user, scanErr := scanUser(rows)
		if scanErr != nil {
			return nil, wrap("list", scanErr)
		}
		users = append(users, stripSecrets(user))
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list", err)
	}
	return users, nil
}

// UpdateUser applies the non-nil fields of update. A password change clears the refresh hash.
func (store *PostgresCredentialStore) UpdateUser(ctx context.Context, userID int64, update authkit.UserUpdate) (authkit.User, error) {
	if userID <= 0 {
		return authkit.User{}, wrap("update", authkit.ErrInvalidUserID)
	}
	var email *string
	if update.Email != nil {
		normalized := authkit.NormalizeEmail(*update.Email)
		email = &normalized
	}
	var role *string
	if update.Role != nil {
		roleName := string(*update.Role)
		role = &roleName
	}
	row := store.pool.QueryRow(ctx, `
UPDATE users SET
    name = COALESCE($2::text, name),
    email = COALESCE($3::text, email),
    password_hash = COALESCE($4::text, password_hash),
    role = COALESCE($5::text, role),
    refresh_token_hash = CASE WHEN $4::text IS NULL THEN refresh_token_hash ELSE NULL END,
    updated_at = now()
WHERE id = $1
RETURNING `+userColumns,
		userID, update.Name, email, update.PasswordHash, role)
	updated, err := scanUser(row)
	if err != nil {
		return authkit.User{}, wrap("update", err)
	}
	return stripSecrets(updated), nil
}

// DeleteUser removes the user.
func (store *PostgresCredentialStore) DeleteUser(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return wrap("delete", authkit.ErrInvalidUserID)
	}
	tag, err := store.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return wrap("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return wrap("delete", authkit.ErrUserNotFound)
	}
	return nil
}

func (store *PostgresCredentialStore) setRefreshHash(ctx context.Context, operation string, userID int64, value *string) error {
	if userID <= 0 {
		return wrap(operation, authkit.ErrInvalidUserID)
	}
	tag, err := store.pool.Exec(ctx, `
UPDATE users
SET refresh_token_hash = $2, updated_at = now()
WHERE id = $1
`, userID, value)
	if err != nil {
		return wrap(operation, err)
	}
	if tag.RowsAffected() == 0 {
		return wrap(operation, authkit.ErrUserNotFound)
	}
	return nil
}

func scanUser(row pgx.Row) (authkit.User, error) {
	var user authkit.User
	var role string
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&role,
		&user.RefreshTokenHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return authkit.User{}, err
	}
	user.Role = authkit.Role(role)
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return user, nil
}

func stripSecrets(user authkit.User) authkit.User {
	user.PasswordHash = ""
	user.RefreshTokenHash = nil
	return user
}

func wrap(operation string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		err = authkit.ErrUserNotFound
	case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation:
		err = authkit.ErrEmailTaken
	}
	return fmt.Errorf("credential_store.%s.pgx: %w", operation, err)
}

// Ping checks that the pool can reach the server.
func (store *PostgresCredentialStore) Ping(ctx context.Context) error {
	if err := store.pool.Ping(ctx); err != nil {
		return fmt.Errorf("credential_store.ping.pgx: %w", err)
	}
	return nil
}
