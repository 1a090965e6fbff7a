package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credential_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("credential_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("credential_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credential_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credential_store.unsupported_no_scheme")
)

// DatabaseCredentialStore persists users and their refresh token hashes using GORM.
type DatabaseCredentialStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// Driver exposes the selected database driver label.
func (store *DatabaseCredentialStore) Driver() string {
	return store.driverLabel
}

type userRecord struct {
	ID               int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name             string    `gorm:"column:name;not null"`
	Email            string    `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash     string    `gorm:"column:password_hash;not null"`
	Role             string    `gorm:"column:role;not null;default:USER"`
	RefreshTokenHash *string   `gorm:"column:refresh_token_hash"`
	CreatedAt        time.Time `gorm:"column:created_at;not null"`
	UpdatedAt        time.Time `gorm:"column:updated_at;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

func (record userRecord) toUser(withSecrets bool) User {
	user := User{
		ID:               record.ID,
		Name:             record.Name,
		Email:            record.Email,
		PasswordHash:     record.PasswordHash,
		Role:             Role(record.Role),
		RefreshTokenHash: record.RefreshTokenHash,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
	}
	if !withSecrets {
		return user.withoutSecrets()
	}
	return user
}

// NewDatabaseCredentialStore opens the database named by databaseURL (postgres:// or sqlite:)
// and migrates the users table.
func NewDatabaseCredentialStore(ctx context.Context, databaseURL string) (*DatabaseCredentialStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("credential_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("credential_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("credential_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseCredentialStore{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       NewSystemClock(),
	}, nil
}

// Close releases the underlying connection pool.
func (store *DatabaseCredentialStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("credential_store.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

// CreateUser inserts a user and returns it without secrets.
func (store *DatabaseCredentialStore) CreateUser(ctx context.Context, user User) (User, error) {
	role := user.Role
	if role == "" {
		role = DefaultRole
	}
	now := store.clock.Now()
	record := userRecord{
		Name:         user.Name,
		Email:        NormalizeEmail(user.Email),
		PasswordHash: user.PasswordHash,
		Role:         string(role),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := store.ensureEmailAvailable(transaction, record.Email, 0); err != nil {
			return err
		}
		return transaction.Create(&record).Error
	})
	if err != nil {
		return User{}, store.wrap("create", err)
	}
	return record.toUser(false), nil
}

// FindByEmail looks a user up by normalized email.
func (store *DatabaseCredentialStore) FindByEmail(ctx context.Context, email string, withSecrets bool) (User, error) {
	var record userRecord
	if err := store.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).Take(&record).Error; err != nil {
		return User{}, store.wrap("find_email", err)
	}
	return record.toUser(withSecrets), nil
}

// FindByID looks a user up by id.
func (store *DatabaseCredentialStore) FindByID(ctx context.Context, userID int64, withSecrets bool) (User, error) {
	if userID <= 0 {
		return User{}, store.wrap("find_id", ErrInvalidUserID)
	}
	var record userRecord
	if err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&record).Error; err != nil {
		return User{}, store.wrap("find_id", err)
	}
	return record.toUser(withSecrets), nil
}

// UpdateRefreshHash overwrites the stored refresh token hash.
func (store *DatabaseCredentialStore) UpdateRefreshHash(ctx context.Context, userID int64, refreshTokenHash string) error {
	return store.setRefreshHash(ctx, "update_refresh", userID, refreshTokenHash)
}

// SwapRefreshHash replaces the refresh hash with a conditional update on the expected value.
func (store *DatabaseCredentialStore) SwapRefreshHash(ctx context.Context, userID int64, expectedHash string, refreshTokenHash string) error {
	if userID <= 0 {
		return store.wrap("swap_refresh", ErrInvalidUserID)
	}
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ? AND refresh_token_hash = ?", userID, expectedHash).
		Updates(map[string]any{
			"refresh_token_hash": refreshTokenHash,
			"updated_at":         store.clock.Now(),
		})
	if result.Error != nil {
		return store.wrap("swap_refresh", result.Error)
	}
	if result.RowsAffected == 0 {
		if err := store.ensureExists(ctx, userID); err != nil {
			return store.wrap("swap_refresh", err)
		}
		return store.wrap("swap_refresh", ErrRefreshHashConflict)
	}
	return nil
}

// ClearRefreshHash removes the stored refresh token hash.
func (store *DatabaseCredentialStore) ClearRefreshHash(ctx context.Context, userID int64) error {
	return store.setRefreshHash(ctx, "clear_refresh", userID, nil)
}

// ListUsers returns users ordered by id, optionally limited to one role.
func (store *DatabaseCredentialStore) ListUsers(ctx context.Context, roleFilter *Role) ([]User, error) {
	query := store.db.WithContext(ctx).Order("id ASC")
	if roleFilter != nil {
		query = query.Where("role = ?", string(*roleFilter))
	}
	var records []userRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, store.wrap("list", err)
	}
	users := make([]User, 0, len(records))
	for _, record := range records {
		users = append(users, record.toUser(false))
	}
	return users, nil
}

// UpdateUser applies the non-nil fields of update.
func (store *DatabaseCredentialStore) UpdateUser(ctx context.Context, userID int64, update UserUpdate) (User, error) {
	if userID <= 0 {
		return User{}, store.wrap("update", ErrInvalidUserID)
	}
	var record userRecord
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where("id = ?", userID).Take(&record).Error; err != nil {
			return err
		}
		changes := map[string]any{"updated_at": store.clock.Now()}
		if update.Email != nil {
			emailKey := NormalizeEmail(*update.Email)
			if err := store.ensureEmailAvailable(transaction, emailKey, userID); err != nil {
				return err
			}
			changes["email"] = emailKey
		}
		if update.Name != nil {
			changes["name"] = *update.Name
		}
		if update.Role != nil {
			changes["role"] = string(*update.Role)
		}
		if update.PasswordHash != nil {
			changes["password_hash"] = *update.PasswordHash
			changes["refresh_token_hash"] = nil
		}
		if err := transaction.Model(&userRecord{}).Where("id = ?", userID).Updates(changes).Error; err != nil {
			return err
		}
		return transaction.Where("id = ?", userID).Take(&record).Error
	})
	if err != nil {
		return User{}, store.wrap("update", err)
	}
	return record.toUser(false), nil
}

// DeleteUser removes the user.
func (store *DatabaseCredentialStore) DeleteUser(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return store.wrap("delete", ErrInvalidUserID)
	}
	result := store.db.WithContext(ctx).Where("id = ?", userID).Delete(&userRecord{})
	if result.Error != nil {
		return store.wrap("delete", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.wrap("delete", ErrUserNotFound)
	}
	return nil
}

func (store *DatabaseCredentialStore) setRefreshHash(ctx context.Context, operation string, userID int64, value any) error {
	if userID <= 0 {
		return store.wrap(operation, ErrInvalidUserID)
	}
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"refresh_token_hash": value,
			"updated_at":         store.clock.Now(),
		})
	if result.Error != nil {
		return store.wrap(operation, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.wrap(operation, ErrUserNotFound)
	}
	return nil
}

func (store *DatabaseCredentialStore) ensureExists(ctx context.Context, userID int64) error {
	var count int64
	if err := store.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (store *DatabaseCredentialStore) ensureEmailAvailable(transaction *gorm.DB, email string, ownerID int64) error {
	var count int64
	query := transaction.Model(&userRecord{}).Where("email = ?", email)
	if ownerID > 0 {
		query = query.Where("id <> ?", ownerID)
	}
	if err := query.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrEmailTaken
	}
	return nil
}

func (store *DatabaseCredentialStore) wrap(operation string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		err = ErrUserNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		err = ErrEmailTaken
	}
	return fmt.Errorf("credential_store.%s.%s: %w", operation, store.driverLabel, err)
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credential_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credential_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credential_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credential_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}

// Ping checks that the database answers.
func (store *DatabaseCredentialStore) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("credential_store.ping.%s: %w", store.driverLabel, err)
	}
	if pingErr := sqlDB.PingContext(ctx); pingErr != nil {
		return fmt.Errorf("credential_store.ping.%s: %w", store.driverLabel, pingErr)
	}
	return nil
}
