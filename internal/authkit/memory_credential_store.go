package authkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryCredentialStore is an in-memory UserStore intended for tests and dev.
type MemoryCredentialStore struct {
	mutex      sync.Mutex
	byID       map[int64]*User
	byEmail    map[string]int64
	sequenceID int64
	clock      Clock
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		byID:    make(map[int64]*User),
		byEmail: make(map[string]int64),
		clock:   NewSystemClock(),
	}
}

// CreateUser inserts a user, assigning its id and timestamps.
func (store *MemoryCredentialStore) CreateUser(ctx context.Context, user User) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	emailKey := NormalizeEmail(user.Email)
	if _, taken := store.byEmail[emailKey]; taken {
		return User{}, fmt.Errorf("credential_store.create.memory: %w", ErrEmailTaken)
	}
	if user.Role == "" {
		user.Role = DefaultRole
	}
	store.sequenceID++
	now := store.clock.Now()
	user.ID = store.sequenceID
	user.Email = emailKey
	user.CreatedAt = now
	user.UpdatedAt = now
	user.RefreshTokenHash = nil
	record := user
	store.byID[user.ID] = &record
	store.byEmail[emailKey] = user.ID
	return user.withoutSecrets(), nil
}

// FindByEmail looks a user up by normalized email.
func (store *MemoryCredentialStore) FindByEmail(ctx context.Context, email string, withSecrets bool) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	userID, ok := store.byEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, fmt.Errorf("credential_store.find_email.memory: %w", ErrUserNotFound)
	}
	return store.snapshot(store.byID[userID], withSecrets), nil
}

// FindByID looks a user up by id.
func (store *MemoryCredentialStore) FindByID(ctx context.Context, userID int64, withSecrets bool) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, err := store.lookup("find_id", userID)
	if err != nil {
		return User{}, err
	}
	return store.snapshot(record, withSecrets), nil
}

// UpdateRefreshHash overwrites the stored refresh token hash.
func (store *MemoryCredentialStore) UpdateRefreshHash(ctx context.Context, userID int64, refreshTokenHash string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, err := store.lookup("update_refresh", userID)
	if err != nil {
		return err
	}
	hashValue := refreshTokenHash
	record.RefreshTokenHash = &hashValue
	record.UpdatedAt = store.clock.Now()
	return nil
}

// SwapRefreshHash replaces the refresh hash only while it still equals expectedHash.
func (store *MemoryCredentialStore) SwapRefreshHash(ctx context.Context, userID int64, expectedHash string, refreshTokenHash string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, err := store.lookup("swap_refresh", userID)
	if err != nil {
		return err
	}
	if record.RefreshTokenHash == nil || *record.RefreshTokenHash != expectedHash {
		return fmt.Errorf("credential_store.swap_refresh.memory: %w", ErrRefreshHashConflict)
	}
	hashValue := refreshTokenHash
	record.RefreshTokenHash = &hashValue
	record.UpdatedAt = store.clock.Now()
	return nil
}

// ClearRefreshHash removes the stored refresh token hash.
func (store *MemoryCredentialStore) ClearRefreshHash(ctx context.Context, userID int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, err := store.lookup("clear_refresh", userID)
	if err != nil {
		return err
	}
	record.RefreshTokenHash = nil
	record.UpdatedAt = store.clock.Now()
	return nil
}

// ListUsers returns users ordered by id, optionally limited to one role.
func (store *MemoryCredentialStore) ListUsers(ctx context.Context, roleFilter *Role) ([]User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	users := make([]User, 0, len(store.byID))
	for _, record := range store.byID {
		if roleFilter != nil && record.Role != *roleFilter {
			continue
		}
		users = append(users, record.withoutSecrets())
	}
	sort.Slice(users, func(left, right int) bool {
		return users[left].ID < users[right].ID
	})
	return users, nil
}

// UpdateUser applies the non-nil fields of update.
func (store *MemoryCredentialStore) UpdateUser(ctx context.Context, userID int64, update UserUpdate) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, err := store.lookup("update", userID)
	if err != nil {
		return User{}, err
	}
	if update.Email != nil {
		emailKey := NormalizeEmail(*update.Email)
		if ownerID, taken := store.byEmail[emailKey]; taken && ownerID != userID {
			return User{}, fmt.Errorf("credential_store.update.memory: %w", ErrEmailTaken)
		}
		delete(store.byEmail, record.Email)
		record.Email = emailKey
		store.byEmail[emailKey] = userID
	}
	if update.Name != nil {
		record.Name = *update.Name
	}
	if update.Role != nil {
		record.Role = *update.Role
	}
	if update.PasswordHash != nil {
		record.PasswordHash = *update.PasswordHash
		record.RefreshTokenHash = nil
	}
	record.UpdatedAt = store.clock.Now()
	return record.withoutSecrets(), nil
}

// DeleteUser removes the user.
func (store *MemoryCredentialStore) DeleteUser(ctx context.Context, userID int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, err := store.lookup("delete", userID)
	if err != nil {
		return err
	}
	delete(store.byEmail, record.Email)
	delete(store.byID, userID)
	return nil
}

func (store *MemoryCredentialStore) lookup(operation string, userID int64) (*User, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("credential_store.%s.memory: %w", operation, ErrInvalidUserID)
	}
	record, ok := store.byID[userID]
	if !ok {
		return nil, fmt.Errorf("credential_store.%s.memory: %w", operation, ErrUserNotFound)
	}
	return record, nil
}

func (store *MemoryCredentialStore) snapshot(record *User, withSecrets bool) User {
	user := *record
	if !withSecrets {
		return user.withoutSecrets()
	}
	if record.RefreshTokenHash != nil {
		hashValue := *record.RefreshTokenHash
		user.RefreshTokenHash = &hashValue
	}
	return user
}
