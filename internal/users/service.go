// Package users manages accounts: registration, profile reads and updates,
// role changes, and deletion. Credentials are hashed with the auth core's
// password hasher and persisted through its UserStore.
package users

import (
	"context"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/tyemirov/fintrack/internal/authkit"
	"go.uber.org/zap"
)

const (
	nameMinLength     = 3
	nameMaxLength     = 50
	passwordMinLength = 6
	passwordMaxLength = 72
)

var roleRule = validation.In(authkit.RoleAdmin.String(), authkit.RoleUser.String()).Error("must be ADMIN or USER")

// RegisterInput is the payload of a registration.
type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// Validate checks field shapes.
func (input RegisterInput) Validate() error {
	return validation.ValidateStruct(&input,
		validation.Field(&input.Name, validation.Required, validation.Length(nameMinLength, nameMaxLength)),
		validation.Field(&input.Email, validation.Required, is.Email),
		validation.Field(&input.Password, validation.Required, validation.Length(passwordMinLength, passwordMaxLength)),
		validation.Field(&input.Role, roleRule),
	)
}

// UpdateInput lists optional profile changes.
type UpdateInput struct {
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	Role     *string `json:"role"`
}

// Validate checks the fields that are present.
func (input UpdateInput) Validate() error {
	return validation.ValidateStruct(&input,
		validation.Field(&input.Name, validation.NilOrNotEmpty, validation.Length(nameMinLength, nameMaxLength)),
		validation.Field(&input.Email, validation.NilOrNotEmpty, is.Email),
		validation.Field(&input.Password, validation.NilOrNotEmpty, validation.Length(passwordMinLength, passwordMaxLength)),
		validation.Field(&input.Role, validation.NilOrNotEmpty, roleRule),
	)
}

// ChangesRole reports whether the update touches the role.
func (input UpdateInput) ChangesRole() bool {
	return input.Role != nil
}

// RoleInput is the payload of a role change.
type RoleInput struct {
	Role string `json:"role"`
}

// Validate checks the role name.
func (input RoleInput) Validate() error {
	return validation.ValidateStruct(&input,
		validation.Field(&input.Role, validation.Required, roleRule),
	)
}

// Service implements account management on top of a UserStore.
type Service struct {
	store  authkit.UserStore
	hasher authkit.PasswordHasher
	logger *zap.Logger
}

// NewService wires the service collaborators.
func NewService(store authkit.UserStore, hasher authkit.PasswordHasher, logger *zap.Logger) *Service {
	if store == nil {
		panic("user store is required")
	}
	if hasher == nil {
		panic("password hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, hasher: hasher, logger: logger}
}

// Register creates an account. An empty role defaults to USER.
func (service *Service) Register(ctx context.Context, input RegisterInput) (authkit.PublicUser, error) {
	const operation = "users.register"

	if err := input.Validate(); err != nil {
		return authkit.PublicUser{}, invalidInput(operation, err)
	}
	role := authkit.DefaultRole
	if input.Role != "" {
		role, _ = authkit.ParseRole(input.Role)
	}
	passwordHash, err := service.hasher.Hash(ctx, input.Password)
	if err != nil {
		service.logger.Error("password hashing failed",
			zap.String("code", "users.register.hash_error"),
			zap.Error(err))
		return authkit.PublicUser{}, fmt.Errorf("%s: %w: %w", operation, authkit.ErrInternal, err)
	}
	created, err := service.store.CreateUser(ctx, authkit.User{
		Name:         input.Name,
		Email:        input.Email,
		PasswordHash: passwordHash,
		Role:         role,
	})
	if err != nil {
		return authkit.PublicUser{}, service.storeError(operation, 0, err)
	}
	service.logger.Info("user registered",
		zap.String("code", "users.register.success"),
		zap.Int64("user_id", created.ID),
		zap.String("role", created.Role.String()))
	return created.Public(), nil
}

// Get returns the public projection of a user.
func (service *Service) Get(ctx context.Context, userID int64) (authkit.PublicUser, error) {
	user, err := service.store.FindByID(ctx, userID, false)
	if err != nil {
		return authkit.PublicUser{}, service.storeError("users.get", userID, err)
	}
	return user.Public(), nil
}

// List returns every account to admins and only USER accounts to anyone else.
func (service *Service) List(ctx context.Context, requesterRole authkit.Role) ([]authkit.PublicUser, error) {
	var roleFilter *authkit.Role
	if requesterRole != authkit.RoleAdmin {
		userRole := authkit.RoleUser
		roleFilter = &userRole
	}
	records, err := service.store.ListUsers(ctx, roleFilter)
	if err != nil {
		return nil, service.storeError("users.list", 0, err)
	}
	projections := make([]authkit.PublicUser, 0, len(records))
	for _, record := range records {
		projections = append(projections, record.Public())
	}
	return projections, nil
}

// Update applies profile changes. A new password is hashed and revokes the stored refresh token.
func (service *Service) Update(ctx context.Context, userID int64, input UpdateInput) (authkit.PublicUser, error) {
	const operation = "users.update"

	if err := input.Validate(); err != nil {
		return authkit.PublicUser{}, invalidInput(operation, err)
	}
	update := authkit.UserUpdate{Name: input.Name, Email: input.Email}
	if input.Role != nil {
		role, _ := authkit.ParseRole(*input.Role)
		update.Role = &role
	}
	if input.Password != nil {
		passwordHash, err := service.hasher.Hash(ctx, *input.Password)
		if err != nil {
			service.logger.Error("password hashing failed",
				zap.String("code", "users.update.hash_error"),
				zap.Int64("user_id", userID),
				zap.Error(err))
			return authkit.PublicUser{}, fmt.Errorf("%s: %w: %w", operation, authkit.ErrInternal, err)
		}
		update.PasswordHash = &passwordHash
	}
	if update.Empty() {
		return service.Get(ctx, userID)
	}
	updated, err := service.store.UpdateUser(ctx, userID, update)
	if err != nil {
		return authkit.PublicUser{}, service.storeError(operation, userID, err)
	}
	service.logger.Info("user updated",
		zap.String("code", "users.update.success"),
		zap.Int64("user_id", userID),
		zap.Bool("password_changed", update.PasswordHash != nil))
	return updated.Public(), nil
}

// ChangeRole sets the role of a user. Guards re-read the role, so the change applies to tokens already issued.
func (service *Service) ChangeRole(ctx context.Context, userID int64, input RoleInput) (authkit.PublicUser, error) {
	const operation = "users.change_role"

	if err := input.Validate(); err != nil {
		return authkit.PublicUser{}, invalidInput(operation, err)
	}
	role, _ := authkit.ParseRole(input.Role)
	updated, err := service.store.UpdateUser(ctx, userID, authkit.UserUpdate{Role: &role})
	if err != nil {
		return authkit.PublicUser{}, service.storeError(operation, userID, err)
	}
	service.logger.Info("user role changed",
		zap.String("code", "users.change_role.success"),
		zap.Int64("user_id", userID),
		zap.String("role", role.String()))
	return updated.Public(), nil
}

// Delete removes a user and returns the removed projection.
func (service *Service) Delete(ctx context.Context, userID int64) (authkit.PublicUser, error) {
	const operation = "users.delete"

	existing, err := service.store.FindByID(ctx, userID, false)
	if err != nil {
		return authkit.PublicUser{}, service.storeError(operation, userID, err)
	}
	if err := service.store.DeleteUser(ctx, userID); err != nil {
		return authkit.PublicUser{}, service.storeError(operation, userID, err)
	}
	service.logger.Info("user deleted",
		zap.String("code", "users.delete.success"),
		zap.Int64("user_id", userID))
	return existing.Public(), nil
}

func (service *Service) storeError(operation string, userID int64, err error) error {
	switch {
	case errors.Is(err, authkit.ErrUserNotFound):
		return fmt.Errorf("%s: %w", operation, authkit.ErrNotFound)
	case errors.Is(err, authkit.ErrInvalidUserID):
		return fmt.Errorf("%s: %w", operation, authkit.ErrInvalidInput)
	case errors.Is(err, authkit.ErrEmailTaken):
		return fmt.Errorf("%s: %w", operation, authkit.ErrConflict)
	default:
		service.logger.Error("user store failure",
			zap.String("code", operation+".store_error"),
			zap.Int64("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("%s: %w: %w", operation, authkit.ErrInternal, err)
	}
}

func invalidInput(operation string, err error) error {
	return fmt.Errorf("%s: %w: %w", operation, authkit.ErrInvalidInput, err)
}

func isInternal(err error) bool {
	return errors.Is(err, authkit.ErrInternal)
}
