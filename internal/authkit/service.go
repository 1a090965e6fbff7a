package authkit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"go.uber.org/zap"
)

// SignOutMessage is returned after a successful sign-out.
const SignOutMessage = "User signed out successfully"

// decoyPassword is hashed once and compared against when an email is unknown,
// so both sign-in failures spend the same bcrypt work.
const decoyPassword = "fintrack-decoy-password"

// SignInRequest carries sign-in credentials.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate checks the request shape.
func (request SignInRequest) Validate() error {
	return validation.ValidateStruct(&request,
		validation.Field(&request.Email, validation.Required, is.Email),
		validation.Field(&request.Password, validation.Required),
	)
}

// SignInResult is returned from a successful sign-in.
type SignInResult struct {
	User         PublicUser `json:"user"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
}

// SignOutResult is returned from a successful sign-out.
type SignOutResult struct {
	Message string `json:"message"`
}

// TokenMinter issues access/refresh pairs.
type TokenMinter interface {
	IssuePair(ctx context.Context, subjectID int64, email string, role Role) (TokenPair, error)
}

// AuthService orchestrates sign-in, refresh-token rotation, and sign-out.
type AuthService struct {
	store   CredentialStore
	hasher  PasswordHasher
	tokens  TokenMinter
	logger  *zap.Logger
	metrics MetricsRecorder

	decoyOnce sync.Once
	decoyHash string
}

// NewAuthService wires the service collaborators. Logger and metrics may be nil.
func NewAuthService(store CredentialStore, hasher PasswordHasher, tokens TokenMinter, logger *zap.Logger, metrics MetricsRecorder) *AuthService {
	if store == nil {
		panic("credential store is required")
	}
	if hasher == nil {
		panic("password hasher is required")
	}
	if tokens == nil {
		panic("token minter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		store:   store,
		hasher:  hasher,
		tokens:  tokens,
		logger:  logger,
		metrics: metricsOrNoop(metrics),
	}
}

// SignIn verifies credentials, issues a token pair, and records the refresh token hash.
// Unknown emails and wrong passwords fail identically with ErrInvalidCredentials.
func (service *AuthService) SignIn(ctx context.Context, request SignInRequest) (SignInResult, error) {
	const operation = "auth.signin"

	if err := request.Validate(); err != nil {
		service.metrics.Increment(metricSignInFailure)
		service.logger.Warn("sign in rejected",
			zap.String("code", "auth.signin.invalid_request"))
		return SignInResult{}, fmt.Errorf("%s: %w", operation, ErrInvalidCredentials)
	}

	user, err := service.store.FindByEmail(ctx, NormalizeEmail(request.Email), true)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			service.spendDecoyCompare(ctx, request.Password)
			service.metrics.Increment(metricSignInFailure)
			service.logger.Warn("sign in rejected",
				zap.String("code", "auth.signin.unknown_email"))
			return SignInResult{}, fmt.Errorf("%s: %w", operation, ErrInvalidCredentials)
		}
		service.metrics.Increment(metricSignInFailure)
		service.logger.Error("credential lookup failed",
			zap.String("code", "auth.signin.lookup_error"),
			zap.Error(err))
		return SignInResult{}, internalError(operation, err)
	}

	if compareErr := service.hasher.Compare(ctx, user.PasswordHash, request.Password); compareErr != nil {
		service.metrics.Increment(metricSignInFailure)
		if errors.Is(compareErr, ErrPasswordMismatch) {
			service.logger.Warn("sign in rejected",
				zap.String("code", "auth.signin.invalid_password"),
				zap.Int64("user_id", user.ID))
			return SignInResult{}, fmt.Errorf("%s: %w", operation, ErrInvalidCredentials)
		}
		service.logger.Error("password verification failed",
			zap.String("code", "auth.signin.hasher_error"),
			zap.Int64("user_id", user.ID),
			zap.Error(compareErr))
		return SignInResult{}, internalError(operation, compareErr)
	}

	pair, err := service.tokens.IssuePair(ctx, user.ID, user.Email, user.Role)
	if err != nil {
		service.metrics.Increment(metricSignInFailure)
		service.logger.Error("token issuance failed",
			zap.String("code", "auth.signin.issue_error"),
			zap.Int64("user_id", user.ID),
			zap.Error(err))
		return SignInResult{}, internalError(operation, err)
	}

	if err := service.store.UpdateRefreshHash(ctx, user.ID, hashRefreshToken(pair.RefreshToken)); err != nil {
		service.metrics.Increment(metricSignInFailure)
		service.logger.Error("refresh hash persistence failed",
			zap.String("code", "auth.signin.persist_error"),
			zap.Int64("user_id", user.ID),
			zap.Error(err))
		return SignInResult{}, internalError(operation, err)
	}

	service.metrics.Increment(metricSignInSuccess)
	service.logger.Info("signed in",
		zap.String("code", "auth.signin.success"),
		zap.Int64("user_id", user.ID))
	return SignInResult{
		User:         user.Public(),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

// RefreshTokens rotates the session of userID. The presented token must hash to
// the stored value; the replacement is written with a compare-and-swap so that
// of two concurrent refreshes with the same token at most one succeeds.
func (service *AuthService) RefreshTokens(ctx context.Context, userID int64, presentedToken string) (TokenPair, error) {
	const operation = "auth.refresh"

	user, err := service.store.FindByID(ctx, userID, true)
	if err != nil {
		service.metrics.Increment(metricRefreshFailure)
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidUserID) {
			service.logger.Warn("refresh rejected",
				zap.String("code", "auth.refresh.unknown_user"),
				zap.Int64("user_id", userID))
			return TokenPair{}, fmt.Errorf("%s: %w", operation, ErrAccessDenied)
		}
		service.logger.Error("credential lookup failed",
			zap.String("code", "auth.refresh.lookup_error"),
			zap.Int64("user_id", userID),
			zap.Error(err))
		return TokenPair{}, internalError(operation, err)
	}

	if !user.HasActiveSession() {
		service.metrics.Increment(metricRefreshFailure)
		service.logger.Warn("refresh rejected",
			zap.String("code", "auth.refresh.no_session"),
			zap.Int64("user_id", userID))
		return TokenPair{}, fmt.Errorf("%s: %w", operation, ErrAccessDenied)
	}
	storedHash := *user.RefreshTokenHash

	if !refreshTokenMatches(presentedToken, storedHash) {
		service.metrics.Increment(metricRefreshFailure)
		service.metrics.Increment(metricRefreshReplay)
		service.logger.Warn("refresh rejected",
			zap.String("code", "auth.refresh.hash_mismatch"),
			zap.Int64("user_id", userID))
		return TokenPair{}, fmt.Errorf("%s: %w", operation, ErrAccessDenied)
	}

	pair, err := service.tokens.IssuePair(ctx, user.ID, user.Email, user.Role)
	if err != nil {
		service.metrics.Increment(metricRefreshFailure)
		service.logger.Error("token issuance failed",
			zap.String("code", "auth.refresh.issue_error"),
			zap.Int64("user_id", userID),
			zap.Error(err))
		return TokenPair{}, internalError(operation, err)
	}

	if err := service.store.SwapRefreshHash(ctx, user.ID, storedHash, hashRefreshToken(pair.RefreshToken)); err != nil {
		service.metrics.Increment(metricRefreshFailure)
		if errors.Is(err, ErrRefreshHashConflict) || errors.Is(err, ErrUserNotFound) {
			service.metrics.Increment(metricRefreshReplay)
			service.logger.Warn("refresh rejected",
				zap.String("code", "auth.refresh.rotation_conflict"),
				zap.Int64("user_id", userID))
			return TokenPair{}, fmt.Errorf("%s: %w", operation, ErrAccessDenied)
		}
		service.logger.Error("refresh hash rotation failed",
			zap.String("code", "auth.refresh.persist_error"),
			zap.Int64("user_id", userID),
			zap.Error(err))
		return TokenPair{}, internalError(operation, err)
	}

	service.metrics.Increment(metricRefreshSuccess)
	service.logger.Info("tokens refreshed",
		zap.String("code", "auth.refresh.success"),
		zap.Int64("user_id", userID))
	return pair, nil
}

// SignOut clears the stored refresh token hash. Access tokens already issued
// stay valid until they expire.
func (service *AuthService) SignOut(ctx context.Context, userID int64) (SignOutResult, error) {
	const operation = "auth.signout"

	if _, err := service.store.FindByID(ctx, userID, false); err != nil {
		service.metrics.Increment(metricSignOutFailure)
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidUserID) {
			service.logger.Warn("sign out rejected",
				zap.String("code", "auth.signout.unknown_user"),
				zap.Int64("user_id", userID))
			return SignOutResult{}, fmt.Errorf("%s: %w", operation, ErrNotFound)
		}
		service.logger.Error("credential lookup failed",
			zap.String("code", "auth.signout.lookup_error"),
			zap.Int64("user_id", userID),
			zap.Error(err))
		return SignOutResult{}, internalError(operation, err)
	}

	if err := service.store.ClearRefreshHash(ctx, userID); err != nil {
		service.metrics.Increment(metricSignOutFailure)
		if errors.Is(err, ErrUserNotFound) {
			return SignOutResult{}, fmt.Errorf("%s: %w", operation, ErrNotFound)
		}
		service.logger.Error("refresh hash clear failed",
			zap.String("code", "auth.signout.persist_error"),
			zap.Int64("user_id", userID),
			zap.Error(err))
		return SignOutResult{}, internalError(operation, err)
	}

	service.metrics.Increment(metricSignOutSuccess)
	service.logger.Info("signed out",
		zap.String("code", "auth.signout.success"),
		zap.Int64("user_id", userID))
	return SignOutResult{Message: SignOutMessage}, nil
}

func (service *AuthService) spendDecoyCompare(ctx context.Context, password string) {
	service.decoyOnce.Do(func() {
		hash, err := service.hasher.Hash(ctx, decoyPassword)
		if err != nil {
			service.logger.Warn("decoy hash unavailable",
				zap.String("code", "auth.signin.decoy_error"),
				zap.Error(err))
			return
		}
		service.decoyHash = hash
	})
	if service.decoyHash == "" {
		return
	}
	_ = service.hasher.Compare(ctx, service.decoyHash, password)
}
