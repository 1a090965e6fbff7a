package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Token types carried in the token_type claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	TokenType  string
	Clock      Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

const bearerPrefix = "bearer "

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("session.validator.missing_issuer")
	ErrInvalidTokenType  = errors.New("session.validator.invalid_token_type")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrMalformedHeader   = errors.New("session.validator.malformed_authorization_header")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrInvalidSignature  = errors.New("session.validator.invalid_signature")
	ErrInvalidIssuer     = errors.New("session.validator.invalid_issuer")
	ErrWrongTokenType    = errors.New("session.validator.wrong_token_type")
	ErrTokenExpired      = errors.New("session.validator.expired")
)

// Validator validates bearer JWTs of a single token type.
type Validator struct {
	signingKey []byte
	issuer     string
	tokenType  string
	clock      Clock
}

// Claims represent the payload embedded inside access and refresh tokens.
type Claims struct {
	UserID    int64  `json:"user_id"`
	UserEmail string `json:"user_email"`
	UserRole  string `json:"user_role,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

var _ jwt.Claims = (*Claims)(nil)

// GetUserID returns the user identifier from the token.
func (claims *Claims) GetUserID() int64 {
	if claims == nil {
		return 0
	}
	return claims.UserID
}

// GetUserEmail returns the email associated with the token.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.UserEmail
}

// GetUserRole returns the role embedded at issuance. Empty for refresh tokens.
func (claims *Claims) GetUserRole() string {
	if claims == nil {
		return ""
	}
	return claims.UserRole
}

// IssuedAtTime returns the issuance timestamp.
func (claims *Claims) IssuedAtTime() time.Time {
	if claims == nil || claims.IssuedAt == nil {
		return time.Time{}
	}
	return claims.IssuedAt.Time
}

// ExpiresAtTime returns the expiry timestamp.
func (claims *Claims) ExpiresAtTime() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	switch configuration.TokenType {
	case TokenTypeAccess, TokenTypeRefresh:
	default:
		return nil, fmt.Errorf("session.validator.new: %w", ErrInvalidTokenType)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		tokenType:  configuration.TokenType,
		clock:      clock,
	}, nil
}

// TokenType reports which class of token the validator accepts.
func (validator *Validator) TokenType() string {
	return validator.tokenType
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
// Expired tokens fail with ErrTokenExpired, tokens signed with another key with
// ErrInvalidSignature; every other defect is ErrInvalidToken.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}), jwt.WithExpirationRequired())
	if parseErr != nil {
		switch {
		case errors.Is(parseErr, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidSignature)
		case errors.Is(parseErr, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
		default:
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
		}
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
	}
	if claims.TokenType != validator.tokenType {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrWrongTokenType)
	}
	if claims.UserID <= 0 || claims.Subject != strconv.FormatInt(claims.UserID, 10) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	current := validator.clock.Now()
	if claims.IssuedAt != nil && current.Before(claims.IssuedAt.Time.Add(-time.Minute)) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(request *http.Request) (string, error) {
	if request == nil {
		return "", fmt.Errorf("session.validator.bearer_token: %w", ErrMissingToken)
	}
	headerValue := strings.TrimSpace(request.Header.Get("Authorization"))
	if headerValue == "" {
		return "", fmt.Errorf("session.validator.bearer_token: %w", ErrMissingToken)
	}
	if len(headerValue) <= len(bearerPrefix) || !strings.EqualFold(headerValue[:len(bearerPrefix)], bearerPrefix) {
		return "", fmt.Errorf("session.validator.bearer_token: %w", ErrMalformedHeader)
	}
	token := strings.TrimSpace(headerValue[len(bearerPrefix):])
	if token == "" {
		return "", fmt.Errorf("session.validator.bearer_token: %w", ErrMissingToken)
	}
	return token, nil
}

// ValidateRequest reads the bearer token from the request and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	token, err := BearerToken(request)
	if err != nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", err)
	}
	return validator.ValidateToken(token)
}

// GinMiddleware returns a Gin middleware that validates the bearer token and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
