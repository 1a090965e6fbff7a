package authkit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tyemirov/fintrack/pkg/sessionvalidator"
	"golang.org/x/sync/errgroup"
)

// TokenKind selects the signing context of a bearer token.
type TokenKind string

const (
	AccessToken  TokenKind = sessionvalidator.TokenTypeAccess
	RefreshToken TokenKind = sessionvalidator.TokenTypeRefresh
)

// Claims is the decoded payload of a verified token.
type Claims = sessionvalidator.Claims

var (
	// ErrTokenInvalid is matched by every verification failure.
	ErrTokenInvalid = errors.New("token.invalid")
	// ErrTokenExpired distinguishes an expired token for logging and tests.
	ErrTokenExpired = sessionvalidator.ErrTokenExpired
	// ErrTokenSignature distinguishes a token signed with another key.
	ErrTokenSignature = sessionvalidator.ErrInvalidSignature
	// ErrTokenWrongType distinguishes a token of the other kind.
	ErrTokenWrongType = sessionvalidator.ErrWrongTokenType

	errEmptySubject  = errors.New("token.mint.empty_subject")
	errEmptyEmail    = errors.New("token.mint.empty_email")
	errInvalidRole   = errors.New("token.mint.invalid_role")
	errUnknownKind   = errors.New("token.unknown_kind")
	errEmptyTokenKey = errors.New("token.empty_signing_key")
)

// TokenVerifier verifies bearer tokens of a given kind.
type TokenVerifier interface {
	Verify(token string, kind TokenKind) (*Claims, error)
}

// TokenPair is a freshly issued access/refresh pair.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

type tokenSigner struct {
	kind       TokenKind
	signingKey []byte
	ttl        time.Duration
	validator  *sessionvalidator.Validator
}

// TokenIssuer signs and verifies access and refresh tokens with independent secrets and lifetimes.
type TokenIssuer struct {
	issuer  string
	clock   Clock
	access  tokenSigner
	refresh tokenSigner
}

// NewTokenIssuer builds both signing contexts from configuration.
func NewTokenIssuer(configuration ServerConfig, clock Clock) (*TokenIssuer, error) {
	clock = clockOrSystem(clock)
	access, err := newTokenSigner(AccessToken, configuration.AccessTokenSecret, configuration.AccessTokenTTL, configuration.TokenIssuer, clock)
	if err != nil {
		return nil, err
	}
	refresh, err := newTokenSigner(RefreshToken, configuration.RefreshTokenSecret, configuration.RefreshTokenTTL, configuration.TokenIssuer, clock)
	if err != nil {
		return nil, err
	}
	return &TokenIssuer{
		issuer:  configuration.TokenIssuer,
		clock:   clock,
		access:  access,
		refresh: refresh,
	}, nil
}

func newTokenSigner(kind TokenKind, signingKey []byte, ttl time.Duration, issuer string, clock Clock) (tokenSigner, error) {
	if len(signingKey) == 0 {
		return tokenSigner{}, fmt.Errorf("token.new.%s: %w", kind, errEmptyTokenKey)
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: signingKey,
		Issuer:     issuer,
		TokenType:  string(kind),
		Clock:      clock,
	})
	if err != nil {
		return tokenSigner{}, fmt.Errorf("token.new.%s: %w", kind, err)
	}
	return tokenSigner{kind: kind, signingKey: signingKey, ttl: ttl, validator: validator}, nil
}

// IssueAccessToken signs a short-lived access token carrying the subject's role.
func (issuer *TokenIssuer) IssueAccessToken(subjectID int64, email string, role Role) (string, time.Time, error) {
	if !role.Valid() {
		return "", time.Time{}, fmt.Errorf("token.mint.%s: %w", AccessToken, errInvalidRole)
	}
	return issuer.mint(issuer.access, subjectID, email, role)
}

// IssueRefreshToken signs a long-lived refresh token.
func (issuer *TokenIssuer) IssueRefreshToken(subjectID int64, email string) (string, time.Time, error) {
	return issuer.mint(issuer.refresh, subjectID, email, "")
}

// IssuePair signs an access and a refresh token concurrently.
func (issuer *TokenIssuer) IssuePair(ctx context.Context, subjectID int64, email string, role Role) (TokenPair, error) {
	if err := ctx.Err(); err != nil {
		return TokenPair{}, fmt.Errorf("token.issue_pair: %w", err)
	}
	var pair TokenPair
	var group errgroup.Group
	group.Go(func() error {
		token, expiresAt, err := issuer.IssueAccessToken(subjectID, email, role)
		pair.AccessToken, pair.AccessExpiresAt = token, expiresAt
		return err
	})
	group.Go(func() error {
		token, expiresAt, err := issuer.IssueRefreshToken(subjectID, email)
		pair.RefreshToken, pair.RefreshExpiresAt = token, expiresAt
		return err
	})
	if err := group.Wait(); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Verify checks signature, issuer, kind, and expiry. Every failure matches
// ErrTokenInvalid; the underlying cause stays inspectable with errors.Is.
func (issuer *TokenIssuer) Verify(token string, kind TokenKind) (*Claims, error) {
	var signer tokenSigner
	switch kind {
	case AccessToken:
		signer = issuer.access
	case RefreshToken:
		signer = issuer.refresh
	default:
		return nil, fmt.Errorf("token.verify: %w: %w", ErrTokenInvalid, errUnknownKind)
	}
	claims, err := signer.validator.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("token.verify.%s: %w: %w", kind, ErrTokenInvalid, err)
	}
	return claims, nil
}

func (issuer *TokenIssuer) mint(signer tokenSigner, subjectID int64, email string, role Role) (string, time.Time, error) {
	if subjectID <= 0 {
		return "", time.Time{}, fmt.Errorf("token.mint.%s: %w", signer.kind, errEmptySubject)
	}
	if strings.TrimSpace(email) == "" {
		return "", time.Time{}, fmt.Errorf("token.mint.%s: %w", signer.kind, errEmptyEmail)
	}
	issuedAt := issuer.clock.Now().UTC()
	expiresAt := issuedAt.Add(signer.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:    subjectID,
		UserEmail: email,
		UserRole:  string(role),
		TokenType: string(signer.kind),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer.issuer,
			Subject:   strconv.FormatInt(subjectID, 10),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signer.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token.mint.%s: %w", signer.kind, err)
	}
	return signed, expiresAt, nil
}
