package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ServerConfig configures token issuers and password hashing.
type ServerConfig struct {
	AccessTokenSecret   []byte
	RefreshTokenSecret  []byte
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	TokenIssuer         string
	PasswordHashCost    int
	MaxConcurrentHashes int64
	HashTimeout         time.Duration
}

// Defaults applied by the command line layer.
const (
	DefaultAccessTokenTTL      = 15 * time.Minute
	DefaultRefreshTokenTTL     = 7 * 24 * time.Hour
	DefaultTokenIssuer         = "fintrack-auth"
	DefaultPasswordHashCost    = 10
	DefaultMaxConcurrentHashes = 8
	DefaultHashTimeout         = 5 * time.Second
)

var (
	ErrConfigMissingAccessSecret  = errors.New("config.missing_access_token_secret")
	ErrConfigMissingRefreshSecret = errors.New("config.missing_refresh_token_secret")
	ErrConfigSharedSecret         = errors.New("config.shared_token_secret")
	ErrConfigInvalidAccessTTL     = errors.New("config.invalid_access_token_ttl")
	ErrConfigInvalidRefreshTTL    = errors.New("config.invalid_refresh_token_ttl")
	ErrConfigMissingIssuer        = errors.New("config.missing_token_issuer")
	ErrConfigInvalidHashCost      = errors.New("config.invalid_password_hash_cost")
	ErrConfigInvalidHashLimit     = errors.New("config.invalid_max_concurrent_hashes")
)

// Validate reports the first configuration defect.
func (configuration ServerConfig) Validate() error {
	if len(configuration.AccessTokenSecret) == 0 {
		return fmt.Errorf("%w: access_token_secret must be provided", ErrConfigMissingAccessSecret)
	}
	if len(configuration.RefreshTokenSecret) == 0 {
		return fmt.Errorf("%w: refresh_token_secret must be provided", ErrConfigMissingRefreshSecret)
	}
	if string(configuration.AccessTokenSecret) == string(configuration.RefreshTokenSecret) {
		return fmt.Errorf("%w: access and refresh token secrets must differ", ErrConfigSharedSecret)
	}
	if configuration.AccessTokenTTL <= 0 {
		return fmt.Errorf("%w: access_token_ttl must be greater than zero", ErrConfigInvalidAccessTTL)
	}
	if configuration.RefreshTokenTTL <= 0 {
		return fmt.Errorf("%w: refresh_token_ttl must be greater than zero", ErrConfigInvalidRefreshTTL)
	}
	if configuration.AccessTokenTTL >= configuration.RefreshTokenTTL {
		return fmt.Errorf("%w: refresh_token_ttl must exceed access_token_ttl", ErrConfigInvalidRefreshTTL)
	}
	if strings.TrimSpace(configuration.TokenIssuer) == "" {
		return fmt.Errorf("%w: token_issuer must be provided", ErrConfigMissingIssuer)
	}
	if configuration.PasswordHashCost < bcrypt.MinCost || configuration.PasswordHashCost > bcrypt.MaxCost {
		return fmt.Errorf("%w: password_hash_cost must be between %d and %d", ErrConfigInvalidHashCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if configuration.MaxConcurrentHashes <= 0 {
		return fmt.Errorf("%w: max_concurrent_hashes must be greater than zero", ErrConfigInvalidHashLimit)
	}
	return nil
}
