package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// bcrypt ignores input past this many bytes.
const maxPasswordBytes = 72

var (
	// ErrPasswordMismatch indicates the plaintext does not match the stored hash.
	ErrPasswordMismatch = errors.New("password.mismatch")
	// ErrEmptyPassword rejects hashing an empty password.
	ErrEmptyPassword = errors.New("password.empty")
	// ErrPasswordTooLong rejects passwords bcrypt would silently truncate.
	ErrPasswordTooLong = errors.New("password.too_long")
)

// PasswordHasher is a one-way salted hash with constant-time verification.
type PasswordHasher interface {
	Hash(ctx context.Context, plaintext string) (string, error)
	Compare(ctx context.Context, hash string, plaintext string) error
}

// BcryptHasher runs bcrypt off the calling goroutine with bounded parallelism,
// so a slow hash can be abandoned on timeout without stalling other requests.
type BcryptHasher struct {
	cost    int
	limiter *semaphore.Weighted
	timeout time.Duration
}

// NewBcryptHasher constructs a hasher with the given cost, concurrency limit, and per-call timeout.
// A zero timeout leaves the deadline to the caller's context.
func NewBcryptHasher(cost int, maxConcurrent int64, timeout time.Duration) (*BcryptHasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("password.new: %w", ErrConfigInvalidHashCost)
	}
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("password.new: %w", ErrConfigInvalidHashLimit)
	}
	return &BcryptHasher{
		cost:    cost,
		limiter: semaphore.NewWeighted(maxConcurrent),
		timeout: timeout,
	}, nil
}

// NewBcryptHasherFromConfig builds a hasher from ServerConfig.
func NewBcryptHasherFromConfig(configuration ServerConfig) (*BcryptHasher, error) {
	return NewBcryptHasher(configuration.PasswordHashCost, configuration.MaxConcurrentHashes, configuration.HashTimeout)
}

// Hash returns the bcrypt hash of plaintext.
func (hasher *BcryptHasher) Hash(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("password.hash: %w", ErrEmptyPassword)
	}
	if len(plaintext) > maxPasswordBytes {
		return "", fmt.Errorf("password.hash: %w", ErrPasswordTooLong)
	}
	var hashed []byte
	err := hasher.run(ctx, "hash", func() error {
		generated, generateErr := bcrypt.GenerateFromPassword([]byte(plaintext), hasher.cost)
		hashed = generated
		return generateErr
	})
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Compare verifies plaintext against hash, returning ErrPasswordMismatch on mismatch.
func (hasher *BcryptHasher) Compare(ctx context.Context, hash string, plaintext string) error {
	if hash == "" {
		return fmt.Errorf("password.compare: %w", ErrPasswordMismatch)
	}
	return hasher.run(ctx, "compare", func() error {
		compareErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
		if errors.Is(compareErr, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return compareErr
	})
}

func (hasher *BcryptHasher) run(ctx context.Context, operation string, work func() error) error {
	if hasher.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hasher.timeout)
		defer cancel()
	}
	if err := hasher.limiter.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("password.%s.acquire: %w", operation, err)
	}
	done := make(chan error, 1)
	go func() {
		defer hasher.limiter.Release(1)
		done <- work()
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("password.%s: %w", operation, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("password.%s: %w", operation, ctx.Err())
	}
}
