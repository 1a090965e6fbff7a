package authkit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Now().UTC().Truncate(time.Second)}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		AccessTokenSecret:   []byte("access-secret-for-tests-0123456789"),
		RefreshTokenSecret:  []byte("refresh-secret-for-tests-9876543210"),
		AccessTokenTTL:      15 * time.Minute,
		RefreshTokenTTL:     7 * 24 * time.Hour,
		TokenIssuer:         "fintrack-test",
		PasswordHashCost:    bcrypt.MinCost,
		MaxConcurrentHashes: 4,
		HashTimeout:         5 * time.Second,
	}
}

var sqliteDatabaseSequence atomic.Int64

func newSQLiteStore(t *testing.T) *DatabaseCredentialStore {
	t.Helper()
	databaseURL := fmt.Sprintf("sqlite:file:authkit_%d?mode=memory&cache=shared", sqliteDatabaseSequence.Add(1))
	store, err := NewDatabaseCredentialStore(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

type authHarness struct {
	config  ServerConfig
	clock   *controllableClock
	store   *MemoryCredentialStore
	hasher  *BcryptHasher
	issuer  *TokenIssuer
	metrics *CounterMetrics
	service *AuthService
	guards  GuardSet
}

func newAuthHarness(t *testing.T) *authHarness {
	t.Helper()
	config := newTestServerConfig()
	clock := newControllableClock()
	hasher, err := NewBcryptHasherFromConfig(config)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	issuer, err := NewTokenIssuer(config, clock)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	store := NewMemoryCredentialStore()
	metrics := NewCounterMetrics()
	logger := zaptest.NewLogger(t)
	return &authHarness{
		config:  config,
		clock:   clock,
		store:   store,
		hasher:  hasher,
		issuer:  issuer,
		metrics: metrics,
		service: NewAuthService(store, hasher, issuer, logger, metrics),
		guards:  GuardSet{Verifier: issuer, Roles: store, Logger: logger, Metrics: metrics},
	}
}

func (harness *authHarness) seedUser(t *testing.T, email string, password string, role Role) User {
	t.Helper()
	passwordHash, err := harness.hasher.Hash(context.Background(), password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user, err := harness.store.CreateUser(context.Background(), User{
		Name:         "Test " + string(role),
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func (harness *authHarness) storedRefreshHash(t *testing.T, userID int64) *string {
	t.Helper()
	user, err := harness.store.FindByID(context.Background(), userID, true)
	if err != nil {
		t.Fatalf("find user %d: %v", userID, err)
	}
	return user.RefreshTokenHash
}
