package users

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyemirov/fintrack/internal/authkit"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

type routeHarness struct {
	router  *gin.Engine
	store   *authkit.MemoryCredentialStore
	issuer  *authkit.TokenIssuer
	service *Service
}

func newRouteHarness(t *testing.T) *routeHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	config := authkit.ServerConfig{
		AccessTokenSecret:   []byte("users-access-secret-0123456789"),
		RefreshTokenSecret:  []byte("users-refresh-secret-9876543210"),
		AccessTokenTTL:      15 * time.Minute,
		RefreshTokenTTL:     7 * 24 * time.Hour,
		TokenIssuer:         "fintrack-users-test",
		PasswordHashCost:    bcrypt.MinCost,
		MaxConcurrentHashes: 4,
		HashTimeout:         5 * time.Second,
	}
	issuer, err := authkit.NewTokenIssuer(config, nil)
	require.NoError(t, err)
	hasher, err := authkit.NewBcryptHasherFromConfig(config)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	store := authkit.NewMemoryCredentialStore()
	metrics := authkit.NewCounterMetrics()
	guards := authkit.GuardSet{Verifier: issuer, Roles: store, Logger: logger, Metrics: metrics}
	service := NewService(store, hasher, logger)

	router := gin.New()
	authkit.MountAuthRoutes(router, authkit.NewAuthService(store, hasher, issuer, logger, metrics), guards)
	MountUserRoutes(router, service, guards)

	return &routeHarness{router: router, store: store, issuer: issuer, service: service}
}

func (harness *routeHarness) register(t *testing.T, name string, email string, role authkit.Role) (authkit.PublicUser, string) {
	t.Helper()
	created, err := harness.service.Register(context.Background(), RegisterInput{
		Name:     name,
		Email:    email,
		Password: "secret1",
		Role:     role.String(),
	})
	require.NoError(t, err)
	token, _, err := harness.issuer.IssueAccessToken(created.ID, created.Email, created.Role)
	require.NoError(t, err)
	return created, token
}

func (harness *routeHarness) do(t *testing.T, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	request := httptest.NewRequest(method, path, &body)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	return decoded
}

func userPath(userID int64) string {
	return "/users/" + strconv.FormatInt(userID, 10)
}

func TestRegisterRoute(t *testing.T) {
	harness := newRouteHarness(t)

	created := harness.do(t, http.MethodPost, "/users", "", map[string]string{
		"name": "Alice", "email": "alice@example.com", "password": "secret1",
	})
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	body := decodeBody(t, created)
	assert.Equal(t, "alice@example.com", body["email"])
	assert.Equal(t, "USER", body["role"])
	assert.NotContains(t, created.Body.String(), "password")

	duplicate := harness.do(t, http.MethodPost, "/users", "", map[string]string{
		"name": "Alice Again", "email": "ALICE@example.com", "password": "secret1",
	})
	assert.Equal(t, http.StatusConflict, duplicate.Code)

	invalid := harness.do(t, http.MethodPost, "/users", "", map[string]string{
		"name": "A", "email": "nope", "password": "1",
	})
	require.Equal(t, http.StatusBadRequest, invalid.Code)
	fields, ok := decodeBody(t, invalid)["fields"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "name")
	assert.Contains(t, fields, "email")
	assert.Contains(t, fields, "password")

	admin := harness.do(t, http.MethodPost, "/users", "", map[string]string{
		"name": "Mallory", "email": "mallory@example.com", "password": "secret1", "role": "ADMIN",
	})
	assert.Equal(t, http.StatusForbidden, admin.Code)

	malformed := httptest.NewRequest(http.MethodPost, "/users", bytes.NewBufferString("{"))
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, malformed)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestProfileOwnership(t *testing.T) {
	harness := newRouteHarness(t)
	alice, aliceToken := harness.register(t, "Alice", "alice@example.com", authkit.RoleUser)
	bob, bobToken := harness.register(t, "Bobby", "bob@example.com", authkit.RoleUser)
	_, adminToken := harness.register(t, "Admin", "admin@example.com", authkit.RoleAdmin)

	me := harness.do(t, http.MethodGet, "/users/me", aliceToken, nil)
	require.Equal(t, http.StatusOK, me.Code)
	assert.Equal(t, "alice@example.com", decodeBody(t, me)["email"])

	assert.Equal(t, http.StatusOK, harness.do(t, http.MethodGet, userPath(alice.ID), aliceToken, nil).Code)
	assert.Equal(t, http.StatusForbidden, harness.do(t, http.MethodGet, userPath(alice.ID), bobToken, nil).Code)
	assert.Equal(t, http.StatusOK, harness.do(t, http.MethodGet, userPath(bob.ID), adminToken, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, harness.do(t, http.MethodGet, userPath(bob.ID), "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, harness.do(t, http.MethodGet, "/users/abc", aliceToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, harness.do(t, http.MethodGet, userPath(999), adminToken, nil).Code)

	rename := map[string]string{"name": "Robert"}
	assert.Equal(t, http.StatusForbidden, harness.do(t, http.MethodPut, userPath(alice.ID), bobToken, rename).Code)
	renamed := harness.do(t, http.MethodPut, userPath(bob.ID), bobToken, rename)
	require.Equal(t, http.StatusOK, renamed.Code)
	assert.Equal(t, "Robert", decodeBody(t, renamed)["name"])

	byAdmin := harness.do(t, http.MethodPut, userPath(alice.ID), adminToken, map[string]string{"name": "Alicia"})
	require.Equal(t, http.StatusOK, byAdmin.Code)
	assert.Equal(t, "Alicia", decodeBody(t, byAdmin)["name"])
}

func TestRoleChangesRequireAdmin(t *testing.T) {
	harness := newRouteHarness(t)
	alice, aliceToken := harness.register(t, "Alice", "alice@example.com", authkit.RoleUser)
	_, adminToken := harness.register(t, "Admin", "admin@example.com", authkit.RoleAdmin)

	selfPromotion := harness.do(t, http.MethodPut, userPath(alice.ID), aliceToken, map[string]string{"role": "ADMIN"})
	assert.Equal(t, http.StatusForbidden, selfPromotion.Code)
	assert.Equal(t, http.StatusForbidden, harness.do(t, http.MethodPatch, userPath(alice.ID)+"/role", aliceToken, map[string]string{"role": "ADMIN"}).Code)
	assert.Equal(t, http.StatusForbidden, harness.do(t, http.MethodGet, "/users", aliceToken, nil).Code)

	invalidRole := harness.do(t, http.MethodPatch, userPath(alice.ID)+"/role", adminToken, map[string]string{"role": "ROOT"})
	assert.Equal(t, http.StatusBadRequest, invalidRole.Code)

	promoted := harness.do(t, http.MethodPatch, userPath(alice.ID)+"/role", adminToken, map[string]string{"role": "ADMIN"})
	require.Equal(t, http.StatusOK, promoted.Code)
	assert.Equal(t, "ADMIN", decodeBody(t, promoted)["role"])

	// Alice's token still says USER; the guard reads the stored role.
	listed := harness.do(t, http.MethodGet, "/users", aliceToken, nil)
	require.Equal(t, http.StatusOK, listed.Code)
	var everyone []map[string]any
	require.NoError(t, json.Unmarshal(listed.Body.Bytes(), &everyone))
	assert.Len(t, everyone, 2)
}

func TestDeleteRoute(t *testing.T) {
	harness := newRouteHarness(t)
	alice, aliceToken := harness.register(t, "Alice", "alice@example.com", authkit.RoleUser)
	admin, adminToken := harness.register(t, "Admin", "admin@example.com", authkit.RoleAdmin)

	assert.Equal(t, http.StatusForbidden, harness.do(t, http.MethodDelete, userPath(alice.ID), aliceToken, nil).Code)
	assert.Equal(t, http.StatusForbidden, harness.do(t, http.MethodDelete, userPath(admin.ID), adminToken, nil).Code)

	removed := harness.do(t, http.MethodDelete, userPath(alice.ID), adminToken, nil)
	require.Equal(t, http.StatusOK, removed.Code)
	assert.Equal(t, "alice@example.com", decodeBody(t, removed)["email"])
	assert.Equal(t, http.StatusNotFound, harness.do(t, http.MethodDelete, userPath(alice.ID), adminToken, nil).Code)

	// A deleted account's token no longer passes ownership checks.
	assert.Equal(t, http.StatusForbidden, harness.do(t, http.MethodGet, userPath(alice.ID), aliceToken, nil).Code)
}

func TestPasswordChangeRevokesRefreshToken(t *testing.T) {
	harness := newRouteHarness(t)
	alice, aliceToken := harness.register(t, "Alice", "alice@example.com", authkit.RoleUser)

	signIn := harness.do(t, http.MethodPost, "/auth/signin", "", map[string]string{
		"email": "alice@example.com", "password": "secret1",
	})
	require.Equal(t, http.StatusOK, signIn.Code, signIn.Body.String())
	refreshToken, ok := decodeBody(t, signIn)["refreshToken"].(string)
	require.True(t, ok)

	changed := harness.do(t, http.MethodPut, userPath(alice.ID), aliceToken, map[string]string{"password": "secret2"})
	require.Equal(t, http.StatusOK, changed.Code)

	refreshed := harness.do(t, http.MethodPost, "/auth/refresh", refreshToken, nil)
	assert.Equal(t, http.StatusUnauthorized, refreshed.Code)
	assert.Equal(t, "access_denied", decodeBody(t, refreshed)["error"])

	oldPassword := harness.do(t, http.MethodPost, "/auth/signin", "", map[string]string{
		"email": "alice@example.com", "password": "secret1",
	})
	assert.Equal(t, http.StatusUnauthorized, oldPassword.Code)
	newPassword := harness.do(t, http.MethodPost, "/auth/signin", "", map[string]string{
		"email": "alice@example.com", "password": "secret2",
	})
	assert.Equal(t, http.StatusOK, newPassword.Code)
}
