package authkit

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/fintrack/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// RoutePolicy is the per-route access configuration passed at registration time.
type RoutePolicy struct {
	Public bool
	Roles  []Role
}

// Public marks a route as exempt from access-token verification.
func Public() RoutePolicy {
	return RoutePolicy{Public: true}
}

// Authenticated requires a valid access token and admits any role.
func Authenticated() RoutePolicy {
	return RoutePolicy{}
}

// RequireRoles requires a valid access token held by a subject whose current role is listed.
func RequireRoles(roles ...Role) RoutePolicy {
	return RoutePolicy{Roles: roles}
}

func (policy RoutePolicy) allows(role Role) bool {
	if len(policy.Roles) == 0 {
		return true
	}
	for _, allowed := range policy.Roles {
		if allowed == role {
			return true
		}
	}
	return false
}

// Principal is the authenticated subject attached to a request.
type Principal struct {
	UserID int64
	Email  string
	Role   Role
}

type principalContextKey struct{}

type refreshTokenContextKey struct{}

// WithPrincipal returns a context carrying principal.
func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext returns the principal attached by a guard.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}

// RefreshTokenFromContext returns the raw refresh token forwarded by RefreshGuard.
func RefreshTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(refreshTokenContextKey{}).(string)
	return token, ok && token != ""
}

func principalFromClaims(claims *Claims) Principal {
	return Principal{
		UserID: claims.GetUserID(),
		Email:  claims.GetUserEmail(),
		Role:   Role(claims.GetUserRole()),
	}
}

// AccessGuard verifies the access token unless the route is public and attaches the principal.
func AccessGuard(verifier TokenVerifier, policy RoutePolicy, logger *zap.Logger, metrics MetricsRecorder) gin.HandlerFunc {
	logger = loggerOrNop(logger)
	metrics = metricsOrNoop(metrics)
	return func(contextGin *gin.Context) {
		if policy.Public {
			contextGin.Next()
			return
		}
		claims, err := verifyBearer(contextGin, verifier, AccessToken)
		if err != nil {
			metrics.Increment(metricGuardRejected)
			logger.Debug("access token rejected",
				zap.String("code", guardRejectionCode("guard.access", err)),
				zap.String("path", contextGin.FullPath()),
				zap.Error(err))
			AbortWithError(contextGin, fmt.Errorf("guard.access: %w", ErrUnauthenticated))
			return
		}
		principal := principalFromClaims(claims)
		contextGin.Request = contextGin.Request.WithContext(WithPrincipal(contextGin.Request.Context(), principal))
		contextGin.Next()
	}
}

// RefreshGuard verifies the refresh token and forwards both the principal and the raw token.
func RefreshGuard(verifier TokenVerifier, logger *zap.Logger, metrics MetricsRecorder) gin.HandlerFunc {
	logger = loggerOrNop(logger)
	metrics = metricsOrNoop(metrics)
	return func(contextGin *gin.Context) {
		rawToken, headerErr := sessionvalidator.BearerToken(contextGin.Request)
		if headerErr != nil {
			metrics.Increment(metricGuardRejected)
			logger.Debug("refresh token rejected",
				zap.String("code", "guard.refresh.missing_token"),
				zap.Error(headerErr))
			AbortWithError(contextGin, fmt.Errorf("guard.refresh: %w", ErrAccessDenied))
			return
		}
		claims, err := verifier.Verify(rawToken, RefreshToken)
		if err != nil {
			metrics.Increment(metricGuardRejected)
			logger.Debug("refresh token rejected",
				zap.String("code", guardRejectionCode("guard.refresh", err)),
				zap.Error(err))
			AbortWithError(contextGin, fmt.Errorf("guard.refresh: %w", ErrAccessDenied))
			return
		}
		requestContext := WithPrincipal(contextGin.Request.Context(), principalFromClaims(claims))
		requestContext = context.WithValue(requestContext, refreshTokenContextKey{}, rawToken)
		contextGin.Request = contextGin.Request.WithContext(requestContext)
		contextGin.Next()
	}
}

// RoleLookup resolves the current stored role of a subject.
type RoleLookup interface {
	FindByID(ctx context.Context, userID int64, withSecrets bool) (User, error)
}

// RoleGuard checks the subject's current stored role against the policy.
// The role embedded in the access token is ignored so role changes apply immediately.
func RoleGuard(store RoleLookup, policy RoutePolicy, logger *zap.Logger, metrics MetricsRecorder) gin.HandlerFunc {
	logger = loggerOrNop(logger)
	metrics = metricsOrNoop(metrics)
	return func(contextGin *gin.Context) {
		if policy.Public || len(policy.Roles) == 0 {
			contextGin.Next()
			return
		}
		principal, ok := PrincipalFromContext(contextGin.Request.Context())
		if !ok {
			AbortWithError(contextGin, fmt.Errorf("guard.role: %w", ErrUnauthenticated))
			return
		}
		user, err := store.FindByID(contextGin.Request.Context(), principal.UserID, false)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidUserID) {
				metrics.Increment(metricRoleForbidden)
				logger.Warn("role check rejected",
					zap.String("code", "guard.role.unknown_user"),
					zap.Int64("user_id", principal.UserID))
				AbortWithError(contextGin, fmt.Errorf("guard.role: %w", ErrForbidden))
				return
			}
			logger.Error("role lookup failed",
				zap.String("code", "guard.role.lookup_error"),
				zap.Int64("user_id", principal.UserID),
				zap.Error(err))
			AbortWithError(contextGin, internalError("guard.role", err))
			return
		}
		if !policy.allows(user.Role) {
			metrics.Increment(metricRoleForbidden)
			logger.Warn("role check rejected",
				zap.String("code", "guard.role.forbidden"),
				zap.Int64("user_id", principal.UserID),
				zap.String("role", user.Role.String()))
			AbortWithError(contextGin, fmt.Errorf("guard.role: %w", ErrForbidden))
			return
		}
		principal.Role = user.Role
		contextGin.Request = contextGin.Request.WithContext(WithPrincipal(contextGin.Request.Context(), principal))
		contextGin.Next()
	}
}

// GuardSet bundles the collaborators shared by every guarded route.
type GuardSet struct {
	Verifier TokenVerifier
	Roles    RoleLookup
	Logger   *zap.Logger
	Metrics  MetricsRecorder
}

// For composes the access and role guards for a route policy.
func (guards GuardSet) For(policy RoutePolicy) []gin.HandlerFunc {
	if policy.Public {
		return []gin.HandlerFunc{AccessGuard(guards.Verifier, policy, guards.Logger, guards.Metrics)}
	}
	return []gin.HandlerFunc{
		AccessGuard(guards.Verifier, policy, guards.Logger, guards.Metrics),
		RoleGuard(guards.Roles, policy, guards.Logger, guards.Metrics),
	}
}

// Refresh returns the refresh guard.
func (guards GuardSet) Refresh() gin.HandlerFunc {
	return RefreshGuard(guards.Verifier, guards.Logger, guards.Metrics)
}

// Handlers appends handler to the guard chain of policy, ready for route registration.
func (guards GuardSet) Handlers(policy RoutePolicy, handler gin.HandlerFunc) []gin.HandlerFunc {
	return append(guards.For(policy), handler)
}

func verifyBearer(contextGin *gin.Context, verifier TokenVerifier, kind TokenKind) (*Claims, error) {
	rawToken, err := sessionvalidator.BearerToken(contextGin.Request)
	if err != nil {
		return nil, err
	}
	return verifier.Verify(rawToken, kind)
}

func guardRejectionCode(prefix string, err error) string {
	switch {
	case errors.Is(err, sessionvalidator.ErrMissingToken):
		return prefix + ".missing_token"
	case errors.Is(err, sessionvalidator.ErrMalformedHeader):
		return prefix + ".malformed_header"
	case errors.Is(err, ErrTokenExpired):
		return prefix + ".expired"
	case errors.Is(err, ErrTokenSignature):
		return prefix + ".bad_signature"
	case errors.Is(err, ErrTokenWrongType):
		return prefix + ".wrong_type"
	default:
		return prefix + ".invalid_token"
	}
}

func loggerOrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
