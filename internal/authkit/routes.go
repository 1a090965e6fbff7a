package authkit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MountAuthRoutes registers /auth/signin, /auth/signout/:id, and /auth/refresh.
func MountAuthRoutes(router gin.IRouter, service *AuthService, guards GuardSet) {
	logger := loggerOrNop(guards.Logger)

	router.POST("/auth/signin", guards.Handlers(Public(), func(contextGin *gin.Context) {
		var inbound SignInRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			logger.Debug("sign in payload rejected",
				zap.String("code", "auth.signin.invalid_json"),
				zap.Error(err))
			AbortWithError(contextGin, fmt.Errorf("auth.signin.bind: %w", ErrInvalidInput))
			return
		}
		result, err := service.SignIn(contextGin.Request.Context(), inbound)
		if err != nil {
			AbortWithError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, result)
	})...)

	router.POST("/auth/signout/:id", guards.Handlers(Authenticated(), func(contextGin *gin.Context) {
		targetID, err := ParseUserID(contextGin.Param("id"))
		if err != nil {
			AbortWithError(contextGin, fmt.Errorf("auth.signout: %w", err))
			return
		}
		principal, ok := PrincipalFromContext(contextGin.Request.Context())
		if !ok {
			AbortWithError(contextGin, fmt.Errorf("auth.signout: %w", ErrUnauthenticated))
			return
		}
		if principal.UserID != targetID {
			logger.Warn("sign out rejected",
				zap.String("code", "auth.signout.not_owner"),
				zap.Int64("user_id", principal.UserID),
				zap.Int64("target_id", targetID))
			AbortWithError(contextGin, fmt.Errorf("auth.signout: %w", ErrForbidden))
			return
		}
		result, err := service.SignOut(contextGin.Request.Context(), targetID)
		if err != nil {
			AbortWithError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, result)
	})...)

	router.POST("/auth/refresh", guards.Refresh(), func(contextGin *gin.Context) {
		requestContext := contextGin.Request.Context()
		principal, hasPrincipal := PrincipalFromContext(requestContext)
		presentedToken, hasToken := RefreshTokenFromContext(requestContext)
		if !hasPrincipal || !hasToken {
			AbortWithError(contextGin, fmt.Errorf("auth.refresh: %w", ErrAccessDenied))
			return
		}
		pair, err := service.RefreshTokens(requestContext, principal.UserID, presentedToken)
		if err != nil {
			AbortWithError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, pair)
	})
}

// ParseUserID parses a positive integer path parameter.
func ParseUserID(raw string) (int64, error) {
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("user id %q: %w", raw, ErrInvalidInput)
	}
	return userID, nil
}
