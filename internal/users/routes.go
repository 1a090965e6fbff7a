package users

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/fintrack/internal/authkit"
	"go.uber.org/zap"
)

// MountUserRoutes registers the /users endpoints with their access policies.
func MountUserRoutes(router gin.IRouter, service *Service, guards authkit.GuardSet) {
	logger := guards.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	adminOnly := authkit.RequireRoles(authkit.RoleAdmin)

	router.POST("/users", guards.Handlers(authkit.Public(), func(contextGin *gin.Context) {
		var inbound RegisterInput
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			authkit.AbortWithError(contextGin, fmt.Errorf("users.register.bind: %w", authkit.ErrInvalidInput))
			return
		}
		if role, ok := authkit.ParseRole(inbound.Role); ok && role == authkit.RoleAdmin {
			logger.Warn("self-registration as admin refused",
				zap.String("code", "users.register.admin_role"))
			authkit.AbortWithError(contextGin, fmt.Errorf("users.register: %w", authkit.ErrForbidden))
			return
		}
		created, err := service.Register(contextGin.Request.Context(), inbound)
		if err != nil {
			authkit.AbortWithError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusCreated, created)
	})...)

	router.GET("/users", guards.Handlers(adminOnly, func(contextGin *gin.Context) {
		principal, ok := principalOrAbort(contextGin)
		if !ok {
			return
		}
		listed, err := service.List(contextGin.Request.Context(), principal.Role)
		if err != nil {
			authkit.AbortWithError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, listed)
	})...)

	router.GET("/users/me", guards.Handlers(authkit.Authenticated(), func(contextGin *gin.Context) {
		principal, ok := principalOrAbort(contextGin)
		if !ok {
			return
		}
		profile, err := service.Get(contextGin.Request.Context(), principal.UserID)
		if err != nil {
			authkit.AbortWithError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, profile)
	})...)

	router.GET("/users/:id", guards.Handlers(authkit.Authenticated(), func(contextGin *gin.Context) {
		targetID, requester, ok := resolveTarget(contextGin, service, logger)
		if !ok {
			return
		}
		if requester.Role != authkit.RoleAdmin && requester.UserID != targetID {
			rejectNotOwner(contextGin, logger, "users.get", requester, targetID)
			return
		}
		profile, err := service.Get(contextGin.Request.Context(), targetID)
		if err != nil {
			authkit.AbortWithError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, profile)
	})...)

	router.PUT("/users/:id", guards.Handlers(authkit.Authenticated(), func(contextGin *gin.Context) {
		targetID, requester, ok := resolveTarget(contextGin, service, logger)
		if !ok {
			return
		}
		if requester.Role != authkit.RoleAdmin && requester.UserID != targetID {
			rejectNotOwner(contextGin, logger, "users.update", requester, targetID)
			return
		}
		var inbound UpdateInput
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			authkit.AbortWithError(contextGin, fmt.Errorf("users.update.bind: %w", authkit.ErrInvalidInput))
			return
		}
		if inbound.ChangesRole() && requester.Role != authkit.RoleAdmin {
			logger.Warn("role change by non-admin refused",
				zap.String("code", "users.update.role_forbidden"),
				zap.Int64("user_id", requester.UserID))
			authkit.AbortWithError(contextGin, fmt.Errorf("users.update: %w", authkit.ErrForbidden))
			return
		}
		updated, err := service.Update(contextGin.Request.Context(), targetID, inbound)
		if err != nil {
			authkit.AbortWithError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, updated)
	})...)

	router.DELETE("/users/:id", guards.Handlers(adminOnly, func(contextGin *gin.Context) {
		targetID, err := authkit.ParseUserID(contextGin.Param("id"))
		if err != nil {
			authkit.AbortWithError(contextGin, fmt.Errorf("users.delete: %w", err))
			return
		}
		principal, ok := principalOrAbort(contextGin)
		if !ok {
			return
		}
		if principal.UserID == targetID {
			logger.Warn("admin self-deletion refused",
				zap.String("code", "users.delete.self"),
				zap.Int64("user_id", principal.UserID))
			authkit.AbortWithError(contextGin, fmt.Errorf("users.delete: %w", authkit.ErrForbidden))
			return
		}
		removed, err := service.Delete(contextGin.Request.Context(), targetID)
		if err != nil {
			authkit.AbortWithError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, removed)
	})...)

	router.PATCH("/users/:id/role", guards.Handlers(adminOnly, func(contextGin *gin.Context) {
		targetID, err := authkit.ParseUserID(contextGin.Param("id"))
		if err != nil {
			authkit.AbortWithError(contextGin, fmt.Errorf("users.change_role: %w", err))
			return
		}
		var inbound RoleInput
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			authkit.AbortWithError(contextGin, fmt.Errorf("users.change_role.bind: %w", authkit.ErrInvalidInput))
			return
		}
		updated, err := service.ChangeRole(contextGin.Request.Context(), targetID, inbound)
		if err != nil {
			authkit.AbortWithError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, updated)
	})...)
}

func principalOrAbort(contextGin *gin.Context) (authkit.Principal, bool) {
	principal, ok := authkit.PrincipalFromContext(contextGin.Request.Context())
	if !ok {
		authkit.AbortWithError(contextGin, fmt.Errorf("users: %w", authkit.ErrUnauthenticated))
		return authkit.Principal{}, false
	}
	return principal, true
}

// resolveTarget parses :id and loads the requester's current role, so ownership
// checks never rely on the role embedded in the access token.
func resolveTarget(contextGin *gin.Context, service *Service, logger *zap.Logger) (int64, authkit.Principal, bool) {
	targetID, err := authkit.ParseUserID(contextGin.Param("id"))
	if err != nil {
		authkit.AbortWithError(contextGin, fmt.Errorf("users: %w", err))
		return 0, authkit.Principal{}, false
	}
	principal, ok := principalOrAbort(contextGin)
	if !ok {
		return 0, authkit.Principal{}, false
	}
	currentRole, err := service.currentRole(contextGin.Request.Context(), principal.UserID)
	if err != nil {
		logger.Warn("requester lookup failed",
			zap.String("code", "users.requester_lookup"),
			zap.Int64("user_id", principal.UserID),
			zap.Error(err))
		authkit.AbortWithError(contextGin, err)
		return 0, authkit.Principal{}, false
	}
	principal.Role = currentRole
	return targetID, principal, true
}

func rejectNotOwner(contextGin *gin.Context, logger *zap.Logger, operation string, requester authkit.Principal, targetID int64) {
	logger.Warn("access to another profile refused",
		zap.String("code", operation+".not_owner"),
		zap.Int64("user_id", requester.UserID),
		zap.Int64("target_id", targetID))
	authkit.AbortWithError(contextGin, fmt.Errorf("%s: %w", operation, authkit.ErrForbidden))
}

func (service *Service) currentRole(ctx context.Context, userID int64) (authkit.Role, error) {
	user, err := service.store.FindByID(ctx, userID, false)
	if err != nil {
		storeErr := service.storeError("users.requester", userID, err)
		if !isInternal(storeErr) {
			return "", fmt.Errorf("users.requester: %w", authkit.ErrForbidden)
		}
		return "", storeErr
	}
	return user.Role, nil
}
