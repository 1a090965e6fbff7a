package web

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("cors.empty_allowed_origins")
	errInvalidOrigin       = errors.New("cors.invalid_origin")
)

// ConfigureCORS allows cross-origin calls from an explicit origin list.
// Tokens travel in the Authorization header, so credentials mode stays off.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sanitized, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	config := cors.Config{
		AllowOrigins:     sanitized,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{"Content-Type", requestIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	return cors.New(config), nil
}

func sanitizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	seen := make(map[string]struct{}, len(allowed))
	sanitized := make([]string, 0, len(allowed))
	for _, raw := range allowed {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		origin, insecure, err := normalizeOrigin(raw)
		if err != nil {
			return nil, err
		}
		if _, duplicate := seen[origin]; duplicate {
			continue
		}
		seen[origin] = struct{}{}
		if insecure {
			logger.Warn("unsafe cors origin configured",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", origin))
		}
		sanitized = append(sanitized, origin)
	}
	if len(sanitized) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	sort.Strings(sanitized)
	return sanitized, nil
}

// normalizeOrigin reduces raw to scheme://host[:port] and reports plain http
// origins outside local development.
func normalizeOrigin(raw string) (string, bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "*" {
		return "", false, errWildcardOrigin
	}
	parsed, parseErr := url.Parse(trimmed)
	switch {
	case parseErr != nil || parsed.Scheme == "" || parsed.Host == "":
		return "", false, fmt.Errorf("%w: %s", errInvalidOrigin, trimmed)
	case parsed.Path != "" && parsed.Path != "/":
		return "", false, fmt.Errorf("%w: %s has a path", errInvalidOrigin, trimmed)
	case parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil:
		return "", false, fmt.Errorf("%w: %s has query, fragment or userinfo", errInvalidOrigin, trimmed)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "https" && scheme != "http" {
		return "", false, fmt.Errorf("%w: %s uses scheme %s", errInvalidOrigin, trimmed, scheme)
	}
	insecure := scheme == "http" && !isDevelopmentHost(parsed.Hostname())
	return scheme + "://" + strings.ToLower(parsed.Host), insecure, nil
}

func isDevelopmentHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
