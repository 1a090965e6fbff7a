package authkit

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation"
)

// Failure kinds surfaced to the transport layer.
var (
	// ErrInvalidCredentials covers an unknown email and a wrong password alike.
	ErrInvalidCredentials = errors.New("auth.invalid_credentials")
	// ErrAccessDenied rejects a refresh: no active session, hash mismatch, or lost rotation race.
	ErrAccessDenied = errors.New("auth.access_denied")
	// ErrUnauthenticated rejects a protected request without a valid access token.
	ErrUnauthenticated = errors.New("auth.unauthenticated")
	// ErrForbidden rejects an authenticated subject lacking the required role or ownership.
	ErrForbidden = errors.New("auth.forbidden")
	// ErrNotFound indicates the addressed user does not exist.
	ErrNotFound = errors.New("auth.not_found")
	// ErrInternal wraps any collaborator failure not classified above.
	ErrInternal = errors.New("auth.internal")
	// ErrInvalidInput indicates a malformed request payload or path parameter.
	ErrInvalidInput = errors.New("auth.invalid_input")
	// ErrConflict indicates a uniqueness violation such as a taken email.
	ErrConflict = errors.New("auth.conflict")
)

type publicError struct {
	sentinel error
	status   int
	code     string
	message  string
}

// Order matters: ErrInternal wins over anything it wraps.
var publicErrors = []publicError{
	{sentinel: ErrInternal, status: http.StatusInternalServerError, code: "internal_error", message: "Internal server error"},
	{sentinel: ErrInvalidCredentials, status: http.StatusUnauthorized, code: "invalid_credentials", message: "Invalid credentials"},
	{sentinel: ErrAccessDenied, status: http.StatusUnauthorized, code: "access_denied", message: "Access denied"},
	{sentinel: ErrUnauthenticated, status: http.StatusUnauthorized, code: "unauthenticated", message: "Unauthorized"},
	{sentinel: ErrForbidden, status: http.StatusForbidden, code: "forbidden", message: "Forbidden"},
	{sentinel: ErrNotFound, status: http.StatusNotFound, code: "not_found", message: "Not found"},
	{sentinel: ErrInvalidInput, status: http.StatusBadRequest, code: "invalid_input", message: "Invalid request"},
	{sentinel: ErrConflict, status: http.StatusConflict, code: "conflict", message: "Conflict"},
}

// internalError tags a collaborator failure as ErrInternal while keeping its cause for logs.
func internalError(operation string, cause error) error {
	return fmt.Errorf("%s: %w: %w", operation, ErrInternal, cause)
}

// ResponseForError maps an error onto an HTTP status and a body that carries no internal detail.
func ResponseForError(err error) (int, gin.H) {
	for _, candidate := range publicErrors {
		if !errors.Is(err, candidate.sentinel) {
			continue
		}
		body := gin.H{"error": candidate.code, "message": candidate.message}
		if candidate.sentinel == ErrInvalidInput {
			if fields := validationFields(err); len(fields) > 0 {
				body["fields"] = fields
			}
		}
		return candidate.status, body
	}
	return http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"}
}

// AbortWithError writes the public rendition of err and stops the handler chain.
func AbortWithError(contextGin *gin.Context, err error) {
	status, body := ResponseForError(err)
	contextGin.AbortWithStatusJSON(status, body)
}

func validationFields(err error) map[string]string {
	var validationErrors validation.Errors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	fields := make(map[string]string, len(validationErrors))
	for field, fieldErr := range validationErrors {
		if fieldErr != nil {
			fields[field] = fieldErr.Error()
		}
	}
	return fields
}
