package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConfigureCORSAllowsListedOrigin(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	middleware, err := ConfigureCORS(zap.NewNop(), []string{"https://app.example.com", "http://localhost:3000"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router := gin.New()
	router.Use(middleware)
	router.GET("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})
	router.OPTIONS("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	preflight := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	preflight.Header.Set("Origin", "https://app.example.com")
	preflight.Header.Set("Access-Control-Request-Method", http.MethodGet)
	preflight.Header.Set("Access-Control-Request-Headers", "Authorization")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, preflight)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "https://app.example.com" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
	if credentials := recorder.Header().Get("Access-Control-Allow-Credentials"); credentials != "" {
		t.Fatalf("credentials must not be allowed, got %q", credentials)
	}

	foreign := httptest.NewRequest(http.MethodGet, "/resource", nil)
	foreign.Header.Set("Origin", "https://evil.example.com")
	foreignRecorder := httptest.NewRecorder()
	router.ServeHTTP(foreignRecorder, foreign)
	if foreignRecorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unlisted origin, got %d", foreignRecorder.Code)
	}
}

func TestConfigureCORSRejectsBadOrigins(t *testing.T) {
	testCases := []struct {
		name    string
		origins []string
		want    error
	}{
		{name: "nil", origins: nil, want: errEmptyAllowedOrigins},
		{name: "blank", origins: []string{"  "}, want: errEmptyAllowedOrigins},
		{name: "wildcard", origins: []string{"*"}, want: errWildcardOrigin},
		{name: "path", origins: []string{"https://app.example.com/login"}, want: errInvalidOrigin},
		{name: "scheme", origins: []string{"ftp://app.example.com"}, want: errInvalidOrigin},
		{name: "bare host", origins: []string{"app.example.com"}, want: errInvalidOrigin},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := ConfigureCORS(nil, testCase.origins); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestSanitizeOriginsDeduplicatesAndWarns(t *testing.T) {
	core, observed := observer.New(zapcore.WarnLevel)
	sanitized, err := sanitizeOrigins(zap.New(core), []string{"HTTPS://App.example.com/", "https://app.example.com", "http://staging.example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sanitized) != 2 {
		t.Fatalf("expected 2 origins, got %v", sanitized)
	}
	if observed.FilterField(zap.String("code", "cors.origin.unsafe")).Len() != 1 {
		t.Fatalf("expected one unsafe origin warning, got %d", observed.Len())
	}
}

func TestRequestLoggerAssignsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, observed := observer.New(zapcore.InfoLevel)
	router := gin.New()
	router.Use(RequestLogger(zap.New(core)))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})
	router.GET("/boom", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusInternalServerError)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ping", nil))
	generated := recorder.Header().Get(requestIDHeader)
	if generated == "" {
		t.Fatalf("expected generated request id")
	}

	const supplied = "5f0c6f0e-3f0e-4f59-9d38-4c0f5a1b2c3d"
	request := httptest.NewRequest(http.MethodGet, "/boom", nil)
	request.Header.Set(requestIDHeader, supplied)
	echoed := httptest.NewRecorder()
	router.ServeHTTP(echoed, request)
	if got := echoed.Header().Get(requestIDHeader); got != supplied {
		t.Fatalf("expected supplied request id, got %q", got)
	}

	entries := observed.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[1].Level != zapcore.ErrorLevel {
		t.Fatalf("unexpected levels: %v, %v", entries[0].Level, entries[1].Level)
	}
	if entries[1].ContextMap()["request_id"] != supplied {
		t.Fatalf("expected request id in log fields, got %v", entries[1].ContextMap())
	}
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	testCases := []struct {
		name   string
		pinger Pinger
		status int
	}{
		{name: "no storage", pinger: nil, status: http.StatusOK},
		{name: "healthy", pinger: PingerFunc(func(context.Context) error { return nil }), status: http.StatusOK},
		{name: "unreachable", pinger: PingerFunc(func(context.Context) error { return errors.New("down") }), status: http.StatusServiceUnavailable},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			router := gin.New()
			router.GET("/healthz", HealthHandler(testCase.pinger, nil))
			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if recorder.Code != testCase.status {
				t.Fatalf("expected %d, got %d", testCase.status, recorder.Code)
			}
		})
	}
}

type fixedCounters map[string]int64

func (counters fixedCounters) Snapshot() map[string]int64 {
	return counters
}

func TestMetricsHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", MetricsHandler(fixedCounters{"auth.signin.success": 3}))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	var payload struct {
		Counters map[string]int64 `json:"counters"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Counters["auth.signin.success"] != 3 {
		t.Fatalf("unexpected counters: %v", payload.Counters)
	}
}
