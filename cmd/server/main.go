package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/fintrack/internal/authkit"
	"github.com/tyemirov/fintrack/internal/authkitpg"
	"github.com/tyemirov/fintrack/internal/users"
	"github.com/tyemirov/fintrack/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "fintrack",
		Short:   "Account service with password sign-in, JWT access tokens, and rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().String("database_url", "", "Database URL (postgres:// or sqlite:); leave empty for the in-memory store")
	rootCmd.PersistentFlags().String("store_driver", storeDriverGorm, "Persistent store driver: gorm or pgx (pgx requires postgres://)")
	rootCmd.PersistentFlags().Int("password_hash_cost", authkit.DefaultPasswordHashCost, "bcrypt cost factor")
	rootCmd.PersistentFlags().Int64("max_concurrent_hashes", authkit.DefaultMaxConcurrentHashes, "Maximum concurrent bcrypt operations")
	rootCmd.PersistentFlags().Duration("hash_timeout", authkit.DefaultHashTimeout, "Per-operation bcrypt timeout")

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("access_token_secret", "", "HS256 secret for access tokens")
	rootCmd.Flags().String("refresh_token_secret", "", "HS256 secret for refresh tokens; must differ from the access secret")
	rootCmd.Flags().Duration("access_token_ttl", authkit.DefaultAccessTokenTTL, "Access token TTL")
	rootCmd.Flags().Duration("refresh_token_ttl", authkit.DefaultRefreshTokenTTL, "Refresh token TTL")
	rootCmd.Flags().String("token_issuer", authkit.DefaultTokenIssuer, "Issuer claim for signed tokens")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for browser clients on other origins")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, name := range []string{"database_url", "store_driver", "password_hash_cost", "max_concurrent_hashes", "hash_timeout"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	for _, name := range []string{"listen_addr", "access_token_secret", "refresh_token_secret", "access_token_ttl", "refresh_token_ttl", "token_issuer", "enable_cors", "cors_allowed_origins"} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	rootCmd.AddCommand(newSeedAdminCommand())

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	storeDriverGorm = "gorm"
	storeDriverPGX  = "pgx"

	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeUnknownStoreDriver      = "config.unknown_store_driver"
	configCodePGXRequiresPostgres     = "config.pgx_requires_postgres"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads token and hashing settings from viper and validates them.
func LoadServerConfig() (authkit.ServerConfig, error) {
	hashCost, maxConcurrentHashes, hashTimeout := loadHashingSettings()
	serverConfig := authkit.ServerConfig{
		AccessTokenSecret:   []byte(viper.GetString("access_token_secret")),
		RefreshTokenSecret:  []byte(viper.GetString("refresh_token_secret")),
		AccessTokenTTL:      viper.GetDuration("access_token_ttl"),
		RefreshTokenTTL:     viper.GetDuration("refresh_token_ttl"),
		TokenIssuer:         viper.GetString("token_issuer"),
		PasswordHashCost:    hashCost,
		MaxConcurrentHashes: maxConcurrentHashes,
		HashTimeout:         hashTimeout,
	}
	if strings.TrimSpace(serverConfig.TokenIssuer) == "" {
		serverConfig.TokenIssuer = authkit.DefaultTokenIssuer
	}
	if err := serverConfig.Validate(); err != nil {
		return authkit.ServerConfig{}, err
	}
	if viper.GetBool("enable_cors") && len(viper.GetStringSlice("cors_allowed_origins")) == 0 {
		return authkit.ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}
	return serverConfig, nil
}

func loadHashingSettings() (int, int64, time.Duration) {
	hashCost := authkit.DefaultPasswordHashCost
	if configured := viper.GetInt("password_hash_cost"); configured != 0 {
		hashCost = configured
	}
	maxConcurrentHashes := int64(authkit.DefaultMaxConcurrentHashes)
	if configured := viper.GetInt64("max_concurrent_hashes"); configured != 0 {
		maxConcurrentHashes = configured
	}
	hashTimeout := authkit.DefaultHashTimeout
	if configured := viper.GetDuration("hash_timeout"); configured > 0 {
		hashTimeout = configured
	}
	return hashCost, maxConcurrentHashes, hashTimeout
}

// storeHandle is the credential store selected by configuration.
type storeHandle struct {
	store  authkit.UserStore
	health web.Pinger
	driver string
	close  func()
}

func openStore(ctx context.Context, logger *zap.Logger) (storeHandle, error) {
	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	driver := strings.ToLower(strings.TrimSpace(viper.GetString("store_driver")))
	if driver == "" {
		driver = storeDriverGorm
	}

	if databaseURL == "" {
		logger.Info("using in-memory credential store")
		return storeHandle{store: authkit.NewMemoryCredentialStore(), driver: "memory", close: func() {}}, nil
	}

	switch driver {
	case storeDriverGorm:
		databaseStore, err := authkit.NewDatabaseCredentialStore(ctx, databaseURL)
		if err != nil {
			return storeHandle{}, err
		}
		logger.Info("using persistent credential store", zap.String("driver", databaseStore.Driver()))
		return storeHandle{
			store:  databaseStore,
			health: databaseStore,
			driver: databaseStore.Driver(),
			close:  func() { _ = databaseStore.Close() },
		}, nil
	case storeDriverPGX:
		lowered := strings.ToLower(databaseURL)
		if !strings.HasPrefix(lowered, "postgres://") && !strings.HasPrefix(lowered, "postgresql://") {
			return storeHandle{}, configError(configCodePGXRequiresPostgres, "store_driver pgx requires a postgres:// database_url")
		}
		pool, err := authkitpg.BuildPool(ctx, databaseURL, authkitpg.PoolOptions{})
		if err != nil {
			return storeHandle{}, err
		}
		if err := authkitpg.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return storeHandle{}, err
		}
		pgStore := authkitpg.NewPostgresCredentialStore(pool)
		logger.Info("using persistent credential store", zap.String("driver", pgStore.Driver()))
		return storeHandle{store: pgStore, health: pgStore, driver: pgStore.Driver(), close: pool.Close}, nil
	default:
		return storeHandle{}, configError(configCodeUnknownStoreDriver, fmt.Sprintf("store_driver %q is not gorm or pgx", driver))
	}
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	handle, storeErr := openStore(commandContext, logger)
	if storeErr != nil {
		return storeErr
	}
	defer handle.close()

	hasher, hasherErr := authkit.NewBcryptHasherFromConfig(serverConfig)
	if hasherErr != nil {
		return hasherErr
	}
	issuer, issuerErr := authkit.NewTokenIssuer(serverConfig, authkit.NewSystemClock())
	if issuerErr != nil {
		return issuerErr
	}
	metricsRecorder := authkit.NewCounterMetrics()
	guards := authkit.GuardSet{
		Verifier: issuer,
		Roles:    handle.store,
		Logger:   logger,
		Metrics:  metricsRecorder,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", web.HealthHandler(handle.health, logger))
	router.GET("/internal/metrics", guards.Handlers(authkit.RequireRoles(authkit.RoleAdmin), web.MetricsHandler(metricsRecorder))...)

	authService := authkit.NewAuthService(handle.store, hasher, issuer, logger, metricsRecorder)
	authkit.MountAuthRoutes(router, authService, guards)
	users.MountUserRoutes(router, users.NewService(handle.store, hasher, logger), guards)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.String("store", handle.driver),
		zap.Bool("cors", enableCORS))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}
