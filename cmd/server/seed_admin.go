package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/fintrack/internal/authkit"
	"github.com/tyemirov/fintrack/internal/users"
	"go.uber.org/zap"
)

const configCodeSeedWithoutDatabase = "config.seed_admin_requires_database_url"

func newSeedAdminCommand() *cobra.Command {
	seedCmd := &cobra.Command{
		Use:   "seed-admin",
		Short: "Create an ADMIN account, or promote the existing account with that email",
		RunE:  runSeedAdmin,
	}
	seedCmd.Flags().String("admin_email", "", "Email of the admin account")
	seedCmd.Flags().String("admin_name", "Administrator", "Display name of the admin account")
	seedCmd.Flags().String("admin_password", "", "Password of the admin account")
	for _, name := range []string{"admin_email", "admin_name", "admin_password"} {
		_ = viper.BindPFlag(name, seedCmd.Flags().Lookup(name))
	}
	return seedCmd
}

func runSeedAdmin(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	if viper.GetString("database_url") == "" {
		return configError(configCodeSeedWithoutDatabase, "seed-admin writes to a database; set database_url")
	}
	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	handle, storeErr := openStore(ctx, logger)
	if storeErr != nil {
		return storeErr
	}
	defer handle.close()

	hashCost, maxConcurrentHashes, hashTimeout := loadHashingSettings()
	hasher, hasherErr := authkit.NewBcryptHasher(hashCost, maxConcurrentHashes, hashTimeout)
	if hasherErr != nil {
		return hasherErr
	}
	service := users.NewService(handle.store, hasher, logger)

	input := users.RegisterInput{
		Name:     viper.GetString("admin_name"),
		Email:    viper.GetString("admin_email"),
		Password: viper.GetString("admin_password"),
		Role:     authkit.RoleAdmin.String(),
	}
	created, registerErr := service.Register(ctx, input)
	if registerErr == nil {
		_, _ = fmt.Fprintf(command.OutOrStdout(), "created admin %s (id %d)\n", created.Email, created.ID)
		return nil
	}
	if !errors.Is(registerErr, authkit.ErrConflict) {
		return fmt.Errorf("seed-admin: %w", registerErr)
	}

	existing, findErr := handle.store.FindByEmail(ctx, input.Email, false)
	if findErr != nil {
		return fmt.Errorf("seed-admin: %w", findErr)
	}
	promoted, promoteErr := service.ChangeRole(ctx, existing.ID, users.RoleInput{Role: authkit.RoleAdmin.String()})
	if promoteErr != nil {
		return fmt.Errorf("seed-admin: %w", promoteErr)
	}
	_, _ = fmt.Fprintf(command.OutOrStdout(), "promoted %s (id %d) to admin\n", promoted.Email, promoted.ID)
	return nil
}
