package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BradenHooton/stepguard/internal/config"
	"github.com/BradenHooton/stepguard/internal/database"
	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stepguard",
		Short:         "Step-up login service with device trust and anonymity risk scoring",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newPurgeOTPCmd(),
		newRefreshTorCmd(),
		newCreateUserCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			return app.serve(ctx)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := database.NewConnection(cmd.Context(), &cfg.Database, logger)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			return database.Migrate(cmd.Context(), db.Pool, database.MigrateDirection(args[0]), cmd.OutOrStdout())
		},
	}
}

func newPurgeOTPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-otp",
		Short: "Delete verified and expired OTP challenges",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.otp.Purge(cmd.Context(), time.Now())
			if err != nil {
				return fmt.Errorf("purge failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d challenges\n", n)
			return nil
		},
	}
}

func newRefreshTorCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "refresh-tor",
		Short: "Fetch the Tor exit list and store it",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.tor.Refresh(cmd.Context(), force); err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d exit nodes loaded\n", app.tor.Size())
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", true, "refetch even if the stored list is fresh")
	return cmd
}

func newCreateUserCmd() *cobra.Command {
	var email, name, role string

	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user. The password is read from STEPGUARD_USER_PASSWORD.",
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("STEPGUARD_USER_PASSWORD")
			if password == "" {
				return errors.New("STEPGUARD_USER_PASSWORD is required")
			}

			app, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			user, err := app.users.CreateUser(cmd.Context(), email, name, role, password)
			if err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s user %s\n", user.Role, user.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", models.RoleCustomer, "customer, teller or admin")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// loadConfig loads configuration and builds the process logger
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return cfg, logger, nil
}
