// Command server runs the reporting dashboard API and its maintenance tasks.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"analyticsvr/dashboard/internal/app"
	"analyticsvr/dashboard/internal/auth"
	"analyticsvr/dashboard/internal/config"
	"analyticsvr/dashboard/internal/migrations"
	"analyticsvr/dashboard/internal/observability"
)

const Version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Session-authenticated reporting dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), logLevel)
			},
		},
		migrateCmd(),
		sweepCmd(&logLevel),
		hashPasswordCmd(),
		waitPostgresCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "dashboard version %s\n", Version)
			},
		},
	)
	return cmd
}

func loadConfig(logLevel string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serve(ctx context.Context, logLevel string) error {
	cfg, logger, err := loadConfig(logLevel)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	return a.Run(ctx)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := migrations.Up(cmd.Context(), db); err != nil {
				return err
			}
			v, err := migrations.Version(cmd.Context(), db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database at version %d\n", v)
			return nil
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List embedded migrations with their checksums",
			RunE: func(cmd *cobra.Command, _ []string) error {
				files, err := migrations.List()
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", f.Name, f.Checksum)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied migration version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				db, err := openDatabase(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				v, err := migrations.Version(cmd.Context(), db)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			},
		},
	)
	return cmd
}

func openDatabase(ctx context.Context) (*sql.DB, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func sweepCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-sessions",
		Short: "Delete expired sessions from the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*logLevel)
			if err != nil {
				return err
			}
			b, err := app.OpenBackends(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			svc, err := app.NewAuthService(cfg, b, logger, nil)
			if err != nil {
				return err
			}
			n, err := svc.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep sessions: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired sessions\n", n)
			return nil
		},
	}
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the stored hash for a password (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := ""
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return fmt.Errorf("password is required")
			}
			fmt.Fprintln(cmd.OutOrStdout(), auth.HashPassword(password))
			return nil
		},
	}
}

func waitPostgresCmd() *cobra.Command {
	var (
		dsn     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait-postgres",
		Short: "Block until Postgres accepts connections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				return fmt.Errorf("--dsn, TEST_POSTGRES_DSN or DATABASE_URL is required")
			}
			if timeout <= 0 {
				return fmt.Errorf("timeout must be > 0")
			}
			db, err := sql.Open("postgres", dsn)
			if err != nil {
				return fmt.Errorf("open postgres: %w", err)
			}
			defer db.Close()
			if err := waitForDB(cmd.Context(), db, timeout, 2*time.Second); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "postgres ready")
			return nil
		},
	}

	defaultDSN := os.Getenv("TEST_POSTGRES_DSN")
	if defaultDSN == "" {
		defaultDSN = os.Getenv("DATABASE_URL")
	}
	defaultTimeout := 60 * time.Second
	if secs, err := strconv.Atoi(os.Getenv("WAIT_FOR_POSTGRES_TIMEOUT_SEC")); err == nil && secs > 0 {
		defaultTimeout = time.Duration(secs) * time.Second
	}
	cmd.Flags().StringVar(&dsn, "dsn", defaultDSN, "Postgres connection string")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultTimeout, "How long to keep retrying")
	return cmd
}

type pinger interface {
	PingContext(ctx context.Context) error
}

func waitForDB(ctx context.Context, db pinger, timeout, interval time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	deadline := time.Now().Add(timeout)
	for {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("postgres not ready within %s: %w", timeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
