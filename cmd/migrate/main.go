// Command migrate applies the embedded transaction schema with goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//	go run ./cmd/migrate up-to 1     # Migrate up to a specific version
//
// DATABASE_URL is read from the environment or a local .env file.
package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/migrations"
)

// Migrations sit at the root of migrations.FS.
const migrationsDir = "."

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the fraudwatch database schema",
		SilenceUsage: true,
	}

	for _, c := range []struct {
		name  string
		short string
		args  cobra.PositionalArgs
	}{
		{"up", "Apply all pending migrations", cobra.NoArgs},
		{"down", "Roll back the last migration", cobra.NoArgs},
		{"redo", "Roll back and re-apply the last migration", cobra.NoArgs},
		{"status", "Show migration status", cobra.NoArgs},
		{"version", "Show the current schema version", cobra.NoArgs},
		{"up-to", "Migrate up to VERSION", cobra.ExactArgs(1)},
		{"down-to", "Roll back down to VERSION", cobra.ExactArgs(1)},
	} {
		command := c.name
		root.AddCommand(&cobra.Command{
			Use:   command,
			Short: c.short,
			Args:  c.args,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), command, args)
			},
		})
	}
	return root
}

func run(ctx context.Context, command string, args []string) error {
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return err
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DatabaseURL == "" {
		err := errors.New("DATABASE_URL is required")
		logger.Error("no database configured", "error", err)
		return err
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return err
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		return err
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		logger.Error("failed to set dialect", "error", err)
		return err
	}

	if err := goose.RunContext(ctx, command, db, migrationsDir, args...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		return err
	}
	logger.Info("migration complete", "command", command)
	return nil
}
