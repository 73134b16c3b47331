// Command migrate-json-to-postgres copies a rivercast JSON datastore into
// Postgres and verifies the row counts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"rivercast/internal/config"
	"rivercast/internal/observability/logging"
	"rivercast/internal/storage"
)

type options struct {
	jsonPath string
	dsn      string
	dryRun   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(logging.Config{Level: "info", Format: "text"})
	if err := run(ctx, os.Args[1:], os.Getenv, logger); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			logger.Error("migration failed", "error", err)
		}
		os.Exit(1)
	}
}

func parseOptions(args []string, getenv func(string) string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate-json-to-postgres", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.jsonPath, "json", "data/store.json", "path to the JSON datastore to migrate")
	fs.StringVar(&opts.dsn, "postgres-dsn", "", "Postgres connection string (falls back to "+config.EnvName("postgres-dsn")+" then DATABASE_URL)")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "load and count the JSON datastore without touching Postgres")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	for _, candidate := range []string{opts.dsn, getenv(config.EnvName("postgres-dsn")), getenv("DATABASE_URL")} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			opts.dsn = candidate
			break
		}
	}
	if opts.dsn == "" && !opts.dryRun {
		return options{}, fmt.Errorf("no postgres DSN: set --postgres-dsn, %s or DATABASE_URL", config.EnvName("postgres-dsn"))
	}
	return opts, nil
}

func run(ctx context.Context, args []string, getenv func(string) string, logger *slog.Logger) error {
	opts, err := parseOptions(args, getenv, os.Stderr)
	if err != nil {
		return err
	}

	snapshot, err := storage.LoadSnapshotFromJSON(opts.jsonPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", opts.jsonPath, err)
	}
	want := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", opts.jsonPath, "sessions", want.Sessions,
		"viewers", want.Viewers, "chat_messages", want.ChatMessages, "recordings", want.Recordings)
	if opts.dryRun {
		return nil
	}

	repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
		DSN:             opts.dsn,
		ApplicationName: "rivercast-migrate",
		Migrate:         true,
	})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer func() { _ = repo.Close(context.Background()) }()

	if err := storage.ImportSnapshot(ctx, repo, snapshot); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	got, err := repo.TableCounts(ctx)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if got != want {
		return fmt.Errorf("verify: row counts %+v do not match snapshot %+v", got, want)
	}
	logger.Info("migration completed", "sessions", got.Sessions, "viewers", got.Viewers,
		"chat_messages", got.ChatMessages, "moderation", got.Moderation, "recordings", got.Recordings)
	return nil
}
