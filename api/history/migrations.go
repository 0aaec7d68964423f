package history

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

const migrationsDir = "migrations"

// slogGooseLogger adapts slog.Logger to goose.Logger interface
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func setupGoose(log *slog.Logger) error {
	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(MigrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return nil
}

// RunMigrations applies all pending history migrations using goose.
func RunMigrations(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	log.Info("running history migrations with goose")

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := setupGoose(log); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("history migrations completed successfully")
	return nil
}

// MigrationStatus logs the status of all history migrations.
func MigrationStatus(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	log.Info("checking history migration status")

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := setupGoose(log); err != nil {
		return err
	}
	return goose.StatusContext(ctx, db, migrationsDir)
}
